package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/voxbridge-ai/voxbridge/pkg/bridge"
	"github.com/voxbridge-ai/voxbridge/pkg/bridge/config"
	"github.com/voxbridge-ai/voxbridge/pkg/voice/tts"
)

var chatUser string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Run a console conversation through the agent bridge",
	Long: `chat connects a line-oriented console to the agent service.

Plain lines are sent as user turns. Commands:
  /start   restart the conversation (resets the turn quota)
  /quit    end the session and exit (Ctrl-D works too)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd.Context(), defaultChatDeps())
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatUser, "user", "console", "user identity for rate limiting")
	rootCmd.AddCommand(chatCmd)
}

// chatDeps carries the chat command's environment so tests can inject
// every edge.
type chatDeps struct {
	loadConfig   func() (config.Config, error)
	stdin        io.Reader
	stdout       io.Writer
	stderr       io.Writer
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultChatDeps() chatDeps {
	return chatDeps{
		loadConfig: loadChatConfig,
		stdin:      os.Stdin,
		stdout:     os.Stdout,
		stderr:     os.Stderr,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func loadChatConfig() (config.Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return config.Config{}, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.LoadFromEnv()
}

func runChat(ctx context.Context, deps chatDeps) error {
	if deps.stdin == nil || deps.stdout == nil {
		return errors.New("missing console dependency")
	}
	if deps.stderr == nil {
		deps.stderr = os.Stderr
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(deps.stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var synth tts.Provider
	if cfg.TTSAPIKey != "" {
		synth = tts.NewHTTP(cfg.TTSAPIKey).WithBaseURL(cfg.TTSBaseURL)
	}

	b := bridge.New(cfg, bridge.Options{Logger: logger, Synthesizer: synth})
	defer b.Close()

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", b.Metrics().Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("serving metrics", "addr", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	if err := b.BeginSession(ctx, chatUser); err != nil {
		return fmt.Errorf("begin session: %w", err)
	}
	fmt.Fprintln(deps.stdout, "session started, type a message (/start restarts, /quit exits)")

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(deps.stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 64*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		readErr <- scanner.Err()
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-sigCh:
			logger.Info("shutdown signal received", "signal", sig.String())
			return nil
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("reading input: %w", err)
			}
			return nil
		case line := <-lines:
			switch strings.TrimSpace(line) {
			case "":
			case "/quit":
				return nil
			case "/start":
				if err := b.BeginSession(ctx, chatUser); err != nil {
					fmt.Fprintf(deps.stdout, "restart failed: %v\n", err)
					continue
				}
				fmt.Fprintln(deps.stdout, "conversation restarted")
			default:
				printReply(ctx, deps.stdout, b, chatUser, line)
			}
		}
	}
}

func printReply(ctx context.Context, out io.Writer, b *bridge.Bridge, user, text string) {
	reply, err := b.SubmitTurn(ctx, user, text)
	if err != nil {
		var bridgeErr *bridge.Error
		switch {
		case errors.As(err, &bridgeErr) && bridgeErr.Type == bridge.ErrRateLimited:
			if bridgeErr.RetryAfter != nil {
				fmt.Fprintf(out, "rate limited: try again in %ds\n", *bridgeErr.RetryAfter)
			} else {
				fmt.Fprintln(out, "rate limited: try again later")
			}
		case errors.As(err, &bridgeErr) && bridgeErr.Type == bridge.ErrNoReply:
			fmt.Fprintln(out, "the agent did not reply in time")
		default:
			fmt.Fprintf(out, "turn failed: %v\n", err)
		}
		return
	}

	fmt.Fprintln(out, reply.Text)
	if reply.Audio != nil {
		fmt.Fprintf(out, "[audio: %d bytes, %s @ %d Hz]\n",
			len(reply.Audio.Data), reply.Audio.Format.Encoding, reply.Audio.Format.SampleRateHz)
	}
}
