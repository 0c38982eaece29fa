// Package bridge is the public face of the chat-to-agent bridge: it
// owns the rate limiter, the session registry, and reply delivery,
// including fallback speech synthesis for text-only agent sessions.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/voxbridge-ai/voxbridge/pkg/agent"
	"github.com/voxbridge-ai/voxbridge/pkg/audio"
	"github.com/voxbridge-ai/voxbridge/pkg/bridge/config"
	"github.com/voxbridge-ai/voxbridge/pkg/bridge/ratelimit"
	"github.com/voxbridge-ai/voxbridge/pkg/bridge/session"
	"github.com/voxbridge-ai/voxbridge/pkg/bridge/sessions"
	"github.com/voxbridge-ai/voxbridge/pkg/core"
	"github.com/voxbridge-ai/voxbridge/pkg/voice/tts"
)

// Reply is the complete result of one user turn.
type Reply = core.Reply

type Options struct {
	Logger      *slog.Logger
	Synthesizer tts.Provider
	Dialer      *agent.Dialer
	Now         func() time.Time
	Metrics     *Metrics
}

type Bridge struct {
	cfg      config.Config
	logger   *slog.Logger
	limiter  *ratelimit.Limiter
	registry *sessions.Registry
	synth    tts.Provider
	metrics  *Metrics

	mu      sync.Mutex
	started map[string]time.Time // session id -> begin time
}

func New(cfg config.Config, opts Options) *Bridge {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dialer == nil {
		opts.Dialer = &agent.Dialer{
			HandshakeTimeout: cfg.ConnectTimeout,
			ReadTimeout:      cfg.ReadTimeout,
			Logger:           opts.Logger,
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics("")
	}

	b := &Bridge{
		cfg:    cfg,
		logger: opts.Logger,
		limiter: ratelimit.New(ratelimit.Config{
			Quota:    cfg.DailyQuota,
			Window:   cfg.QuotaWindow,
			Cooldown: cfg.Cooldown,
		}),
		synth:   opts.Synthesizer,
		metrics: opts.Metrics,
		started: make(map[string]time.Time),
	}

	factory := func(user string) (*session.Session, error) {
		return session.New(user, session.Config{
			Endpoint: agent.Endpoint{
				URL:     cfg.AgentURL,
				APIKey:  cfg.AgentAPIKey,
				AgentID: cfg.AgentID,
			},
			ReplyTimeout: cfg.ReplyTimeout,
			AudioGrace:   cfg.AudioGrace,
			InitTimeout:  cfg.InitTimeout,
		}, session.Dependencies{
			Limiter: b.limiter,
			Dialer:  opts.Dialer,
			Logger:  opts.Logger,
			Now:     opts.Now,
			OnClose: b.sessionClosed,
		})
	}
	b.registry = sessions.NewRegistry(factory, opts.Logger)
	return b
}

// Metrics exposes the bridge metrics for serving.
func (b *Bridge) Metrics() *Metrics { return b.metrics }

// ActiveSessions returns the number of live sessions.
func (b *Bridge) ActiveSessions() int { return b.registry.Count() }

// BeginSession starts (or restarts) the user's conversation. An
// existing session is torn down first, and the user's rate counters
// reset with it.
func (b *Bridge) BeginSession(ctx context.Context, user string) error {
	b.limiter.Reset(user)

	s, err := b.registry.Begin(ctx, user)
	if err != nil {
		b.metrics.RecordSessionFailed()
		return err
	}

	b.mu.Lock()
	b.started[s.ID()] = time.Now()
	b.mu.Unlock()
	b.metrics.RecordSessionStart()
	return nil
}

// SubmitTurn relays one user turn and blocks for the complete reply.
func (b *Bridge) SubmitTurn(ctx context.Context, user, text string) (Reply, error) {
	s := b.registry.Get(user)
	if s == nil {
		return Reply{}, core.NewNotActiveError("no live session for user")
	}

	start := time.Now()
	reply, err := s.SubmitTurn(ctx, text)
	if err != nil {
		b.metrics.RecordTurn(turnResult(err), time.Since(start), 0)
		return Reply{}, err
	}

	if reply.Audio == nil && s.Format().None() {
		reply = b.synthesizeReply(ctx, reply)
	}

	audioBytes := 0
	if reply.Audio != nil {
		audioBytes = len(reply.Audio.Data)
	}
	b.metrics.RecordTurn("ok", time.Since(start), audioBytes)
	return reply, nil
}

// synthesizeReply voices a text-only reply through the configured
// synthesizer. Synthesis failure degrades to text rather than failing
// a turn the agent already answered.
func (b *Bridge) synthesizeReply(ctx context.Context, reply Reply) Reply {
	if b.synth == nil || b.cfg.TTSVoice == "" || reply.Text == "" {
		return reply
	}
	syn, err := b.synth.Synthesize(ctx, reply.Text, tts.Options{Voice: b.cfg.TTSVoice})
	if err != nil {
		b.logger.Warn("reply synthesis failed, sending text only", "error", err)
		return reply
	}
	reply.Audio = &audio.Buffer{Data: syn.Audio, Format: syn.Format}
	return reply
}

// EndSession tears down the user's session. Returns whether one was
// live.
func (b *Bridge) EndSession(user string) bool {
	return b.registry.End(user)
}

// Close ends every live session. Used on shutdown.
func (b *Bridge) Close() {
	b.registry.CloseAll()
}

func (b *Bridge) sessionClosed(s *session.Session) {
	b.registry.Remove(s)

	b.mu.Lock()
	began, ok := b.started[s.ID()]
	delete(b.started, s.ID())
	b.mu.Unlock()
	if ok {
		b.metrics.RecordSessionEnd(time.Since(began))
	}
}

func turnResult(err error) string {
	var bridgeErr *Error
	if errors.As(err, &bridgeErr) {
		return string(bridgeErr.Type)
	}
	return "error"
}
