package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	envFile    string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "voxbridge",
	Short: "Bridge a chat front-end to a streaming conversational agent",
	Long: `voxbridge relays user turns to a streaming conversational-AI
backend and delivers complete replies: final text plus the reassembled
audio, with per-user quota and cooldown enforcement.

Configuration comes from VOXBRIDGE_* environment variables, optionally
layered over a YAML file (--config) and a .env file (--env-file).

Examples:
  # Talk to the agent from the terminal
  VOXBRIDGE_AGENT_URL=wss://agent.example/v1/stream voxbridge chat

  # With a config file and Prometheus metrics
  voxbridge chat --config voxbridge.yaml`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file layered beneath the environment")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading config")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
