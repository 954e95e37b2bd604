package commands

import (
	"github.com/spf13/cobra"
)

var (
	verbose bool
	envFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sync-tracker",
	Short: "Client side tracker for server sync jobs",
	Long: `A tracker that follows long running server sync jobs for crypto wallets,
bank accounts and third party integrations.

Features:
• Push event subscription over SSE, WebSocket or NATS
• Per-domain registries with stale event filtering
• Bounded retries through the resume-sync endpoint
• Live UI channel with elapsed time ticks
• Snapshot persistence in BoltDB or Redis
• Optional history log (MySQL) and metrics (InfluxDB)`,
	Version: "1.0.0",
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load settings from this .env file")
}
