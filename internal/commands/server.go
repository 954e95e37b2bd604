package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/noFAYZ/sync-tracker/internal/app"
	"github.com/noFAYZ/sync-tracker/pkg/config"
	"github.com/noFAYZ/sync-tracker/pkg/logger"
	"github.com/spf13/cobra"
)

var (
	serverPort int
	serverHost string
	logLevel   string
	transport  string
)

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the sync tracker",
	Long: `Start the sync tracker.

This will start all components:
• One push subscription per domain (SSE, WebSocket or NATS)
• REST API for sync state, retries and connection control
• WebSocket channel for live UI updates
• Snapshot persistence and the optional history and metrics sinks

Examples:
  sync-tracker server                      # Start with default settings
  sync-tracker server --port 9090          # Start on custom port
  sync-tracker server --transport nats     # Read events from NATS
  sync-tracker server --log-level debug    # Enable debug logging`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().IntVarP(&serverPort, "port", "p", 0, "Server port")
	serverCmd.Flags().StringVarP(&serverHost, "host", "H", "", "Server host")
	serverCmd.Flags().StringVarP(&logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	serverCmd.Flags().StringVarP(&transport, "transport", "t", "", "Event transport (sse, websocket, nats)")
}

func runServer(cmd *cobra.Command, args []string) error {
	envLoaded, err := config.LoadDotEnv(envFile)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if serverHost != "" {
		cfg.Server.Host = serverHost
	}
	if serverPort != 0 {
		cfg.Server.Port = serverPort
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	} else if verbose {
		cfg.Logging.Level = "debug"
	}
	if transport != "" {
		cfg.Stream.Transport = transport
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	if envLoaded != "" {
		log.WithField("file", envLoaded).Debug("Loaded .env file")
	}
	log.WithField("transport", cfg.Stream.Transport).Info("Starting sync tracker")

	application := app.New(cfg, log)

	if err := application.Initialize(); err != nil {
		log.WithError(err).Error("Failed to initialize application")
		return err
	}

	if err := application.Start(); err != nil {
		log.WithError(err).Error("Failed to start application")
		return err
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-interrupt
	log.WithField("signal", sig.String()).Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	shutdownComplete := make(chan struct{})
	go func() {
		if err := application.Stop(); err != nil {
			log.WithError(err).Error("Application shutdown error")
		}
		close(shutdownComplete)
	}()

	select {
	case <-shutdownComplete:
		log.Info("Application shutdown complete")
	case <-shutdownCtx.Done():
		log.Warn("Shutdown timeout - forcing exit")
		os.Exit(1)
	}

	return nil
}
