package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Glance server",
		Long: `Start the Glance server.

This command starts the HTTP server that provides:
- Widget definition, instance and package endpoints
- Widget data endpoints backed by the cache engine
- Webhook ingestion and the agent refresh queue
- WebSocket notifications for widget updates

The server will listen on the configured host and port (default: 127.0.0.1:8080).`,
		Example: `  # Start server with default configuration
  glance serve

  # Start server with custom port
  glance serve --port 9090

  # Start server with verbose logging
  glance serve --verbose`,
		RunE: runServe,
	}

	cmd.Flags().IntP("port", "p", 0, "port to listen on (overrides config)")
	cmd.Flags().String("host", "", "host to bind to (overrides config)")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cliCtx, err := requireCLIContext(cmd)
	if err != nil {
		return err
	}

	cfg := cliCtx.Config
	log := cliCtx.Log()

	// Override config with flags if provided
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Gateway.Port = port
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Gateway.Host = host
	}
	if cfg.Version == "" {
		cfg.Version = Version
	}

	log.Info().Str("storage", cliCtx.StoragePath).Msg("Starting Glance server...")

	a, err := newApp(cfg, cliCtx.StoragePath)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := a.start(ctx); err != nil {
		_ = a.shutdown(context.Background())
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Start()
	}()

	log.Info().
		Str("address", fmt.Sprintf("http://%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)).
		Msg("Server started successfully")

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var serveErr error
	select {
	case <-sigCh:
		log.Info().Msg("Shutting down server...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server error")
			serveErr = err
		}
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := a.shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
		if serveErr == nil {
			serveErr = err
		}
	}

	if serveErr == nil {
		log.Info().Msg("Server stopped")
	}
	return serveErr
}
