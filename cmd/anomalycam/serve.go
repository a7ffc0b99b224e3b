package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mikeyg42/anomalycam/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service (upload scans, live feed, speech monitor)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
}

var serveAddr string

func runServe(ctx context.Context) error {
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	app, err := NewApplication(ctx, cfg, logger, appOptions{live: true, speech: true, alerts: true})
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	defer app.Close()

	server := api.NewServer(ctx, cfg, app.apiDeps(), logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()
	logger.Info("anomalycam ready",
		zap.String("addr", cfg.Server.Addr),
		zap.Bool("speech", app.monitor != nil),
		zap.Bool("alerts", app.dispatcher != nil))

	select {
	case <-ctx.Done():
		logger.Info("Shutdown requested")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.D())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Graceful shutdown incomplete", zap.Error(err))
	}
	return nil
}
