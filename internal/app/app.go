// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openinfer/telemetryd/internal/config"
	"github.com/openinfer/telemetryd/internal/httpserver"
	"github.com/openinfer/telemetryd/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

// Run bootstraps the application lifecycle.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	facility := metrics.New(metrics.Options{
		Logger:         baseLogger,
		SampleInterval: cfg.SampleInterval,
		CPUOnly:        cfg.CPUOnly,
	})
	defer facility.Shutdown()

	facility.EnableMetrics()
	facility.EnableGPUMetrics()

	devices := facility.Devices()
	appLogger.Info("telemetry enabled", "devices", len(devices), "cpu_only", cfg.CPUOnly)

	srv := httpserver.New(cfg, baseLogger.With("component", "http"), facility)

	appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		appLogger.Info("shutdown initiated", "reason", ctx.Err())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("http shutdown: %w", err)
		}

		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		appLogger.Info("shutdown complete")
		return nil
	}
}
