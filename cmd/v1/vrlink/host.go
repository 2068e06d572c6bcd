package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/RoseWrightdev/vrlink/internal/v1/app"
	"github.com/RoseWrightdev/vrlink/internal/v1/bus"
	"github.com/RoseWrightdev/vrlink/internal/v1/config"
	"github.com/RoseWrightdev/vrlink/internal/v1/logging"
	"github.com/RoseWrightdev/vrlink/internal/v1/store"
	"github.com/RoseWrightdev/vrlink/internal/v1/tracing"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func hostCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "host",
		Short: "Run the VR side: stream frames, route touches, keep score",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.ValidateEnv()
			if err != nil {
				return err
			}
			return runHost(cmd.Context(), cfg)
		},
	}
}

func runHost(parent context.Context, cfg *config.Config) error {
	if err := logging.Initialize(cfg.DevelopmentMode, cfg.LogLevel); err != nil {
		return err
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.DevelopmentMode {
		logging.Info(ctx, "Running in DEVELOPMENT MODE")
	}

	shutdownTracer, err := tracing.InitTracer(ctx, "vrlink-host", cfg.OtelCollectorAddr, cfg.OtelPlaintext)
	if err != nil {
		logging.Warn(ctx, "Tracing disabled", zap.Error(err))
		shutdownTracer = func(context.Context) error { return nil }
	}

	var opts []app.Option

	// Redis bus is optional; the tablet link never depends on it.
	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Error(ctx, "Failed to connect to Redis, running without event bus", zap.Error(err))
			busService = nil
		} else {
			opts = append(opts, app.WithBus(busService))
		}
	}

	var matchStore *store.Store
	if cfg.MatchDBPath != "" {
		matchStore, err = store.New(cfg.MatchDBPath)
		if err != nil {
			logging.Error(ctx, "Failed to open match history, results will not be kept", zap.Error(err))
			matchStore = nil
		} else {
			opts = append(opts, app.WithStore(matchStore))
		}
	}

	host, err := app.New(cfg, opts...)
	if err != nil {
		return err
	}

	runErr := host.Run(ctx)
	if runErr != nil {
		logging.Error(ctx, "VR host failed", zap.Error(runErr))
	} else {
		logging.Info(ctx, "Shutting down VR host...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := host.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "Error during host shutdown", zap.Error(err))
	}
	if busService != nil {
		if err := busService.Close(); err != nil {
			logging.Error(shutdownCtx, "Failed to close Redis connection", zap.Error(err))
		}
	}
	if matchStore != nil {
		if err := matchStore.Close(); err != nil {
			logging.Error(shutdownCtx, "Failed to close match store", zap.Error(err))
		}
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logging.Warn(shutdownCtx, "Failed to flush traces", zap.Error(err))
	}

	logging.Info(shutdownCtx, "VR host exiting")
	return runErr
}
