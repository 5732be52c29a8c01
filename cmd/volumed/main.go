package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/onkernel/blockvol/lib/config"
	"github.com/onkernel/blockvol/lib/otel"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application terminated", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tel, otelShutdown, err := otel.Init(context.Background(), otel.Config{
		Enabled:           cfg.OtelEnabled,
		Endpoint:          cfg.OtelEndpoint,
		ServiceName:       cfg.OtelServiceName,
		ServiceInstanceID: cfg.OtelServiceInstanceID,
		Insecure:          cfg.OtelInsecure,
		Version:           cfg.Version,
		Env:               cfg.Env,
	})
	if err != nil {
		// Run without telemetry rather than not at all.
		slog.Warn("failed to initialize OpenTelemetry, continuing without telemetry", "error", err)
		tel, otelShutdown, _ = otel.Init(context.Background(), otel.Config{ServiceName: cfg.OtelServiceName})
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("error shutting down OpenTelemetry", "error", err)
		}
	}()

	app, cleanup, err := initializeApp(cfg, tel)
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}
	defer func() {
		slog.Info("cleaning up application resources")
		cleanup()
	}()

	ctx, stop := signal.NotifyContext(app.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := app.Logger
	if cfg.OtelEnabled {
		log.Info("OpenTelemetry enabled", "endpoint", cfg.OtelEndpoint, "service", cfg.OtelServiceName)
	}
	if cfg.JwtSecret == "" {
		log.Warn("JWT_SECRET not configured - admin endpoints will reject every request")
	}
	if cfg.AgentTokenSecret == "" {
		log.Warn("AGENT_TOKEN_SECRET not configured - agent calls are unauthenticated")
	}

	// Settle migrations interrupted by the previous run before taking work.
	log.Info("reconciling interrupted migrations")
	if err := app.Orchestrator.Reconcile(ctx, 0); err != nil {
		log.Error("startup reconciliation incomplete", "error", err)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: newRouter(app, tel),
	}

	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		log.Info("starting volumed", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "error", err)
			return err
		}
		return nil
	})

	grp.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to shutdown http server", "error", err)
			return err
		}
		if err := app.Orchestrator.Drain(shutdownCtx); err != nil {
			log.Warn("expunges still running at shutdown", "error", err)
		}
		return nil
	})

	grp.Go(func() error {
		return every(gctx, cfg.ReconcileInterval, func(ctx context.Context) {
			if err := app.Orchestrator.Reconcile(ctx, cfg.ReconcileStaleAge); err != nil {
				log.Error("reconciliation failed", "error", err)
			}
		})
	})

	grp.Go(func() error {
		return every(gctx, cfg.SweepInterval, func(ctx context.Context) {
			if _, err := app.Orchestrator.SweepDestroyed(ctx, cfg.ReconcileStaleAge); err != nil {
				log.Error("sweep of destroyed volumes failed", "error", err)
			}
		})
	})

	err = grp.Wait()
	slog.Info("all goroutines finished")
	return err
}

// every runs fn on each tick until ctx ends.
func every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}
