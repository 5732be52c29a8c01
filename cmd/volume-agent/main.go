// Command volume-agent executes storage commands for the pools mounted on
// this host.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/onkernel/blockvol/lib/agent"
	"github.com/onkernel/blockvol/lib/config"
	"github.com/onkernel/blockvol/lib/gateway"
	"github.com/onkernel/blockvol/lib/logger"
	"github.com/onkernel/blockvol/lib/otel"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

func main() {
	if err := run(); err != nil {
		slog.Error("agent terminated", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadAgent()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tel, otelShutdown, err := otel.Init(context.Background(), otel.Config{
		Enabled:           cfg.OtelEnabled,
		Endpoint:          cfg.OtelEndpoint,
		ServiceName:       "volume-agent",
		ServiceInstanceID: cfg.HostID,
		Insecure:          cfg.OtelInsecure,
		Version:           cfg.Version,
		Env:               cfg.Env,
	})
	if err != nil {
		slog.Warn("failed to initialize OpenTelemetry, continuing without telemetry", "error", err)
		tel, otelShutdown, _ = otel.Init(context.Background(), otel.Config{ServiceName: "volume-agent"})
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("error shutting down OpenTelemetry", "error", err)
		}
	}()

	log := logger.NewSubsystemLogger(logger.SubsystemAgent, logger.NewConfig(), tel.LogHandler).
		With("host_id", cfg.HostID)
	if cfg.TokenSecret == "" {
		log.Warn("AGENT_TOKEN_SECRET not configured - commands are accepted from any caller")
	}

	srv, err := agent.New(agent.Config{
		HostID:         cfg.HostID,
		MountRoot:      cfg.MountRoot,
		MaxImportBytes: cfg.MaxImportSize,
		Version:        cfg.Version,
	})
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			injectLogger(log),
			gateway.AuthInterceptor(cfg.TokenSecret),
		),
	)
	gateway.RegisterAgentServer(grpcServer, srv)

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		log.Info("starting volume agent", "addr", cfg.ListenAddr, "mount_root", cfg.MountRoot)
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	grp.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received")

		// Let in-flight copies finish, but not forever.
		done := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(cfg.ShutdownPeriod):
			log.Warn("graceful stop timed out, cancelling in-flight commands", "period", cfg.ShutdownPeriod)
			grpcServer.Stop()
		}
		return nil
	})

	return grp.Wait()
}

// injectLogger attaches log to every call's context.
func injectLogger(log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		return handler(logger.AddToContext(ctx, log.With("method", info.FullMethod)), req)
	}
}
