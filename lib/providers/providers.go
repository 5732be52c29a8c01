package providers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/onkernel/blockvol/lib/config"
	"github.com/onkernel/blockvol/lib/gateway"
	"github.com/onkernel/blockvol/lib/hypervisor"
	"github.com/onkernel/blockvol/lib/logger"
	"github.com/onkernel/blockvol/lib/orchestrator"
	"github.com/onkernel/blockvol/lib/otel"
	"github.com/onkernel/blockvol/lib/store"
	"github.com/onkernel/blockvol/lib/usage"
)

// ProvideLogger provides the orchestrator's structured logger, teeing into
// OpenTelemetry when it is enabled. Records carrying a volume_id are also
// appended to that volume's history file under DataDir/volume-logs.
func ProvideLogger(cfg *config.Config, tel *otel.Provider) *slog.Logger {
	base := logger.NewSubsystemLogger(logger.SubsystemOrchestrator, logger.NewConfig(), tel.LogHandler)
	logDir := filepath.Join(cfg.DataDir, "volume-logs")
	return slog.New(logger.NewVolumeLogHandler(base.Handler(), func(volumeID string) string {
		p, err := securejoin.SecureJoin(logDir, volumeID+".log")
		if err != nil {
			return ""
		}
		return p
	}))
}

// ProvideContext provides a context with logger attached
func ProvideContext(log *slog.Logger) context.Context {
	return logger.AddToContext(context.Background(), log)
}

// ProvideStore opens the bbolt database under the data directory.
func ProvideStore(cfg *config.Config) (*store.Store, func(), error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(filepath.Join(cfg.DataDir, "blockvol.db"))
	if err != nil {
		return nil, nil, err
	}
	return st, func() { _ = st.Close() }, nil
}

// ProvideHypervisorRegistry provides the capability registry, with the
// configured block-device policy for unknown families.
func ProvideHypervisorRegistry(cfg *config.Config) *hypervisor.Registry {
	defaults := hypervisor.DefaultCapabilities
	defaults.MaxDataVolumes = cfg.MaxDataVolumes
	defaults.MaxDeviceID = cfg.MaxDeviceID
	defaults.ReservedDeviceIDs = cfg.ReservedDeviceIDs
	return hypervisor.NewDefaultRegistry(defaults)
}

// ProvideGateway provides the agent gateway. Closing it drops every pooled
// agent connection.
func ProvideGateway(cfg *config.Config, st *store.Store, tel *otel.Provider) (*gateway.AgentGateway, func(), error) {
	m, err := gateway.NewMetrics(tel.MeterFor("gateway"))
	if err != nil {
		return nil, nil, fmt.Errorf("create gateway metrics: %w", err)
	}
	gateway.SetMetrics(m)

	gw := gateway.NewAgentGateway(st, gateway.Config{
		CommandTimeout:  cfg.CommandTimeout,
		ProbeTimeout:    cfg.ProbeTimeout,
		ProbeAttempts:   uint(cfg.ProbeAttempts),
		BreakerFailures: uint32(cfg.BreakerFailures),
		BreakerCooldown: cfg.BreakerCooldown,
		TokenSecret:     cfg.AgentTokenSecret,
	})
	return gw, func() { _ = gw.Close() }, nil
}

// ProvideUsageRecorder provides the usage recorder backed by the store.
func ProvideUsageRecorder(st *store.Store, tel *otel.Provider) (*usage.Recorder, error) {
	m, err := usage.NewMetrics(tel.MeterFor("usage"))
	if err != nil {
		return nil, fmt.Errorf("create usage metrics: %w", err)
	}
	return usage.NewRecorder(st, m), nil
}

// ProvideOrchestrator provides the volume lifecycle manager
func ProvideOrchestrator(cfg *config.Config, st *store.Store, gw *gateway.AgentGateway, reg *hypervisor.Registry, rec *usage.Recorder, tel *otel.Provider) (orchestrator.Manager, error) {
	return orchestrator.NewManager(orchestrator.Config{
		ExpungeConcurrency: cfg.ExpungeConcurrency,
		ExpungeTimeout:     cfg.ExpungeTimeout,
	}, st, st, st, gw, reg, rec, rec, tel.MeterFor("orchestrator"))
}
