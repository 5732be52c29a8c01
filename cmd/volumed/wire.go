//go:build wireinject

package main

import (
	"context"
	"log/slog"

	"github.com/google/wire"
	"github.com/onkernel/blockvol/lib/config"
	"github.com/onkernel/blockvol/lib/gateway"
	"github.com/onkernel/blockvol/lib/orchestrator"
	"github.com/onkernel/blockvol/lib/otel"
	"github.com/onkernel/blockvol/lib/providers"
	"github.com/onkernel/blockvol/lib/store"
	"github.com/onkernel/blockvol/lib/usage"
)

// application struct to hold initialized components
type application struct {
	Ctx          context.Context
	Logger       *slog.Logger
	Config       *config.Config
	Store        *store.Store
	Gateway      *gateway.AgentGateway
	Usage        *usage.Recorder
	Orchestrator orchestrator.Manager
}

// initializeApp is the injector function
func initializeApp(cfg *config.Config, tel *otel.Provider) (*application, func(), error) {
	panic(wire.Build(
		providers.ProvideLogger,
		providers.ProvideContext,
		providers.ProvideStore,
		providers.ProvideHypervisorRegistry,
		providers.ProvideGateway,
		providers.ProvideUsageRecorder,
		providers.ProvideOrchestrator,
		wire.Struct(new(application), "*"),
	))
}
