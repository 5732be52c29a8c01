// Command volctl drives the volume orchestrator against a local store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/onkernel/blockvol/lib/config"
	"github.com/onkernel/blockvol/lib/gateway"
	"github.com/onkernel/blockvol/lib/logger"
	"github.com/onkernel/blockvol/lib/orchestrator"
	"github.com/onkernel/blockvol/lib/otel"
	"github.com/onkernel/blockvol/lib/providers"
	"github.com/onkernel/blockvol/lib/store"
	"github.com/spf13/cobra"
)

// Version is set via ldflags.
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "volctl",
	Short: "Operate block volumes against the orchestrator's store",
	Long: `volctl runs volume lifecycle operations directly against the
orchestrator's database, sending storage commands to the pool agents.

Stop volumed before using volctl on the same data directory: the
database is held open exclusively.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (defaults to DATA_DIR)")
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(volumeCmd)
}

// session is an open store plus the orchestrator built over it.
type session struct {
	ctx   context.Context
	store *store.Store
	orch  orchestrator.Manager
	close func()
}

func openSession(cmd *cobra.Command) (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}

	tel, _, err := otel.Init(cmd.Context(), otel.Config{ServiceName: "volctl"})
	if err != nil {
		return nil, err
	}
	log := providers.ProvideLogger(cfg, tel)
	ctx := logger.AddToContext(cmd.Context(), log)

	st, closeStore, err := providers.ProvideStore(cfg)
	if err != nil {
		return nil, err
	}
	gw := gateway.NewAgentGateway(st, gateway.Config{
		CommandTimeout:  cfg.CommandTimeout,
		ProbeTimeout:    cfg.ProbeTimeout,
		ProbeAttempts:   uint(cfg.ProbeAttempts),
		BreakerFailures: uint32(cfg.BreakerFailures),
		BreakerCooldown: cfg.BreakerCooldown,
		TokenSecret:     cfg.AgentTokenSecret,
	})
	rec, err := providers.ProvideUsageRecorder(st, tel)
	if err != nil {
		_ = gw.Close()
		closeStore()
		return nil, err
	}
	orch, err := providers.ProvideOrchestrator(cfg, st, gw, providers.ProvideHypervisorRegistry(cfg), rec, tel)
	if err != nil {
		_ = gw.Close()
		closeStore()
		return nil, err
	}

	return &session{
		ctx:   ctx,
		store: st,
		orch:  orch,
		close: func() {
			// Let queued expunges finish before the store closes under them.
			_ = orch.Drain(context.Background())
			_ = gw.Close()
			closeStore()
		},
	}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
