// Package orchestrator drives volumes through their lifecycle: allocation,
// materialization on a pool, attach and detach, migration between pools and
// removal. Every remote step is bracketed by a compare-and-set state
// transition so concurrent callers cannot act on the same volume twice.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/onkernel/blockvol/lib/catalog"
	"github.com/onkernel/blockvol/lib/gateway"
	"github.com/onkernel/blockvol/lib/hypervisor"
	"github.com/onkernel/blockvol/lib/logger"
	"github.com/onkernel/blockvol/lib/profiles"
	"github.com/onkernel/blockvol/lib/usage"
	"github.com/onkernel/blockvol/lib/volumes"
	"go.opentelemetry.io/otel/metric"
)

// Manager is the interface for the volume lifecycle.
type Manager interface {
	// AllocateVolumes reserves the root and data disks of a new instance.
	// Nothing is created on storage; the volumes stay Allocated.
	AllocateVolumes(ctx context.Context, req AllocateRequest) ([]*volumes.DiskProfile, error)

	// CreateVolume materializes, copies, recreates or migrates a volume so
	// that it is Ready on the requested pool.
	CreateVolume(ctx context.Context, req CreateRequest) (*volumes.Volume, error)

	AttachVolume(ctx context.Context, req AttachRequest) (*volumes.Volume, error)
	DetachVolume(ctx context.Context, volumeID uint64) (*volumes.Volume, error)

	MigrateVolume(ctx context.Context, volumeID uint64, destPoolID string) (*volumes.Volume, error)
	// MigrateVolumes moves a set of volumes atomically: either all end up
	// on the destination pool or all stay on their origin pools.
	MigrateVolumes(ctx context.Context, volumeIDs []uint64, destPoolID string) (bool, error)

	DeleteVolume(ctx context.Context, volumeID uint64) (*volumes.Volume, error)
	// ExpungeVolume removes a destroyed volume's storage and its record.
	// It returns false without error when the volume is already gone.
	ExpungeVolume(ctx context.Context, volumeID uint64, force bool) (bool, error)

	// CleanupVolumes releases every volume of a destroyed instance. Root
	// disks are queued for expunge, data disks are detached and kept.
	CleanupVolumes(ctx context.Context, instanceID string) error

	SearchVolumes(ctx context.Context, f volumes.Filter) (*volumes.Page, error)

	// Reconcile resolves checkpoints older than olderThan left behind by
	// interrupted migrations.
	Reconcile(ctx context.Context, olderThan time.Duration) error
	// SweepDestroyed queues an expunge for every volume left in Destroy
	// and returns how many were queued.
	SweepDestroyed(ctx context.Context, olderThan time.Duration) (int, error)

	// Drain waits for queued expunges to finish or ctx to end.
	Drain(ctx context.Context) error
}

// Config holds configuration for the orchestrator
type Config struct {
	// ExpungeConcurrency bounds how many queued expunges run at once
	ExpungeConcurrency int
	// ExpungeTimeout bounds one queued expunge, including its storage call
	ExpungeTimeout time.Duration
}

// DefaultConfig returns the default orchestrator configuration
func DefaultConfig() Config {
	return Config{
		ExpungeConcurrency: 2,
		ExpungeTimeout:     15 * time.Minute,
	}
}

type manager struct {
	config      Config
	volumes     volumes.Repository
	ledger      volumes.Ledger
	catalog     catalog.Catalog
	gateway     gateway.Gateway
	profiles    *profiles.Builder
	hypervisors *hypervisor.Registry
	usage       usage.Emitter
	accounts    usage.Accountant
	queue       *ExpungeQueue
	metrics     *Metrics

	instanceLocks sync.Map // instance id -> *sync.Mutex
	activeTasks   sync.Map // migration task id -> struct{}
}

// NewManager creates a new orchestrator. meter may be nil.
func NewManager(
	cfg Config,
	repo volumes.Repository,
	ledger volumes.Ledger,
	cat catalog.Catalog,
	gw gateway.Gateway,
	hypervisors *hypervisor.Registry,
	emitter usage.Emitter,
	accounts usage.Accountant,
	meter metric.Meter,
) (Manager, error) {
	if cfg.ExpungeConcurrency < 1 {
		cfg.ExpungeConcurrency = DefaultConfig().ExpungeConcurrency
	}
	if cfg.ExpungeTimeout <= 0 {
		cfg.ExpungeTimeout = DefaultConfig().ExpungeTimeout
	}

	m := &manager{
		config:      cfg,
		volumes:     repo,
		ledger:      ledger,
		catalog:     cat,
		gateway:     gw,
		profiles:    profiles.NewBuilder(cat),
		hypervisors: hypervisors,
		usage:       emitter,
		accounts:    accounts,
		queue:       NewExpungeQueue(cfg.ExpungeConcurrency),
	}

	if meter != nil {
		metrics, err := NewMetrics(meter)
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		if err := metrics.RegisterQueueCallbacks(m.queue, meter); err != nil {
			return nil, fmt.Errorf("register queue callbacks: %w", err)
		}
		m.metrics = metrics
	}

	return m, nil
}

func (m *manager) Drain(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		m.queue.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain expunge queue: %w", ctx.Err())
	}
}

// lockInstance serializes device-id allocation for one instance.
func (m *manager) lockInstance(instanceID string) func() {
	for {
		v, _ := m.instanceLocks.LoadOrStore(instanceID, &sync.Mutex{})
		mu := v.(*sync.Mutex)
		mu.Lock()
		// forgetInstance may have dropped this mutex while we waited on it.
		if cur, ok := m.instanceLocks.Load(instanceID); ok && cur == mu {
			return mu.Unlock
		}
		mu.Unlock()
	}
}

// forgetInstance drops the lock of an instance whose volumes are gone. The
// caller must hold that lock.
func (m *manager) forgetInstance(instanceID string) {
	m.instanceLocks.Delete(instanceID)
}

// capabilities returns the block-device limits of the instance's hypervisor.
func (m *manager) capabilities(inst *catalog.Instance) hypervisor.Capabilities {
	return m.hypervisors.Lookup(hypervisor.ParseType(inst.Hypervisor), inst.HypervisorVersion)
}

// emit publishes a usage event for v.
func (m *manager) emit(ctx context.Context, t usage.EventType, v *volumes.Volume) {
	m.usage.Emit(ctx, usage.Event{
		Type:       t,
		VolumeID:   v.ID,
		VolumeUUID: v.UUID,
		Name:       v.Name,
		AccountID:  v.AccountID,
		ZoneID:     v.ZoneID,
		InstanceID: v.InstanceID,
		PoolID:     v.PoolID,
		OfferingID: v.OfferingID,
		TemplateID: v.TemplateID,
		SizeBytes:  v.SizeBytes,
	})
}

// fail settles a volume after a remote step went wrong. A definitive
// failure applies the failure event; an ambiguous one leaves the volume in
// its transitional state for an operator or the reconciler.
func (m *manager) fail(ctx context.Context, op string, vol *volumes.Volume, from volumes.State, e volumes.Event, cause error) error {
	log := logger.FromContext(ctx)

	if volumes.KindOf(cause) == volumes.KindRemoteAmbiguous {
		m.metrics.recordAmbiguous(ctx, op)
		log.WarnContext(ctx, "storage outcome unknown, leaving volume in place",
			"op", op, "volume_id", vol.ID, "state", from, "error", cause)
		return fmt.Errorf("%s volume %d: %w", op, vol.ID, cause)
	}

	if _, err := m.volumes.TransitionState(ctx, vol.ID, from, e, nil); err != nil {
		log.ErrorContext(ctx, "failed to apply failure transition",
			"op", op, "volume_id", vol.ID, "state", from, "event", e, "error", err)
		return fmt.Errorf("%s volume %d: %w (rollback: %v)", op, vol.ID, cause, err)
	}
	log.InfoContext(ctx, "storage operation failed", "op", op, "volume_id", vol.ID, "error", cause)
	return fmt.Errorf("%s volume %d: %w", op, vol.ID, cause)
}
