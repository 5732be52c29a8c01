package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"time"

	"github.com/nrednav/cuid2"
	"github.com/onkernel/blockvol/lib/catalog"
	"github.com/onkernel/blockvol/lib/checkpoints"
	"github.com/onkernel/blockvol/lib/gateway"
	"github.com/onkernel/blockvol/lib/logger"
	"github.com/onkernel/blockvol/lib/usage"
	"github.com/onkernel/blockvol/lib/volumes"
	"github.com/samber/lo"
)

func (m *manager) MigrateVolume(ctx context.Context, volumeID uint64, destPoolID string) (vol *volumes.Volume, err error) {
	start := time.Now()
	defer func() { m.metrics.RecordOperation(ctx, "migrate", err, start) }()

	vol, err = m.volumes.Get(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	dest, err := m.usablePool(ctx, destPoolID)
	if err != nil {
		return nil, err
	}
	if err := m.migrate(ctx, []*volumes.Volume{vol}, dest); err != nil {
		return nil, err
	}
	return m.volumes.Get(ctx, volumeID)
}

func (m *manager) MigrateVolumes(ctx context.Context, volumeIDs []uint64, destPoolID string) (ok bool, err error) {
	start := time.Now()
	defer func() { m.metrics.RecordOperation(ctx, "migrate_batch", err, start) }()

	if len(volumeIDs) == 0 {
		return false, fmt.Errorf("%w: no volumes to migrate", volumes.ErrInvalidParameter)
	}
	if len(lo.Uniq(volumeIDs)) != len(volumeIDs) {
		return false, fmt.Errorf("%w: duplicate volume ids", volumes.ErrInvalidParameter)
	}
	dest, err := m.usablePool(ctx, destPoolID)
	if err != nil {
		return false, err
	}

	vols := make([]*volumes.Volume, 0, len(volumeIDs))
	for _, id := range volumeIDs {
		v, err := m.volumes.Get(ctx, id)
		if err != nil {
			return false, err
		}
		vols = append(vols, v)
	}
	if err := m.migrate(ctx, vols, dest); err != nil {
		return false, err
	}
	return true, nil
}

// movePlan is one volume's copy route through secondary storage.
type movePlan struct {
	vol      *volumes.Volume
	src      *catalog.StoragePool
	staging  string
	destPath string
	answer   *gateway.Answer
}

// migrate moves vols to dest in three phases:
//
//	A: one transaction moves every volume Ready -> Migrating and pushes a
//	   checkpoint naming them.
//	B: each volume is copied src -> secondary -> dest, sequentially. Every
//	   copy is recorded on the checkpoint before it is issued.
//	C: one transaction binds every volume to dest and pops the checkpoint.
//
// If B fails the volumes return to Ready on their origin pools and the
// recorded copies are removed. A crash between A and C leaves the
// checkpoint for Reconcile.
func (m *manager) migrate(ctx context.Context, vols []*volumes.Volume, dest *catalog.StoragePool) error {
	taskID := cuid2.Generate()
	log := logger.FromContext(ctx).With("task_id", taskID, "pool_id", dest.ID)
	ctx = logger.AddToContext(ctx, log)

	plans, err := m.planMoves(ctx, vols, dest, taskID)
	if err != nil {
		return err
	}
	store, err := m.imageStore(ctx, dest.ZoneID)
	if err != nil {
		return err
	}

	cp := &checkpoints.Checkpoint{
		TaskID:    taskID,
		Kind:      checkpoints.KindMigrating,
		State:     checkpoints.StateMigrating,
		VolumeIDs: lo.Map(vols, func(v *volumes.Volume, _ int) uint64 { return v.ID }),
		DestPool:  dest.ID,
		CreatedAt: time.Now(),
	}

	m.activeTasks.Store(taskID, struct{}{})
	defer m.activeTasks.Delete(taskID)

	// Phase A
	err = m.volumes.Update(ctx, func(tx volumes.Tx) error {
		for _, p := range plans {
			if _, err := tx.Transition(p.vol.ID, volumes.StateReady, volumes.EventMigrationRequested, nil); err != nil {
				return err
			}
		}
		return tx.PushCheckpoint(cp)
	})
	if err != nil {
		return fmt.Errorf("start migration: %w", err)
	}
	log.InfoContext(ctx, "migrating volumes", "count", len(plans))

	// Phase B
	secondary := gateway.ImageStoreRef(store)
	for _, p := range plans {
		if err := m.copyThrough(ctx, cp, p, secondary, dest); err != nil {
			return m.abortMigration(ctx, cp, err)
		}
	}

	// Phase C
	err = m.volumes.Update(ctx, func(tx volumes.Tx) error {
		for _, p := range plans {
			_, err := tx.Transition(p.vol.ID, volumes.StateMigrating, volumes.EventOperationSucceeded, func(v *volumes.Volume) {
				v.LastPoolID = v.PoolID
				place(v, dest, p.answer)
				if v.Path == "" {
					v.Path = p.destPath
				}
			})
			if err != nil {
				return err
			}
		}
		return tx.PopCheckpoint(taskID)
	})
	if err != nil {
		log.ErrorContext(ctx, "failed to commit migration, leaving it to reconciliation", "error", err)
		return fmt.Errorf("commit migration %s: %w", taskID, err)
	}

	m.metrics.recordMigrated(ctx, len(plans))
	for _, p := range plans {
		m.destroyQuietly(ctx, dest, p.vol, secondary, p.staging)
		m.destroyQuietly(ctx, p.src, p.vol, gateway.PoolRef(p.src), p.vol.Path)

		moved := p.vol.Clone()
		moved.PoolID = dest.ID
		m.emit(ctx, usage.EventVolumeMigrate, moved)
	}
	log.InfoContext(ctx, "migrated volumes", "count", len(plans))
	return nil
}

// planMoves validates every volume up front so nothing is transitioned for
// a batch that cannot succeed.
func (m *manager) planMoves(ctx context.Context, vols []*volumes.Volume, dest *catalog.StoragePool, taskID string) ([]*movePlan, error) {
	plans := make([]*movePlan, 0, len(vols))
	for _, v := range vols {
		if v.State() != volumes.StateReady {
			return nil, fmt.Errorf("%w: volume %d is %s", volumes.ErrConcurrentOperation, v.ID, v.State())
		}
		if !v.Materialized() {
			return nil, fmt.Errorf("%w: volume %d has no copy to move", volumes.ErrInvalidParameter, v.ID)
		}
		if v.PoolID == dest.ID {
			return nil, fmt.Errorf("%w: volume %d is already on pool %s", volumes.ErrInvalidParameter, v.ID, dest.ID)
		}
		if v.ZoneID != dest.ZoneID {
			return nil, fmt.Errorf("%w: pool %s is not in zone %s", volumes.ErrInvalidParameter, dest.ID, v.ZoneID)
		}
		busy, err := m.catalog.SnapshotInProgress(ctx, v.ID)
		if err != nil {
			return nil, fmt.Errorf("check snapshots of volume %d: %w", v.ID, err)
		}
		if busy {
			return nil, fmt.Errorf("%w: volume %d is being snapshotted", volumes.ErrConcurrentOperation, v.ID)
		}
		src, err := m.catalog.GetPool(ctx, v.PoolID)
		if err != nil {
			return nil, lookupError("pool", v.PoolID, err)
		}
		if src.Local() || dest.Local() {
			return nil, fmt.Errorf("%w: volume %d cannot move from pool %s to %s",
				volumes.ErrCannotRecreateOnLocal, v.ID, src.ID, dest.ID)
		}
		plans = append(plans, &movePlan{
			vol:      v,
			src:      src,
			staging:  path.Join("migrations", taskID, v.UUID, "disk.raw"),
			destPath: path.Join("volumes", v.UUID, "disk.raw"),
		})
	}
	return plans, nil
}

// copyThrough runs both copies of one volume, recording each target on the
// checkpoint before the copy is sent.
func (m *manager) copyThrough(ctx context.Context, cp *checkpoints.Checkpoint, p *movePlan, secondary gateway.StoreRef, dest *catalog.StoragePool) error {
	staged := checkpoints.Artifact{VolumeID: p.vol.ID, Store: checkpoints.StoreSecondary, Path: p.staging}
	if err := m.recordArtifact(ctx, cp, staged); err != nil {
		return err
	}
	if _, err := m.gateway.Send(ctx, p.src, gateway.NewCopy(p.vol, gateway.PoolRef(p.src), p.vol.Path, secondary, p.staging)); err != nil {
		return fmt.Errorf("copy volume %d to secondary: %w", p.vol.ID, err)
	}

	landed := checkpoints.Artifact{VolumeID: p.vol.ID, Store: checkpoints.StorePrimary, PoolID: dest.ID, Path: p.destPath}
	if err := m.recordArtifact(ctx, cp, landed); err != nil {
		return err
	}
	ans, err := m.gateway.Send(ctx, dest, gateway.NewCopy(p.vol, secondary, p.staging, gateway.PoolRef(dest), p.destPath))
	if err != nil {
		return fmt.Errorf("copy volume %d to pool %s: %w", p.vol.ID, dest.ID, err)
	}
	p.answer = ans
	return nil
}

func (m *manager) recordArtifact(ctx context.Context, cp *checkpoints.Checkpoint, a checkpoints.Artifact) error {
	cp.AddArtifact(a)
	if err := m.ledger.SaveCheckpoint(ctx, cp); err != nil {
		cp.RemoveArtifact(a)
		return fmt.Errorf("record copy of volume %d: %w", a.VolumeID, err)
	}
	return nil
}

// abortMigration returns every volume of the task to Ready on its origin
// pool, then removes the copies made so far. Copies that cannot be removed
// stay on the checkpoint, now CLEANUP_PENDING, for Reconcile.
func (m *manager) abortMigration(ctx context.Context, cp *checkpoints.Checkpoint, cause error) error {
	log := logger.FromContext(ctx)
	if volumes.KindOf(cause) == volumes.KindRemoteAmbiguous {
		m.metrics.recordAmbiguous(ctx, "migrate")
	}
	log.WarnContext(ctx, "migration failed, reverting to origin pools", "error", cause)

	if err := m.revertTask(ctx, cp); err != nil {
		log.ErrorContext(ctx, "failed to revert migration, leaving it to reconciliation", "error", err)
		return fmt.Errorf("migration %s: %w (revert: %v)", cp.TaskID, cause, err)
	}
	m.cleanupArtifacts(ctx, cp)
	return fmt.Errorf("migration %s: %w", cp.TaskID, cause)
}

// revertTask moves the task's volumes that are still Migrating back to
// Ready without touching their placement, and marks the checkpoint
// CLEANUP_PENDING (or pops it when nothing was copied) in the same
// transaction.
func (m *manager) revertTask(ctx context.Context, cp *checkpoints.Checkpoint) error {
	return m.volumes.Update(ctx, func(tx volumes.Tx) error {
		for _, id := range cp.VolumeIDs {
			v, err := tx.Get(id)
			if err != nil {
				if volumes.KindOf(err) == volumes.KindNotFound {
					continue
				}
				return err
			}
			if v.State() != volumes.StateMigrating {
				continue
			}
			if _, err := tx.Transition(id, volumes.StateMigrating, volumes.EventOperationFailed, nil); err != nil {
				return err
			}
		}
		if len(cp.Artifacts) == 0 {
			return tx.PopCheckpoint(cp.TaskID)
		}
		cp.State = checkpoints.StateCleanupPending
		return tx.SaveCheckpoint(cp)
	})
}

// cleanupArtifacts destroys the copies recorded on a CLEANUP_PENDING
// checkpoint and pops it once none remain. It returns how many are left.
func (m *manager) cleanupArtifacts(ctx context.Context, cp *checkpoints.Checkpoint) int {
	log := logger.FromContext(ctx)

	for _, a := range slices.Clone(cp.Artifacts) {
		if err := m.destroyArtifact(ctx, cp, a); err != nil {
			log.WarnContext(ctx, "failed to remove migration copy", "volume_id", a.VolumeID, "store", a.Store, "path", a.Path, "error", err)
			continue
		}
		cp.RemoveArtifact(a)
	}

	if len(cp.Artifacts) == 0 {
		if err := m.ledger.PopCheckpoint(ctx, cp.TaskID); err != nil {
			log.WarnContext(ctx, "failed to pop checkpoint", "task_id", cp.TaskID, "error", err)
			return 0
		}
		log.InfoContext(ctx, "migration cleaned up", "task_id", cp.TaskID)
		return 0
	}
	if err := m.ledger.SaveCheckpoint(ctx, cp); err != nil {
		log.WarnContext(ctx, "failed to save checkpoint", "task_id", cp.TaskID, "error", err)
	}
	return len(cp.Artifacts)
}

// destroyArtifact removes one copy. A copy on a pool that no longer exists
// is gone with it.
func (m *manager) destroyArtifact(ctx context.Context, cp *checkpoints.Checkpoint, a checkpoints.Artifact) error {
	poolID := a.PoolID
	if a.Store == checkpoints.StoreSecondary {
		poolID = cp.DestPool
	}
	pool, err := m.catalog.GetPool(ctx, poolID)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	ref := gateway.PoolRef(pool)
	if a.Store == checkpoints.StoreSecondary {
		store, err := m.imageStore(ctx, pool.ZoneID)
		if err != nil {
			return err
		}
		ref = gateway.ImageStoreRef(store)
	}

	vol := &volumes.Volume{ID: a.VolumeID}
	if v, err := m.volumes.Get(ctx, a.VolumeID); err == nil {
		vol = v
	}
	_, err = m.gateway.Send(ctx, pool, gateway.NewDestroy(vol, ref, a.Path))
	return err
}

// destroyQuietly removes a copy that is no longer referenced. Failures only
// leak space and are logged.
func (m *manager) destroyQuietly(ctx context.Context, via *catalog.StoragePool, vol *volumes.Volume, store gateway.StoreRef, p string) {
	if _, err := m.gateway.Send(ctx, via, gateway.NewDestroy(vol, store, p)); err != nil {
		logger.FromContext(ctx).WarnContext(ctx, "failed to remove stale copy",
			"volume_id", vol.ID, "store", store.String(), "path", p, "error", err)
	}
}
