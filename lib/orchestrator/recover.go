package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/onkernel/blockvol/lib/checkpoints"
	"github.com/onkernel/blockvol/lib/logger"
	"github.com/onkernel/blockvol/lib/volumes"
)

// Reconcile settles checkpoints created before now-olderThan that no
// migration in this process still owns. Volumes of a MIGRATING checkpoint
// go back to Ready on their origin pools; the copies recorded on it are
// then removed, and the checkpoint popped once none remain.
//
// Call it on startup before serving requests, then periodically.
func (m *manager) Reconcile(ctx context.Context, olderThan time.Duration) (err error) {
	start := time.Now()
	defer func() { m.metrics.RecordOperation(ctx, "reconcile", err, start) }()
	log := logger.FromContext(ctx)

	cps, err := m.ledger.ListCheckpoints(ctx)
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	var errs []error
	for _, cp := range cps {
		if !cp.Stale(cutoff) {
			continue
		}
		if _, running := m.activeTasks.Load(cp.TaskID); running {
			continue
		}
		cpLog := log.With("task_id", cp.TaskID, "state", cp.State)
		cctx := logger.AddToContext(ctx, cpLog)

		if cp.State == checkpoints.StateMigrating {
			cpLog.WarnContext(cctx, "reverting interrupted migration", "volumes", cp.VolumeIDs)
			if err := m.revertTask(cctx, cp); err != nil {
				errs = append(errs, fmt.Errorf("revert task %s: %w", cp.TaskID, err))
				continue
			}
			if len(cp.Artifacts) == 0 {
				continue
			}
		}

		if left := m.cleanupArtifacts(cctx, cp); left > 0 {
			cpLog.WarnContext(cctx, "migration copies remain", "count", left)
		}
	}
	return errors.Join(errs...)
}

// SweepDestroyed queues an expunge for every volume in Destroy. Volumes
// stuck in Expunging for longer than olderThan, after an expunge whose
// outcome was never observed, are moved back to Destroy first; removing a
// copy twice is harmless.
func (m *manager) SweepDestroyed(ctx context.Context, olderThan time.Duration) (int, error) {
	log := logger.FromContext(ctx)

	cutoff := time.Now().Add(-olderThan)
	stuck, err := m.volumes.ListByState(ctx, volumes.StateExpunging)
	if err != nil {
		return 0, fmt.Errorf("list expunging volumes: %w", err)
	}
	for _, v := range stuck {
		if !v.UpdatedAt.Before(cutoff) || m.queue.IsQueued(v.ID) {
			continue
		}
		if _, err := m.volumes.TransitionState(ctx, v.ID, volumes.StateExpunging, volumes.EventOperationFailed, nil); err != nil {
			log.WarnContext(ctx, "failed to reset stuck expunge", "volume_id", v.ID, "error", err)
			continue
		}
		log.InfoContext(ctx, "retrying stuck expunge", "volume_id", v.ID)
	}

	destroyed, err := m.volumes.ListByState(ctx, volumes.StateDestroy)
	if err != nil {
		return 0, fmt.Errorf("list destroyed volumes: %w", err)
	}
	queued := 0
	for _, v := range destroyed {
		if v.Attached() || m.queue.IsQueued(v.ID) {
			continue
		}
		m.queueExpunge(ctx, v.ID)
		queued++
	}
	if queued > 0 {
		log.InfoContext(ctx, "queued expunges", "count", queued)
	}
	return queued, nil
}
