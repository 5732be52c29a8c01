package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/onkernel/blockvol/lib/catalog"
	"github.com/onkernel/blockvol/lib/gateway"
	"github.com/onkernel/blockvol/lib/logger"
	"github.com/onkernel/blockvol/lib/usage"
	"github.com/onkernel/blockvol/lib/volumes"
)

// DeleteVolume moves a detached volume to Destroy. Its storage is released
// by a later ExpungeVolume.
func (m *manager) DeleteVolume(ctx context.Context, volumeID uint64) (vol *volumes.Volume, err error) {
	start := time.Now()
	defer func() { m.metrics.RecordOperation(ctx, "delete", err, start) }()

	vol, err = m.volumes.Get(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	if vol.Attached() {
		return nil, fmt.Errorf("%w: volume %d is attached to instance %s", volumes.ErrInUse, vol.ID, vol.InstanceID)
	}
	if vol.UploadStatus == volumes.UploadInProgress {
		return nil, fmt.Errorf("%w: volume %d is being uploaded", volumes.ErrInvalidParameter, vol.ID)
	}

	out, err := m.volumes.TransitionState(ctx, vol.ID, vol.State(), volumes.EventDestroyRequested, nil)
	if err != nil {
		return nil, err
	}
	m.released(ctx, out)
	logger.FromContext(ctx).InfoContext(ctx, "destroyed volume", "volume_id", out.ID)
	return out, nil
}

// released records that a volume stopped counting against its account.
func (m *manager) released(ctx context.Context, v *volumes.Volume) {
	m.emit(ctx, usage.EventVolumeDelete, v)
	m.accounts.Decrement(ctx, v.AccountID, usage.ResourceVolume, 1)
	m.accounts.Decrement(ctx, v.AccountID, usage.ResourcePrimaryStorage, v.SizeBytes)
}

func (m *manager) ExpungeVolume(ctx context.Context, volumeID uint64, force bool) (removed bool, err error) {
	start := time.Now()
	defer func() { m.metrics.RecordOperation(ctx, "expunge", err, start) }()
	log := logger.FromContext(ctx).With("volume_id", volumeID)

	vol, err := m.volumes.Get(ctx, volumeID)
	if errors.Is(err, volumes.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	state := vol.State()
	if state != volumes.StateDestroy && !force {
		return false, fmt.Errorf("%w: volume %d is %s, not %s",
			volumes.ErrInvalidParameter, vol.ID, state, volumes.StateDestroy)
	}
	if vol.Attached() && !force {
		return false, fmt.Errorf("%w: volume %d is attached to instance %s", volumes.ErrInUse, vol.ID, vol.InstanceID)
	}

	if vol.StagingPath != "" {
		if vol.UploadStatus == volumes.UploadInProgress && !force {
			return false, fmt.Errorf("%w: volume %d is being uploaded", volumes.ErrInvalidParameter, vol.ID)
		}
		m.destroyStaging(ctx, vol)
	}

	var pool *catalog.StoragePool
	if vol.Materialized() {
		pool, err = m.catalog.GetPool(ctx, vol.PoolID)
		switch {
		case errors.Is(err, catalog.ErrNotFound):
			log.InfoContext(ctx, "pool is gone, dropping record only", "pool_id", vol.PoolID)
			pool = nil
		case err != nil:
			return false, fmt.Errorf("get pool %s: %w", vol.PoolID, err)
		}
	}

	if pool != nil {
		if state == volumes.StateDestroy {
			if _, err := m.volumes.TransitionState(ctx, vol.ID, volumes.StateDestroy, volumes.EventExpungeRequested, nil); err != nil {
				return false, err
			}
		}

		if _, err := m.gateway.Send(ctx, pool, gateway.NewDestroy(vol, gateway.PoolRef(pool), vol.Path)); err != nil {
			if !force {
				return false, m.fail(ctx, "expunge", vol, volumes.StateExpunging, volumes.EventOperationFailed, err)
			}
			log.WarnContext(ctx, "storage destroy failed, forcing record removal", "pool_id", pool.ID, "error", err)
		}
	}

	if err := m.volumes.Remove(ctx, vol.ID); err != nil {
		if errors.Is(err, volumes.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if vol.State() != volumes.StateDestroy && vol.State() != volumes.StateExpunging {
		m.released(ctx, vol)
	}
	log.InfoContext(ctx, "expunged volume", "forced", force)
	return true, nil
}

// destroyStaging removes an uploaded copy left on secondary storage. Any
// pool in the zone can reach the image store.
func (m *manager) destroyStaging(ctx context.Context, vol *volumes.Volume) {
	log := logger.FromContext(ctx)
	store, err := m.imageStore(ctx, vol.ZoneID)
	if err != nil {
		log.WarnContext(ctx, "cannot remove staged upload", "volume_id", vol.ID, "error", err)
		return
	}
	pools, err := m.catalog.ListPools(ctx, vol.ZoneID)
	if err != nil || len(pools) == 0 {
		log.WarnContext(ctx, "no pool to reach image store", "volume_id", vol.ID, "zone_id", vol.ZoneID, "error", err)
		return
	}
	m.destroyQuietly(ctx, pools[0], vol, gateway.ImageStoreRef(store), vol.StagingPath)
}

// CleanupVolumes releases the volumes of a destroyed instance. Root disks
// are destroyed and queued for expunge. Data disks are detached and kept.
// Every volume is attempted; failures are joined.
func (m *manager) CleanupVolumes(ctx context.Context, instanceID string) (err error) {
	start := time.Now()
	defer func() { m.metrics.RecordOperation(ctx, "cleanup", err, start) }()
	log := logger.FromContext(ctx).With("instance_id", instanceID)

	unlock := m.lockInstance(instanceID)
	defer unlock()

	vols, err := m.volumes.ListByInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("list volumes of instance %s: %w", instanceID, err)
	}

	var errs []error
	for _, v := range vols {
		if v.Type == volumes.TypeRoot {
			var destroyed *volumes.Volume
			err := m.volumes.Update(ctx, func(tx volumes.Tx) error {
				var err error
				if destroyed, err = tx.Detach(v.ID); err != nil || v.State() == volumes.StateDestroy {
					return err
				}
				destroyed, err = tx.Transition(v.ID, v.State(), volumes.EventDestroyRequested, nil)
				return err
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("destroy root volume %d: %w", v.ID, err))
				continue
			}
			if v.State() != volumes.StateDestroy {
				m.released(ctx, destroyed)
			}
			m.queueExpunge(ctx, destroyed.ID)
			continue
		}

		out, err := m.volumes.Detach(ctx, v.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("detach volume %d: %w", v.ID, err))
			continue
		}
		ev := out.Clone()
		ev.InstanceID = instanceID
		m.emit(ctx, usage.EventVolumeDetach, ev)
	}

	log.InfoContext(ctx, "cleaned up instance volumes", "count", len(vols), "failed", len(errs))
	if len(errs) == 0 {
		m.forgetInstance(instanceID)
	}
	return errors.Join(errs...)
}

func (m *manager) SearchVolumes(ctx context.Context, f volumes.Filter) (*volumes.Page, error) {
	if f.Offset < 0 || f.Limit < 0 {
		return nil, fmt.Errorf("%w: offset and limit must not be negative", volumes.ErrInvalidParameter)
	}
	for _, s := range f.States {
		if _, ok := volumes.ValidTransitions[s]; !ok {
			return nil, fmt.Errorf("%w: unknown state %q", volumes.ErrInvalidParameter, s)
		}
	}
	return m.volumes.Search(ctx, f)
}
