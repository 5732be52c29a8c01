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
	"github.com/samber/lo"
)

// CreateRequest asks for a volume to be Ready on a pool.
type CreateRequest struct {
	VolumeID uint64
	// PoolID is the pool the volume must end up on. Empty keeps the
	// current placement.
	PoolID string
	// TemplateID is the instance's current template. A recreated root disk
	// switches to it.
	TemplateID string
	// OfferingID defaults to the volume's own offering.
	OfferingID string
	Hypervisor string
}

type createAction int

const (
	actionNone createAction = iota
	actionCreate
	actionCopyFromSecondary
	actionRecreate
	actionMigrate
)

func (a createAction) String() string {
	switch a {
	case actionCreate:
		return "create"
	case actionCopyFromSecondary:
		return "copy_from_secondary"
	case actionRecreate:
		return "recreate"
	case actionMigrate:
		return "migrate"
	default:
		return "none"
	}
}

type createOptions struct {
	offering   *catalog.Offering
	templateID string
	hypervisor string
}

// planCreate decides what it takes for vol to be usable on pool. Rules are
// evaluated in order and the first match wins. pool is nil when the caller
// did not ask for a placement. srcLocal reports whether the pool the volume
// currently lives on is local storage.
func planCreate(vol *volumes.Volume, pool *catalog.StoragePool, offering *catalog.Offering, srcLocal bool) (createAction, error) {
	switch {
	case pool == nil && vol.PoolID == "":
		return actionNone, fmt.Errorf("%w: volume %d has no pool and none was assigned", volumes.ErrMisconfigured, vol.ID)
	case pool == nil:
		return actionNone, nil
	}

	switch vol.State() {
	case volumes.StateAllocated, volumes.StateCreating:
		return actionCreate, nil
	case volumes.StateUploadOp:
		return actionCopyFromSecondary, nil
	case volumes.StateReady:
	default:
		return actionNone, fmt.Errorf("%w: volume %d is %s", volumes.ErrConcurrentOperation, vol.ID, vol.State())
	}

	if vol.Recreatable {
		if vol.PoolID == "" {
			return actionCreate, nil
		}
		return actionRecreate, nil
	}

	if vol.PoolID != pool.ID {
		if offering.UseLocalStorage || pool.Local() || srcLocal {
			return actionNone, fmt.Errorf("%w: volume %d cannot move from pool %s to %s",
				volumes.ErrCannotRecreateOnLocal, vol.ID, vol.PoolID, pool.ID)
		}
		return actionMigrate, nil
	}
	return actionNone, nil
}

func (m *manager) CreateVolume(ctx context.Context, req CreateRequest) (vol *volumes.Volume, err error) {
	start := time.Now()
	defer func() { m.metrics.RecordOperation(ctx, "create", err, start) }()
	ctx = logger.AddToContext(ctx, logger.FromContext(ctx).With("volume_id", req.VolumeID))

	vol, err = m.volumes.Get(ctx, req.VolumeID)
	if err != nil {
		return nil, err
	}

	offeringID := lo.CoalesceOrEmpty(req.OfferingID, vol.OfferingID)
	offering, err := m.catalog.GetOffering(ctx, offeringID)
	if err != nil {
		return nil, lookupError("offering", offeringID, err)
	}

	var pool *catalog.StoragePool
	if req.PoolID != "" {
		if pool, err = m.usablePool(ctx, req.PoolID); err != nil {
			return nil, err
		}
	}

	return m.createVolume(ctx, vol, pool, createOptions{
		offering:   offering,
		templateID: req.TemplateID,
		hypervisor: req.Hypervisor,
	})
}

func (m *manager) createVolume(ctx context.Context, vol *volumes.Volume, pool *catalog.StoragePool, opts createOptions) (*volumes.Volume, error) {
	srcLocal := false
	if pool != nil && vol.PoolID != "" && vol.PoolID != pool.ID {
		if cur, err := m.catalog.GetPool(ctx, vol.PoolID); err == nil {
			srcLocal = cur.Local()
		}
	}

	action, err := planCreate(vol, pool, opts.offering, srcLocal)
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).DebugContext(ctx, "create plan", "volume_id", vol.ID, "state", vol.State(), "action", action)

	switch action {
	case actionCreate:
		return m.materialize(ctx, vol, pool, opts)
	case actionCopyFromSecondary:
		return m.copyFromSecondary(ctx, vol, pool)
	case actionRecreate:
		return m.recreate(ctx, vol, pool, opts)
	case actionMigrate:
		if err := m.migrate(ctx, []*volumes.Volume{vol}, pool); err != nil {
			return nil, err
		}
		return m.volumes.Get(ctx, vol.ID)
	default:
		return vol, nil
	}
}

// materialize creates an Allocated (or interrupted Creating) volume on pool.
func (m *manager) materialize(ctx context.Context, vol *volumes.Volume, pool *catalog.StoragePool, opts createOptions) (*volumes.Volume, error) {
	log := logger.FromContext(ctx)

	if pool.ZoneID != vol.ZoneID {
		return nil, fmt.Errorf("%w: pool %s is in zone %s, volume %d in %s",
			volumes.ErrInvalidParameter, pool.ID, pool.ZoneID, vol.ID, vol.ZoneID)
	}
	profile, err := m.profileFor(ctx, vol, opts.offering, pool.ZoneID)
	if err != nil {
		return nil, err
	}
	if !pool.HasTags(profile.Tags) {
		return nil, fmt.Errorf("%w: pool %s lacks tags %v", volumes.ErrInvalidParameter, pool.ID, profile.Tags)
	}
	if profile.UseLocalStorage && !pool.Local() {
		return nil, fmt.Errorf("%w: offering %s requires local storage", volumes.ErrInvalidParameter, opts.offering.ID)
	}

	cmd := gateway.NewCreate(vol, profile, gateway.PoolRef(pool))
	if profile.TemplateID != "" {
		store, err := m.imageStore(ctx, pool.ZoneID)
		if err != nil {
			return nil, err
		}
		ref, err := m.catalog.GetTemplateRef(ctx, profile.TemplateID, pool.ZoneID)
		if err != nil {
			return nil, lookupError("template", profile.TemplateID, err)
		}
		cmd = cmd.FromTemplate(gateway.ImageStoreRef(store), ref.InstallPath)
	}

	if _, err := m.volumes.TransitionState(ctx, vol.ID, vol.State(), volumes.EventCreateRequested, nil); err != nil {
		return nil, err
	}

	ans, err := m.gateway.Send(ctx, pool, cmd)
	if err != nil {
		return nil, m.fail(ctx, "create", vol, volumes.StateCreating, volumes.EventOperationFailed, err)
	}

	ready, err := m.volumes.TransitionState(ctx, vol.ID, volumes.StateCreating, volumes.EventOperationSucceeded, func(v *volumes.Volume) {
		place(v, pool, ans)
		if ans.SizeBytes == 0 {
			v.SizeBytes = profile.SizeBytes
		}
		if opts.hypervisor != "" {
			v.Hypervisor = opts.hypervisor
		}
	})
	if err != nil {
		log.ErrorContext(ctx, "volume created on storage but record update failed",
			"volume_id", vol.ID, "pool_id", pool.ID, "path", ans.Path, "error", err)
		return nil, fmt.Errorf("record created volume %d: %w", vol.ID, err)
	}

	log.InfoContext(ctx, "created volume", "volume_id", ready.ID, "pool_id", pool.ID, "path", ready.Path)
	return ready, nil
}

// copyFromSecondary copies an uploaded volume from the zone's image store.
func (m *manager) copyFromSecondary(ctx context.Context, vol *volumes.Volume, pool *catalog.StoragePool) (*volumes.Volume, error) {
	if vol.UploadStatus != volumes.UploadDownloaded || vol.StagingPath == "" {
		return nil, fmt.Errorf("%w: volume %d upload is not complete (%q)",
			volumes.ErrInvalidParameter, vol.ID, vol.UploadStatus)
	}
	store, err := m.imageStore(ctx, vol.ZoneID)
	if err != nil {
		return nil, err
	}

	if _, err := m.volumes.TransitionState(ctx, vol.ID, volumes.StateUploadOp, volumes.EventCopyRequested, nil); err != nil {
		return nil, err
	}

	cmd := gateway.NewCopy(vol, gateway.ImageStoreRef(store), vol.StagingPath, gateway.PoolRef(pool), "")
	ans, err := m.gateway.Send(ctx, pool, cmd)
	if err != nil {
		return nil, m.fail(ctx, "copy", vol, volumes.StateCopying, volumes.EventCopyFailed, err)
	}

	ready, err := m.volumes.TransitionState(ctx, vol.ID, volumes.StateCopying, volumes.EventCopySucceeded, func(v *volumes.Volume) {
		place(v, pool, ans)
	})
	if err != nil {
		logger.FromContext(ctx).ErrorContext(ctx, "volume copied but record update failed",
			"volume_id", vol.ID, "pool_id", pool.ID, "error", err)
		return nil, fmt.Errorf("record copied volume %d: %w", vol.ID, err)
	}
	return ready, nil
}

// recreate replaces a recreatable volume with a fresh copy on pool. The old
// record is detached and destroyed and its replacement inserted in the same
// transaction, so the device slot passes straight to the new volume.
func (m *manager) recreate(ctx context.Context, vol *volumes.Volume, pool *catalog.StoragePool, opts createOptions) (*volumes.Volume, error) {
	log := logger.FromContext(ctx)

	dup := vol.Duplicate(lo.CoalesceOrEmpty(opts.templateID, vol.TemplateID))
	var old *volumes.Volume
	err := m.volumes.Update(ctx, func(tx volumes.Tx) error {
		if _, err := tx.Detach(vol.ID); err != nil {
			return err
		}
		var err error
		if old, err = tx.Transition(vol.ID, volumes.StateReady, volumes.EventDestroyRequested, nil); err != nil {
			return err
		}
		_, err = tx.Persist(dup)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("replace volume %d: %w", vol.ID, err)
	}
	log.InfoContext(ctx, "recreating volume", "volume_id", vol.ID, "replacement_id", dup.ID, "pool_id", pool.ID)

	m.emit(ctx, usage.EventVolumeDelete, old)
	m.emit(ctx, usage.EventVolumeCreate, dup)

	created, err := m.materialize(ctx, dup, pool, opts)
	m.queueExpunge(ctx, old.ID)
	if err != nil {
		return nil, fmt.Errorf("recreate volume %d as %d: %w", vol.ID, dup.ID, err)
	}
	return created, nil
}

// place binds v to the copy described by ans.
func place(v *volumes.Volume, pool *catalog.StoragePool, ans *gateway.Answer) {
	v.PoolID = pool.ID
	v.PodID = pool.PodID
	v.Path = ans.Path
	v.Folder = ans.Folder
	v.ChainInfo = ans.ChainInfo
	if ans.SizeBytes > 0 {
		v.SizeBytes = ans.SizeBytes
	}
}

func (m *manager) profileFor(ctx context.Context, vol *volumes.Volume, offering *catalog.Offering, zoneID string) (*volumes.DiskProfile, error) {
	if vol.Type != volumes.TypeRoot || vol.TemplateID == "" {
		return m.profiles.BuildForRaw(vol, offering), nil
	}
	tmpl, err := m.catalog.GetTemplate(ctx, vol.TemplateID)
	if err != nil {
		return nil, lookupError("template", vol.TemplateID, err)
	}
	return m.profiles.BuildForTemplate(ctx, vol, offering, tmpl, zoneID)
}

// usablePool loads a pool that is still in service.
func (m *manager) usablePool(ctx context.Context, poolID string) (*catalog.StoragePool, error) {
	pool, err := m.catalog.GetPool(ctx, poolID)
	if err != nil {
		return nil, lookupError("pool", poolID, err)
	}
	if pool.Removed {
		return nil, fmt.Errorf("%w: pool %s is removed", volumes.ErrInvalidParameter, poolID)
	}
	return pool, nil
}

// imageStore returns the zone's secondary store. A zone without one cannot
// serve templates or uploads at all.
func (m *manager) imageStore(ctx context.Context, zoneID string) (*catalog.ImageStore, error) {
	store, err := m.catalog.GetImageStore(ctx, zoneID)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, fmt.Errorf("%w: zone %s has no image store", volumes.ErrMisconfigured, zoneID)
	}
	if err != nil {
		return nil, fmt.Errorf("get image store for zone %s: %w", zoneID, err)
	}
	return store, nil
}

// queueExpunge schedules a background expunge that outlives the request.
func (m *manager) queueExpunge(ctx context.Context, volumeID uint64) {
	bg := context.WithoutCancel(ctx)
	m.queue.Enqueue(volumeID, func() {
		ctx, cancel := context.WithTimeout(bg, m.config.ExpungeTimeout)
		defer cancel()
		if _, err := m.ExpungeVolume(ctx, volumeID, false); err != nil {
			logger.FromContext(ctx).WarnContext(ctx, "queued expunge failed", "volume_id", volumeID, "error", err)
		}
	})
}
