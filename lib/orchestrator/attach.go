package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/onkernel/blockvol/lib/catalog"
	"github.com/onkernel/blockvol/lib/gateway"
	"github.com/onkernel/blockvol/lib/hypervisor"
	"github.com/onkernel/blockvol/lib/logger"
	"github.com/onkernel/blockvol/lib/profiles"
	"github.com/onkernel/blockvol/lib/usage"
	"github.com/onkernel/blockvol/lib/volumes"
	"github.com/samber/lo"
)

// AttachRequest plugs a data disk into an instance.
type AttachRequest struct {
	VolumeID   uint64
	InstanceID string
	// DeviceID picks the slot. Nil takes the lowest free one.
	DeviceID *int
}

func (m *manager) AttachVolume(ctx context.Context, req AttachRequest) (vol *volumes.Volume, err error) {
	start := time.Now()
	defer func() { m.metrics.RecordOperation(ctx, "attach", err, start) }()
	log := logger.FromContext(ctx).With("volume_id", req.VolumeID, "instance_id", req.InstanceID)
	ctx = logger.AddToContext(ctx, log)

	vol, err = m.volumes.Get(ctx, req.VolumeID)
	if err != nil {
		return nil, err
	}
	inst, err := m.catalog.GetInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, lookupError("instance", req.InstanceID, err)
	}
	if err := checkAttachable(vol, inst); err != nil {
		return nil, err
	}

	var volPool *catalog.StoragePool
	if vol.PoolID != "" {
		if volPool, err = m.usablePool(ctx, vol.PoolID); err != nil {
			return nil, err
		}
		if volPool.Local() {
			return nil, fmt.Errorf("%w: volume %d is on local pool %s", volumes.ErrInvalidParameter, vol.ID, volPool.ID)
		}
	}

	unlock := m.lockInstance(inst.ID)
	defer unlock()

	attached, err := m.volumes.ListByInstance(ctx, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("list volumes of instance %s: %w", inst.ID, err)
	}
	caps := m.capabilities(inst)

	var device int
	if req.DeviceID != nil {
		device = *req.DeviceID
		if err := profiles.ValidateDeviceID(caps, device, profiles.DeviceIDs(attached)); err != nil {
			return nil, err
		}
	} else if device, err = profiles.NextDeviceID(caps, profiles.DeviceIDs(attached)); err != nil {
		return nil, err
	}

	dataDisks := lo.CountBy(attached, func(v *volumes.Volume) bool { return v.Type == volumes.TypeDataDisk })
	if dataDisks >= caps.MaxDataVolumes {
		return nil, fmt.Errorf("%w: instance %s already has %d data disks", volumes.ErrResourceAllocationExceeded, inst.ID, dataDisks)
	}

	root, ok := lo.Find(attached, func(v *volumes.Volume) bool { return v.Type == volumes.TypeRoot })
	if !ok {
		return nil, fmt.Errorf("%w: instance %s has no root disk", volumes.ErrInvalidParameter, inst.ID)
	}

	// A never-started instance has nothing on storage yet; the disk is
	// created alongside the root disk on first start.
	if root.State() == volumes.StateAllocated {
		return m.recordAttach(ctx, vol, inst, device)
	}

	rootPool, err := m.usablePool(ctx, root.PoolID)
	if err != nil {
		return nil, err
	}
	target := rootPool
	if volPool != nil && reachable(volPool, rootPool) {
		target = volPool
	}
	// A Ready disk the root disk can reach is attached as is, even when it
	// is recreatable.
	if vol.State() != volumes.StateReady || !vol.Materialized() || target != volPool {
		offering, err := m.catalog.GetOffering(ctx, vol.OfferingID)
		if err != nil {
			return nil, lookupError("offering", vol.OfferingID, err)
		}
		if vol, err = m.createVolume(ctx, vol, target, createOptions{offering: offering, hypervisor: inst.Hypervisor}); err != nil {
			return nil, err
		}
	}

	if inst.State == catalog.InstanceRunning || caps.SupportsColdAttach {
		pool, err := m.usablePool(ctx, vol.PoolID)
		if err != nil {
			return nil, err
		}
		if _, err := m.sendToInstance(ctx, inst, pool, gateway.NewAttach(vol, gateway.PoolRef(pool), inst, device)); err != nil {
			if volumes.KindOf(err) == volumes.KindRemoteAmbiguous {
				m.metrics.recordAmbiguous(ctx, "attach")
				log.WarnContext(ctx, "attach outcome unknown, volume left detached", "error", err)
			}
			return nil, fmt.Errorf("attach volume %d to %s: %w", vol.ID, inst.ID, err)
		}
	}

	return m.recordAttach(ctx, vol, inst, device)
}

// checkAttachable runs the checks that need no lock and no storage call.
func checkAttachable(vol *volumes.Volume, inst *catalog.Instance) error {
	if vol.Type != volumes.TypeDataDisk {
		return fmt.Errorf("%w: only data disks can be attached", volumes.ErrInvalidParameter)
	}
	if vol.Attached() {
		return fmt.Errorf("%w: volume %d is attached to instance %s", volumes.ErrInUse, vol.ID, vol.InstanceID)
	}
	if vol.ZoneID != inst.ZoneID {
		return fmt.Errorf("%w: volume %d is in zone %s, instance %s in %s",
			volumes.ErrInvalidParameter, vol.ID, vol.ZoneID, inst.ID, inst.ZoneID)
	}
	switch inst.State {
	case catalog.InstanceRunning, catalog.InstanceStopped:
	default:
		return fmt.Errorf("%w: instance %s is %s", volumes.ErrInvalidParameter, inst.ID, inst.State)
	}
	switch vol.State() {
	case volumes.StateAllocated, volumes.StateReady:
	case volumes.StateUploadOp:
		if vol.UploadStatus != volumes.UploadDownloaded {
			return fmt.Errorf("%w: volume %d upload is not complete", volumes.ErrInvalidParameter, vol.ID)
		}
	default:
		return fmt.Errorf("%w: volume %d is %s", volumes.ErrInvalidParameter, vol.ID, vol.State())
	}
	if vol.Hypervisor != "" && hypervisor.ParseType(vol.Hypervisor) != hypervisor.ParseType(inst.Hypervisor) {
		return fmt.Errorf("%w: volume %d was created for %s, instance %s runs %s",
			volumes.ErrInvalidParameter, vol.ID, vol.Hypervisor, inst.ID, inst.Hypervisor)
	}
	return nil
}

func (m *manager) recordAttach(ctx context.Context, vol *volumes.Volume, inst *catalog.Instance, device int) (*volumes.Volume, error) {
	out, err := m.volumes.Attach(ctx, vol.ID, inst.ID, device)
	if err != nil {
		return nil, err
	}
	m.emit(ctx, usage.EventVolumeAttach, out)
	logger.FromContext(ctx).InfoContext(ctx, "attached volume", "volume_id", out.ID, "instance_id", inst.ID, "device_id", device)
	return out, nil
}

// sendToInstance routes cmd to the host running inst, falling back to its
// last host and then to any host serving pool.
func (m *manager) sendToInstance(ctx context.Context, inst *catalog.Instance, pool *catalog.StoragePool, cmd gateway.Command) (*gateway.Answer, error) {
	if hostID := lo.CoalesceOrEmpty(inst.HostID, inst.LastHostID); hostID != "" {
		return m.gateway.SendToHost(ctx, hostID, cmd)
	}
	return m.gateway.Send(ctx, pool, cmd)
}

// reachable reports whether a volume on p can be used by an instance whose
// root disk lives on root.
func reachable(p, root *catalog.StoragePool) bool {
	if p.ZoneID != root.ZoneID {
		return false
	}
	return p.ClusterID == "" || p.ClusterID == root.ClusterID
}

func (m *manager) DetachVolume(ctx context.Context, volumeID uint64) (vol *volumes.Volume, err error) {
	start := time.Now()
	defer func() { m.metrics.RecordOperation(ctx, "detach", err, start) }()
	log := logger.FromContext(ctx).With("volume_id", volumeID)

	vol, err = m.volumes.Get(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	if vol.Type != volumes.TypeDataDisk {
		return nil, fmt.Errorf("%w: root disks cannot be detached", volumes.ErrInvalidParameter)
	}
	if !vol.Attached() {
		return nil, fmt.Errorf("%w: volume %d is not attached", volumes.ErrInvalidParameter, vol.ID)
	}

	inst, err := m.catalog.GetInstance(ctx, vol.InstanceID)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		inst = &catalog.Instance{ID: vol.InstanceID, State: catalog.InstanceDestroyed}
	case err != nil:
		return nil, fmt.Errorf("get instance %s: %w", vol.InstanceID, err)
	}
	switch inst.State {
	case catalog.InstanceRunning, catalog.InstanceStopped, catalog.InstanceDestroyed:
	default:
		return nil, fmt.Errorf("%w: instance %s is %s", volumes.ErrInvalidParameter, inst.ID, inst.State)
	}

	unlock := m.lockInstance(inst.ID)
	defer unlock()

	if inst.State == catalog.InstanceRunning && vol.Materialized() {
		pool, err := m.catalog.GetPool(ctx, vol.PoolID)
		if err != nil {
			return nil, lookupError("pool", vol.PoolID, err)
		}
		if _, err := m.sendToInstance(ctx, inst, pool, gateway.NewDetach(vol, gateway.PoolRef(pool), inst)); err != nil {
			if volumes.KindOf(err) == volumes.KindRemoteAmbiguous {
				m.metrics.recordAmbiguous(ctx, "detach")
				log.WarnContext(ctx, "detach outcome unknown, volume left attached", "error", err)
			}
			return nil, fmt.Errorf("detach volume %d from %s: %w", vol.ID, inst.ID, err)
		}
	}

	instanceID := vol.InstanceID
	out, err := m.volumes.Detach(ctx, vol.ID)
	if err != nil {
		return nil, err
	}
	ev := out.Clone()
	ev.InstanceID = instanceID
	m.emit(ctx, usage.EventVolumeDetach, ev)
	log.InfoContext(ctx, "detached volume", "instance_id", instanceID)
	return out, nil
}
