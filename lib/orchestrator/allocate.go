package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/onkernel/blockvol/lib/catalog"
	"github.com/onkernel/blockvol/lib/logger"
	"github.com/onkernel/blockvol/lib/profiles"
	"github.com/onkernel/blockvol/lib/usage"
	"github.com/onkernel/blockvol/lib/volumes"
	"github.com/samber/lo"
)

// DiskRequest describes one data disk of a new instance.
type DiskRequest struct {
	Name       string
	OfferingID string
	// SizeGiB is required for custom offerings and ignored otherwise
	SizeGiB int64
}

// AllocateRequest reserves the disks of a new instance.
type AllocateRequest struct {
	InstanceID string
	AccountID  string
	DomainID   string

	// RootOfferingID sizes the root disk. With TemplateID set the root disk
	// takes the template's size instead.
	RootOfferingID string
	TemplateID     string
	RootSizeGiB    int64

	DataDisks []DiskRequest
}

// AllocateVolumes persists the root disk at device 0 and the data disks at
// consecutive free slots, all in one transaction.
func (m *manager) AllocateVolumes(ctx context.Context, req AllocateRequest) (profs []*volumes.DiskProfile, err error) {
	start := time.Now()
	defer func() { m.metrics.RecordOperation(ctx, "allocate", err, start) }()
	log := logger.FromContext(ctx).With("instance_id", req.InstanceID)

	inst, err := m.catalog.GetInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, lookupError("instance", req.InstanceID, err)
	}
	caps := m.capabilities(inst)
	if len(req.DataDisks) > caps.MaxDataVolumes {
		return nil, fmt.Errorf("%w: %d data disks requested, %s allows %d",
			volumes.ErrResourceAllocationExceeded, len(req.DataDisks), inst.Hypervisor, caps.MaxDataVolumes)
	}

	rootOffering, err := m.catalog.GetOffering(ctx, req.RootOfferingID)
	if err != nil {
		return nil, lookupError("offering", req.RootOfferingID, err)
	}

	type planned struct {
		vol     *volumes.Volume
		profile *volumes.DiskProfile
	}
	now := time.Now()
	newVolume := func(name string, typ volumes.Type, size int64, offering *catalog.Offering, device int) *volumes.Volume {
		v := volumes.New(name, typ, size)
		v.AccountID = req.AccountID
		v.DomainID = req.DomainID
		v.ZoneID = inst.ZoneID
		v.OfferingID = offering.ID
		v.Recreatable = offering.Recreatable
		v.InstanceID = inst.ID
		v.DeviceID = &device
		v.AttachedAt = &now
		return v
	}

	var plan []planned

	root := newVolume("ROOT-"+inst.Name, volumes.TypeRoot, 0, rootOffering, profiles.RootDeviceID)
	if req.TemplateID != "" {
		tmpl, err := m.catalog.GetTemplate(ctx, req.TemplateID)
		if err != nil {
			return nil, lookupError("template", req.TemplateID, err)
		}
		root.TemplateID = tmpl.ID
		p, err := m.profiles.BuildForTemplate(ctx, root, rootOffering, tmpl, inst.ZoneID)
		if err != nil {
			return nil, err
		}
		root.SizeBytes = p.SizeBytes
		plan = append(plan, planned{root, p})
	} else {
		size, err := profiles.SizeFor(rootOffering, req.RootSizeGiB)
		if err != nil {
			return nil, err
		}
		root.SizeBytes = size
		plan = append(plan, planned{root, m.profiles.BuildForRaw(root, rootOffering)})
	}

	unlock := m.lockInstance(inst.ID)
	defer unlock()

	existing, err := m.volumes.ListByInstance(ctx, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("list volumes of instance %s: %w", inst.ID, err)
	}
	if lo.ContainsBy(existing, func(v *volumes.Volume) bool { return v.Type == volumes.TypeRoot }) {
		return nil, fmt.Errorf("%w: instance %s already has a root disk", volumes.ErrInvalidParameter, inst.ID)
	}

	inUse := append(profiles.DeviceIDs(existing), profiles.RootDeviceID)
	for i, d := range req.DataDisks {
		offering, err := m.catalog.GetOffering(ctx, d.OfferingID)
		if err != nil {
			return nil, lookupError("offering", d.OfferingID, err)
		}
		size, err := profiles.SizeFor(offering, d.SizeGiB)
		if err != nil {
			return nil, err
		}
		device, err := profiles.NextDeviceID(caps, inUse)
		if err != nil {
			return nil, err
		}
		inUse = append(inUse, device)

		name := d.Name
		if name == "" {
			name = fmt.Sprintf("DATA-%s-%d", inst.Name, i+1)
		}
		v := newVolume(name, volumes.TypeDataDisk, size, offering, device)
		plan = append(plan, planned{v, m.profiles.BuildForRaw(v, offering)})
	}

	totalBytes := lo.SumBy(plan, func(p planned) int64 { return p.vol.SizeBytes })
	if err := m.checkLimits(ctx, req.AccountID, int64(len(plan)), totalBytes); err != nil {
		return nil, err
	}

	err = m.volumes.Update(ctx, func(tx volumes.Tx) error {
		for _, p := range plan {
			saved, err := tx.Persist(p.vol)
			if err != nil {
				return fmt.Errorf("persist %s: %w", p.vol.Name, err)
			}
			p.vol.ID = saved.ID
			p.vol.UUID = saved.UUID
			p.profile.VolumeID = saved.ID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, p := range plan {
		m.emit(ctx, usage.EventVolumeCreate, p.vol)
	}
	m.accounts.Increment(ctx, req.AccountID, usage.ResourceVolume, int64(len(plan)))
	m.accounts.Increment(ctx, req.AccountID, usage.ResourcePrimaryStorage, totalBytes)

	log.InfoContext(ctx, "allocated volumes", "count", len(plan))
	return lo.Map(plan, func(p planned, _ int) *volumes.DiskProfile { return p.profile }), nil
}

// checkLimits rejects an allocation that would take the account over its
// volume count or primary storage limit.
func (m *manager) checkLimits(ctx context.Context, accountID string, count, bytes int64) error {
	if err := m.accounts.Check(ctx, accountID, usage.ResourceVolume, count); err != nil {
		return limitError(err)
	}
	if err := m.accounts.Check(ctx, accountID, usage.ResourcePrimaryStorage, bytes); err != nil {
		return limitError(err)
	}
	return nil
}

func limitError(err error) error {
	if errors.Is(err, usage.ErrLimitExceeded) {
		return fmt.Errorf("%w: %w", volumes.ErrResourceAllocationExceeded, err)
	}
	return fmt.Errorf("check resource limits: %w", err)
}

// lookupError maps a missing catalog entry to a validation error.
func lookupError(kind, id string, err error) error {
	if errors.Is(err, catalog.ErrNotFound) {
		return fmt.Errorf("%w: %s %s not found", volumes.ErrInvalidParameter, kind, id)
	}
	return fmt.Errorf("get %s %s: %w", kind, id, err)
}
