// Package profiles turns a volume plus its offering (and template, for root
// disks) into the DiskProfile a pool needs to realize it.
package profiles

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/c2h5oh/datasize"
	"github.com/onkernel/blockvol/lib/catalog"
	"github.com/onkernel/blockvol/lib/volumes"
)

// TemplateLocator finds a template's copy in a zone.
type TemplateLocator interface {
	GetTemplateRef(ctx context.Context, templateID, zoneID string) (*catalog.TemplateRef, error)
}

// Builder produces disk profiles.
type Builder struct {
	templates TemplateLocator
}

// NewBuilder creates a profile builder.
func NewBuilder(templates TemplateLocator) *Builder {
	return &Builder{templates: templates}
}

// BuildForTemplate builds the profile of a template-backed volume. The size
// comes from the template's downloaded copy in the zone.
func (b *Builder) BuildForTemplate(ctx context.Context, vol *volumes.Volume, offering *catalog.Offering, tmpl *catalog.Template, zoneID string) (*volumes.DiskProfile, error) {
	ref, err := b.templates.GetTemplateRef(ctx, tmpl.ID, zoneID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, fmt.Errorf("%w: template %s has no copy in zone %s", volumes.ErrTemplateNotReady, tmpl.ID, zoneID)
		}
		return nil, fmt.Errorf("find template %s in zone %s: %w", tmpl.ID, zoneID, err)
	}
	if ref.DownloadState != catalog.DownloadComplete {
		return nil, fmt.Errorf("%w: template %s is %s in zone %s", volumes.ErrTemplateNotReady, tmpl.ID, ref.DownloadState, zoneID)
	}

	p := b.BuildForRaw(vol, offering)
	p.SizeBytes = ref.SizeBytes
	p.TemplateID = tmpl.ID
	return p, nil
}

// BuildForRaw builds the profile of a blank volume sized by its record.
func (b *Builder) BuildForRaw(vol *volumes.Volume, offering *catalog.Offering) *volumes.DiskProfile {
	p := &volumes.DiskProfile{
		VolumeID:        vol.ID,
		Type:            vol.Type,
		Name:            vol.Name,
		OfferingID:      offering.ID,
		SizeBytes:       vol.SizeBytes,
		Tags:            offering.Tags,
		UseLocalStorage: offering.UseLocalStorage,
		Recreatable:     offering.Recreatable,
	}
	if vol.DeviceID != nil {
		id := *vol.DeviceID
		p.DeviceID = &id
	}
	return p
}

// maxSizeGiB is the largest size whose byte count fits in an int64.
const maxSizeGiB = math.MaxInt64 >> 30

// SizeFor resolves the size of a new disk. Custom offerings take the
// caller's size in GiB; fixed offerings ignore it.
func SizeFor(offering *catalog.Offering, requestedGiB int64) (int64, error) {
	if !offering.Custom {
		if offering.SizeBytes <= 0 {
			return 0, fmt.Errorf("%w: offering %s has no size", volumes.ErrInvalidParameter, offering.ID)
		}
		return offering.SizeBytes, nil
	}

	if requestedGiB <= 0 {
		return 0, fmt.Errorf("%w: offering %s requires a size", volumes.ErrInvalidParameter, offering.ID)
	}
	if requestedGiB > maxSizeGiB {
		return 0, fmt.Errorf("%w: size %dGiB exceeds %dGiB", volumes.ErrInvalidParameter, requestedGiB, maxSizeGiB)
	}
	if offering.MinSizeGiB > 0 && requestedGiB < offering.MinSizeGiB {
		return 0, fmt.Errorf("%w: size %dGiB below minimum %dGiB", volumes.ErrInvalidParameter, requestedGiB, offering.MinSizeGiB)
	}
	if offering.MaxSizeGiB > 0 && requestedGiB > offering.MaxSizeGiB {
		return 0, fmt.Errorf("%w: size %dGiB above maximum %dGiB", volumes.ErrInvalidParameter, requestedGiB, offering.MaxSizeGiB)
	}
	return int64((datasize.ByteSize(requestedGiB) * datasize.GB).Bytes()), nil
}
