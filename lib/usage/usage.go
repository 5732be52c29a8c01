// Package usage records billable volume events and per-account resource
// counts. The orchestrator calls it once per successful structural change.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EventType names a usage event.
type EventType string

const (
	EventVolumeCreate  EventType = "volume.create"
	EventVolumeDelete  EventType = "volume.delete"
	EventVolumeAttach  EventType = "volume.attach"
	EventVolumeDetach  EventType = "volume.detach"
	EventVolumeMigrate EventType = "volume.migrate"
)

// Event is one usage record.
type Event struct {
	Type       EventType
	VolumeID   uint64
	VolumeUUID string
	Name       string
	AccountID  string
	ZoneID     string
	InstanceID string
	PoolID     string
	OfferingID string
	TemplateID string
	SizeBytes  int64
	Timestamp  time.Time
}

// ResourceType is a counted, limitable resource.
type ResourceType string

const (
	ResourceVolume         ResourceType = "volume"
	ResourcePrimaryStorage ResourceType = "primary_storage"
)

// ErrLimitExceeded is returned when an account would go over its limit.
var ErrLimitExceeded = errors.New("resource limit exceeded")

// Emitter publishes usage events.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// Accountant tracks per-account resource counts.
type Accountant interface {
	// Check fails with ErrLimitExceeded if adding delta would exceed the
	// account's limit.
	Check(ctx context.Context, accountID string, r ResourceType, delta int64) error
	Increment(ctx context.Context, accountID string, r ResourceType, delta int64)
	Decrement(ctx context.Context, accountID string, r ResourceType, delta int64)
}

// CountStore persists counts and limits.
type CountStore interface {
	AddResourceCount(ctx context.Context, accountID, resource string, delta int64) (int64, error)
	ResourceCount(ctx context.Context, accountID, resource string) (int64, error)
	ResourceLimit(ctx context.Context, accountID, resource string) (int64, bool, error)
}

func limitError(accountID string, r ResourceType, count, delta, limit int64) error {
	return fmt.Errorf("%w: account %s %s at %d, requested %d, limit %d", ErrLimitExceeded, accountID, r, count, delta, limit)
}
