// Package checkpoints defines the durable ledger of in-flight multi-volume
// operations. A checkpoint is written in the same transaction that moves its
// volumes into a transitional state, and removed in the transaction that
// moves them out, so a checkpoint that outlives its task marks work a crash
// interrupted.
package checkpoints

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("checkpoint not found")

// Kind names the operation a checkpoint guards.
type Kind string

const (
	KindMigrating Kind = "MIGRATING"
)

// State of a checkpoint.
type State string

const (
	// StateMigrating means copies may be in flight and the volumes may
	// still be in Migrating.
	StateMigrating State = "MIGRATING"
	// StateCleanupPending means the volumes were already reverted but some
	// copies created on the way may still exist remotely.
	StateCleanupPending State = "CLEANUP_PENDING"
)

// Store identifies where an artifact lives.
type Store string

const (
	StorePrimary   Store = "primary"
	StoreSecondary Store = "secondary"
)

// Artifact is a copy created during the task that must be removed if the
// task does not commit.
type Artifact struct {
	VolumeID uint64 `json:"volume_id"`
	Store    Store  `json:"store"`
	PoolID   string `json:"pool_id,omitempty"`
	Path     string `json:"path"`
}

// Checkpoint records an in-flight task over a set of volumes.
type Checkpoint struct {
	TaskID    string     `json:"task_id"`
	Kind      Kind       `json:"kind"`
	State     State      `json:"state"`
	VolumeIDs []uint64   `json:"volume_ids"`
	DestPool  string     `json:"dest_pool,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// AddArtifact appends an artifact, ignoring exact duplicates.
func (c *Checkpoint) AddArtifact(a Artifact) {
	for _, existing := range c.Artifacts {
		if existing == a {
			return
		}
	}
	c.Artifacts = append(c.Artifacts, a)
	c.UpdatedAt = time.Now()
}

// RemoveArtifact drops an artifact once it is known to be gone.
func (c *Checkpoint) RemoveArtifact(a Artifact) {
	for i, existing := range c.Artifacts {
		if existing == a {
			c.Artifacts = append(c.Artifacts[:i], c.Artifacts[i+1:]...)
			c.UpdatedAt = time.Now()
			return
		}
	}
}

// Stale reports whether the checkpoint was created before cutoff.
func (c *Checkpoint) Stale(cutoff time.Time) bool {
	return c.CreatedAt.Before(cutoff)
}
