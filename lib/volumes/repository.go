package volumes

import (
	"context"

	"github.com/onkernel/blockvol/lib/checkpoints"
)

// Tx is a single all-or-nothing unit of work against persisted volumes and
// the checkpoint ledger. If the function handed to Repository.Update returns
// an error, nothing it did through the Tx is kept.
type Tx interface {
	Get(id uint64) (*Volume, error)
	ListByInstance(instanceID string) ([]*Volume, error)

	// Persist inserts v, assigning ID and UUID when unset.
	Persist(v *Volume) (*Volume, error)

	// Transition applies e to the stored volume only if its state is still
	// from. mutate, when non-nil, edits non-state fields in the same write.
	Transition(id uint64, from State, e Event, mutate func(v *Volume)) (*Volume, error)

	// Save writes non-state fields. It fails with ErrConcurrentOperation
	// if the stored state no longer matches v.State().
	Save(v *Volume) error

	Attach(id uint64, instanceID string, deviceID int) (*Volume, error)
	Detach(id uint64) (*Volume, error)
	Remove(id uint64) error

	PushCheckpoint(c *checkpoints.Checkpoint) error
	SaveCheckpoint(c *checkpoints.Checkpoint) error
	PopCheckpoint(taskID string) error
}

// Repository persists volumes. Single-row methods run in their own
// transaction; Update groups several.
type Repository interface {
	Get(ctx context.Context, id uint64) (*Volume, error)
	GetByUUID(ctx context.Context, uuid string) (*Volume, error)
	ListByInstance(ctx context.Context, instanceID string) ([]*Volume, error)
	ListByPool(ctx context.Context, poolID string) ([]*Volume, error)
	ListByState(ctx context.Context, states ...State) ([]*Volume, error)
	Search(ctx context.Context, f Filter) (*Page, error)

	Persist(ctx context.Context, v *Volume) (*Volume, error)
	TransitionState(ctx context.Context, id uint64, from State, e Event, mutate func(v *Volume)) (*Volume, error)
	Save(ctx context.Context, v *Volume) error
	Attach(ctx context.Context, id uint64, instanceID string, deviceID int) (*Volume, error)
	Detach(ctx context.Context, id uint64) (*Volume, error)
	Remove(ctx context.Context, id uint64) error

	Update(ctx context.Context, fn func(tx Tx) error) error
}

// Ledger reads checkpoints outside of a volume transaction.
type Ledger interface {
	GetCheckpoint(ctx context.Context, taskID string) (*checkpoints.Checkpoint, error)
	ListCheckpoints(ctx context.Context) ([]*checkpoints.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, c *checkpoints.Checkpoint) error
	PopCheckpoint(ctx context.Context, taskID string) error
}
