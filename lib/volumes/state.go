package volumes

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a volume.
type State string

const (
	StateAllocated State = "Allocated"
	StateCreating  State = "Creating"
	StateReady     State = "Ready"
	StateMigrating State = "Migrating"
	StateCopying   State = "Copying"
	StateUploadOp  State = "UploadOp"
	StateExpunging State = "Expunging"
	StateDestroy   State = "Destroy"
)

// Event drives a volume from one state to the next.
type Event string

const (
	EventCreateRequested    Event = "CreateRequested"
	EventOperationSucceeded Event = "OperationSucceeded"
	EventOperationFailed    Event = "OperationFailed"
	EventCopyRequested      Event = "CopyRequested"
	EventCopySucceeded      Event = "CopySucceeded"
	EventCopyFailed         Event = "CopyFailed"
	EventMigrationRequested Event = "MigrationRequested"
	EventDestroyRequested   Event = "DestroyRequested"
	EventUploadRequested    Event = "UploadRequested"
	EventExpungeRequested   Event = "ExpungeRequested"
)

// AllStates lists every lifecycle state.
var AllStates = []State{
	StateAllocated, StateCreating, StateReady, StateMigrating,
	StateCopying, StateUploadOp, StateExpunging, StateDestroy,
}

// AllEvents lists every lifecycle event.
var AllEvents = []Event{
	EventCreateRequested, EventOperationSucceeded, EventOperationFailed,
	EventCopyRequested, EventCopySucceeded, EventCopyFailed,
	EventMigrationRequested, EventDestroyRequested, EventUploadRequested,
	EventExpungeRequested,
}

// ValidTransitions is the complete transition table. A (state, event) pair
// that is not listed has no transition.
var ValidTransitions = map[State]map[Event]State{
	StateAllocated: {
		EventCreateRequested:  StateCreating,
		EventUploadRequested:  StateUploadOp,
		EventDestroyRequested: StateDestroy,
	},
	StateCreating: {
		EventCreateRequested:    StateCreating, // retry of an interrupted create
		EventOperationSucceeded: StateReady,
		EventOperationFailed:    StateAllocated,
	},
	StateReady: {
		EventMigrationRequested: StateMigrating,
		EventDestroyRequested:   StateDestroy,
	},
	StateMigrating: {
		EventOperationSucceeded: StateReady, // bound to the destination pool
		EventOperationFailed:    StateReady, // bound to the origin pool
	},
	StateUploadOp: {
		EventCopyRequested:    StateCopying,
		EventDestroyRequested: StateDestroy,
	},
	StateCopying: {
		EventCopySucceeded: StateReady,
		EventCopyFailed:    StateUploadOp,
	},
	StateDestroy: {
		EventExpungeRequested: StateExpunging,
	},
	StateExpunging: {
		EventOperationFailed: StateDestroy,
	},
}

// Next returns the state reached from s on event e.
func (s State) Next(e Event) (State, error) {
	next, ok := ValidTransitions[s][e]
	if !ok {
		return s, fmt.Errorf("%w: %s on %s", ErrNoTransition, e, s)
	}
	return next, nil
}

// String returns the string representation of the state
func (s State) String() string {
	return string(s)
}

// InFlight reports whether a remote operation owns the volume in this state.
func (s State) InFlight() bool {
	switch s {
	case StateCreating, StateMigrating, StateCopying, StateExpunging:
		return true
	default:
		return false
	}
}

// Transition applies e to the volume. It is the only code path that
// changes a volume's state; on error the volume is left untouched.
func (v *Volume) Transition(e Event) (State, error) {
	from := v.state
	next, err := from.Next(e)
	if err != nil {
		return from, err
	}
	v.state = next
	v.UpdatedAt = time.Now()
	return from, nil
}
