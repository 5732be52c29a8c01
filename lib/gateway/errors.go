package gateway

import (
	"fmt"

	"github.com/onkernel/blockvol/lib/volumes"
)

var (
	// ErrAgentUnavailable means the agent could not be reached or dropped
	// the call. The command may or may not have run.
	ErrAgentUnavailable = fmt.Errorf("agent unavailable: %w", volumes.ErrOutcomeUnknown)

	// ErrOperationTimeout means no answer arrived in time. The command may
	// still complete remotely.
	ErrOperationTimeout = fmt.Errorf("operation timed out: %w", volumes.ErrOutcomeUnknown)

	// ErrNoHosts means nothing was sent: no host for the pool is up.
	ErrNoHosts = fmt.Errorf("no reachable host: %w", volumes.ErrStorageUnavailable)

	// ErrUnauthorized means the agent rejected our credentials.
	ErrUnauthorized = fmt.Errorf("agent rejected credentials: %w", volumes.ErrMisconfigured)
)

// HostDialError indicates the connection to a host's agent failed.
type HostDialError struct {
	Address string
	Err     error
}

func (e *HostDialError) Error() string {
	return fmt.Sprintf("dial agent at %s: %v", e.Address, e.Err)
}

func (e *HostDialError) Unwrap() error {
	return e.Err
}

// AnswerError converts a failed answer into a definitive storage error.
func AnswerError(cmd Command, ans *Answer) error {
	return fmt.Errorf("%w: %s on %s: %s", volumes.ErrStorageUnavailable, cmd.Kind, cmd.Store, ans.Details)
}
