package volumes

import (
	"context"
	"errors"
)

var (
	ErrNotFound     = errors.New("volume not found")
	ErrInUse        = errors.New("volume is in use")
	ErrUnknownState = errors.New("unknown volume state")

	// ErrNoTransition means the state machine has no edge for the event.
	ErrNoTransition = errors.New("no transition")
	// ErrConcurrentOperation means another actor moved the volume first.
	ErrConcurrentOperation = errors.New("concurrent operation on volume")

	ErrInvalidParameter           = errors.New("invalid parameter value")
	ErrPermissionDenied           = errors.New("permission denied")
	ErrResourceAllocationExceeded = errors.New("resource allocation exceeded")
	ErrTemplateNotReady           = errors.New("template not ready")
	ErrCannotRecreateOnLocal      = errors.New("cannot move volume that uses local storage")

	// ErrStorageUnavailable is a definitive remote failure: the backend
	// answered and the operation did not happen.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrOutcomeUnknown marks a remote call whose result could not be
	// observed. The operation may or may not have taken effect.
	ErrOutcomeUnknown = errors.New("remote outcome unknown")

	// ErrMisconfigured is a fatal configuration problem that retrying
	// will not fix.
	ErrMisconfigured = errors.New("misconfigured")
)

// Kind is the closed set of error categories callers switch on.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindConcurrency
	KindRemoteDefinitive
	KindRemoteAmbiguous
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConcurrency:
		return "concurrency"
	case KindRemoteDefinitive:
		return "remote_definitive"
	case KindRemoteAmbiguous:
		return "remote_ambiguous"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// KindOf classifies err. Ambiguity wins over every other category because
// an error chain can carry both a definitive and an ambiguous cause.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrOutcomeUnknown), errors.Is(err, context.DeadlineExceeded):
		return KindRemoteAmbiguous
	case errors.Is(err, ErrMisconfigured):
		return KindFatal
	case errors.Is(err, ErrNoTransition), errors.Is(err, ErrConcurrentOperation):
		return KindConcurrency
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrStorageUnavailable):
		return KindRemoteDefinitive
	case errors.Is(err, ErrInvalidParameter),
		errors.Is(err, ErrPermissionDenied),
		errors.Is(err, ErrResourceAllocationExceeded),
		errors.Is(err, ErrTemplateNotReady),
		errors.Is(err, ErrCannotRecreateOnLocal),
		errors.Is(err, ErrInUse):
		return KindValidation
	default:
		return KindUnknown
	}
}

// Retryable reports whether the caller may retry the same request later.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConcurrency, KindRemoteDefinitive, KindRemoteAmbiguous:
		return true
	default:
		return false
	}
}
