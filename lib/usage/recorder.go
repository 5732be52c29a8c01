package usage

import (
	"context"
	"sync"
	"time"

	"github.com/onkernel/blockvol/lib/logger"
)

// Subscriber receives published usage events.
type Subscriber chan Event

// Recorder implements Emitter and Accountant. Events are logged, counted and
// fanned out to in-process subscribers; counts live in a CountStore.
type Recorder struct {
	counts  CountStore
	metrics *Metrics

	mu          sync.RWMutex
	subscribers map[Subscriber]bool
}

var (
	_ Emitter    = (*Recorder)(nil)
	_ Accountant = (*Recorder)(nil)
)

// NewRecorder creates a recorder. metrics may be nil.
func NewRecorder(counts CountStore, metrics *Metrics) *Recorder {
	return &Recorder{
		counts:      counts,
		metrics:     metrics,
		subscribers: make(map[Subscriber]bool),
	}
}

// Subscribe returns a buffered channel of future events.
func (r *Recorder) Subscribe() Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub := make(Subscriber, 64)
	r.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscription.
func (r *Recorder) Unsubscribe(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.subscribers[sub] {
		delete(r.subscribers, sub)
		close(sub)
	}
}

// Emit records a usage event. Slow subscribers miss events rather than
// block the caller.
func (r *Recorder) Emit(ctx context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	logger.FromContext(ctx).InfoContext(ctx, "usage event",
		"type", e.Type,
		"volume_id", e.VolumeID,
		"account_id", e.AccountID,
		"size_bytes", e.SizeBytes)
	r.recordEvent(ctx, e)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for sub := range r.subscribers {
		select {
		case sub <- e:
		default:
		}
	}
}

func (r *Recorder) Check(ctx context.Context, accountID string, res ResourceType, delta int64) error {
	if accountID == "" {
		return nil
	}
	limit, ok, err := r.counts.ResourceLimit(ctx, accountID, string(res))
	if err != nil || !ok {
		return err
	}
	count, err := r.counts.ResourceCount(ctx, accountID, string(res))
	if err != nil {
		return err
	}
	if count+delta > limit {
		return limitError(accountID, res, count, delta, limit)
	}
	return nil
}

func (r *Recorder) Increment(ctx context.Context, accountID string, res ResourceType, delta int64) {
	r.add(ctx, accountID, res, delta)
}

func (r *Recorder) Decrement(ctx context.Context, accountID string, res ResourceType, delta int64) {
	r.add(ctx, accountID, res, -delta)
}

func (r *Recorder) add(ctx context.Context, accountID string, res ResourceType, delta int64) {
	if accountID == "" || delta == 0 {
		return
	}
	if _, err := r.counts.AddResourceCount(ctx, accountID, string(res), delta); err != nil {
		logger.FromContext(ctx).WarnContext(ctx, "failed to update resource count",
			"account_id", accountID, "resource", res, "delta", delta, "error", err)
	}
}
