package orchestrator

import "sync"

type queuedExpunge struct {
	volumeID uint64
	run      func()
}

// ExpungeQueue runs expunges with a concurrency limit. State is in memory
// only: volumes waiting here are still in Destroy in the repository, so a
// restart loses nothing that SweepDestroyed will not find again.
type ExpungeQueue struct {
	maxConcurrent int
	active        map[uint64]bool
	pending       []queuedExpunge
	mu            sync.Mutex
	idle          *sync.Cond
}

// NewExpungeQueue creates a queue running at most maxConcurrent expunges.
func NewExpungeQueue(maxConcurrent int) *ExpungeQueue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	q := &ExpungeQueue{
		maxConcurrent: maxConcurrent,
		active:        make(map[uint64]bool),
	}
	q.idle = sync.NewCond(&q.mu)
	return q
}

// Enqueue schedules fn for volumeID. Returns the queue position (0 if
// started immediately). A volume already running or queued is not added
// twice.
func (q *ExpungeQueue) Enqueue(volumeID uint64, fn func()) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.active[volumeID] {
		return 0
	}
	for i, e := range q.pending {
		if e.volumeID == volumeID {
			return i + 1
		}
	}

	wrapped := func() {
		defer q.markComplete(volumeID)
		fn()
	}

	if len(q.active) < q.maxConcurrent {
		q.active[volumeID] = true
		go wrapped()
		return 0
	}

	q.pending = append(q.pending, queuedExpunge{volumeID: volumeID, run: wrapped})
	return len(q.pending)
}

// markComplete releases a slot and starts the next pending expunge.
func (q *ExpungeQueue) markComplete(volumeID uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.active, volumeID)

	if len(q.pending) > 0 && len(q.active) < q.maxConcurrent {
		next := q.pending[0]
		q.pending = q.pending[1:]
		q.active[next.volumeID] = true
		go next.run()
	}
	if len(q.active) == 0 && len(q.pending) == 0 {
		q.idle.Broadcast()
	}
}

// Wait blocks until nothing is running or queued.
func (q *ExpungeQueue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.active) > 0 || len(q.pending) > 0 {
		q.idle.Wait()
	}
}

// IsQueued reports whether the volume is running or waiting.
func (q *ExpungeQueue) IsQueued(volumeID uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active[volumeID] {
		return true
	}
	for _, e := range q.pending {
		if e.volumeID == volumeID {
			return true
		}
	}
	return false
}

// ActiveCount returns the number of running expunges
func (q *ExpungeQueue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// PendingCount returns the number of queued expunges
func (q *ExpungeQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
