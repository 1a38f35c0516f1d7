package sessionstore

import (
	"context"
	"sync"

	"github.com/hrygo/ccgateway/internal/apierror"
)

// lockEntry is one session's advisory lock: a FIFO queue of waiters.
// The head of waiters, once signalled, becomes the new holder.
type lockEntry struct {
	waiters []chan struct{}
}

// lockTable is the in-process, in-memory map of held/waited session
// locks. It is advisory only: the table does not verify that a caller
// of release actually holds the lock it names. Grounded on the
// single-mutex-plus-waiter-channel idiom in the teacher's
// session_manager.go waitForReady loop, adapted from a hot-process
// readiness wait to a pure FIFO mutex.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[string]*lockEntry)}
}

// acquire blocks until id's lock is held by the caller, or ctx is
// cancelled first. Callers must call release on every exit path.
func (t *lockTable) acquire(ctx context.Context, id string) error {
	t.mu.Lock()
	entry, exists := t.entries[id]
	if !exists {
		t.entries[id] = &lockEntry{}
		t.mu.Unlock()
		return nil
	}

	ch := make(chan struct{})
	entry.waiters = append(entry.waiters, ch)
	t.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		t.abandon(id, ch)
		return apierror.Aborted("cancelled while waiting for session lock")
	}
}

// abandon removes ch from id's waiter queue after a cancelled wait. If
// ch had already been signalled (a race with release), the ownership
// transfer it represented is immediately handed to the next waiter
// instead, so no holder is lost.
func (t *lockTable) abandon(id string, ch chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[id]
	if !ok {
		return
	}
	for i, w := range entry.waiters {
		if w == ch {
			entry.waiters = append(entry.waiters[:i], entry.waiters[i+1:]...)
			return
		}
	}

	// Not found in the queue: it was already popped and signalled by
	// release concurrently with this cancellation. Treat it as an
	// acquire-then-immediate-release so the next waiter still proceeds.
	select {
	case <-ch:
		t.releaseLocked(id)
	default:
	}
}

// release hands the lock to the next waiter in FIFO order, or fully
// unlocks id if no waiter remains.
func (t *lockTable) release(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.releaseLocked(id)
}

func (t *lockTable) releaseLocked(id string) {
	entry, ok := t.entries[id]
	if !ok {
		return
	}
	if len(entry.waiters) == 0 {
		delete(t.entries, id)
		return
	}
	next := entry.waiters[0]
	entry.waiters = entry.waiters[1:]
	close(next)
}

// purge removes id's lock entry entirely, used when a session row is
// deleted (explicitly or by TTL sweep).
func (t *lockTable) purge(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}
