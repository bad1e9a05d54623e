package reconciler

import (
	"sync"

	"github.com/google/uuid"
)

// keyedLocks provides per-domain single-flight: at most one reconciliation
// step runs for a given domain id at a time. A second concurrent attempt is
// skipped, not queued — the scheduler will come back around.
type keyedLocks struct {
	mu   sync.Mutex
	held map[uuid.UUID]struct{}
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{held: make(map[uuid.UUID]struct{})}
}

// tryAcquire claims the lock for id, returning false if already held.
func (k *keyedLocks) tryAcquire(id uuid.UUID) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, busy := k.held[id]; busy {
		return false
	}
	k.held[id] = struct{}{}
	return true
}

// release frees the lock for id.
func (k *keyedLocks) release(id uuid.UUID) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.held, id)
}
