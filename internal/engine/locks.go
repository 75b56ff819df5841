package engine

import "sync"

// hashLocks serializes writes per content hash. Locks are reference counted
// and removed from the set once the last holder releases, so the set stays
// bounded by the number of in-flight operations rather than the number of
// hashes ever seen.
type hashLocks struct {
	mu    sync.Mutex
	locks map[string]*hashLock
}

type hashLock struct {
	mu   sync.Mutex
	refs int
}

func newHashLocks() *hashLocks {
	return &hashLocks{locks: make(map[string]*hashLock)}
}

// acquire blocks until the lock for hash is held and returns the release
// function.
func (h *hashLocks) acquire(hash string) (release func()) {
	h.mu.Lock()
	l, ok := h.locks[hash]
	if !ok {
		l = &hashLock{}
		h.locks[hash] = l
	}
	l.refs++
	h.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		h.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(h.locks, hash)
		}
		h.mu.Unlock()
	}
}
