// Package keyed provides per-key mutual exclusion so operations on
// independent keys proceed without contention.
package keyed

import "sync"

// Mutex hands out a lock per key. Locks are created on first use and
// reclaimed once no goroutine holds or waits on them.
type Mutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// NewMutex constructs an empty keyed mutex.
func NewMutex() *Mutex {
	return &Mutex{locks: make(map[string]*entry)}
}

// Lock acquires the lock for the key, blocking until it is available.
func (m *Mutex) Lock(key string) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the lock for the key. Unlocking a key that is not held
// panics, mirroring sync.Mutex semantics.
func (m *Mutex) Unlock(key string) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		m.mu.Unlock()
		panic("keyed: unlock of unheld key " + key)
	}
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()

	e.mu.Unlock()
}

// Len reports how many keys currently have a live lock entry. Primarily for
// testing.
func (m *Mutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
