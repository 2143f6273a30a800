package storage

import (
	"context"
	"sync"
)

type lockState struct {
	readers int
	writer  bool
}

// LockMap holds local read/write locks keyed by name. Locks are not bound to
// the goroutine that took them, so a command can release a lock taken by
// another one.
type LockMap struct {
	locks   map[string]*lockState
	changed chan struct{}
	mu      sync.Mutex
}

func NewLockMap() *LockMap {
	return &LockMap{
		locks:   make(map[string]*lockState),
		changed: make(chan struct{}),
	}
}

// Lock takes the write lock on key, waiting until it is free or ctx ends.
func (m *LockMap) Lock(ctx context.Context, key string) error {
	return m.wait(ctx, func() bool { return m.tryLockLocked(key) })
}

func (m *LockMap) TryLock(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.tryLockLocked(key)
}

// Unlock releases the write lock on key. Unlocking a free key does nothing.
func (m *LockMap) Unlock(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.locks[key]
	if !ok || !state.writer {
		return
	}

	state.writer = false
	m.releaseLocked(key, state)
}

// RLock takes a read lock on key, waiting until no writer holds it or ctx ends.
func (m *LockMap) RLock(ctx context.Context, key string) error {
	return m.wait(ctx, func() bool { return m.tryRLockLocked(key) })
}

func (m *LockMap) TryRLock(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.tryRLockLocked(key)
}

func (m *LockMap) RUnlock(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.locks[key]
	if !ok || state.readers == 0 {
		return
	}

	state.readers--
	m.releaseLocked(key, state)
}

// IsLocked reports whether key is write locked.
func (m *LockMap) IsLocked(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.locks[key]

	return ok && state.writer
}

func (m *LockMap) wait(ctx context.Context, try func() bool) error {
	for {
		m.mu.Lock()
		if try() {
			m.mu.Unlock()
			return nil
		}
		changed := m.changed
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func (m *LockMap) tryLockLocked(key string) bool {
	state, ok := m.locks[key]
	if !ok {
		m.locks[key] = &lockState{writer: true}
		return true
	}

	if state.writer || state.readers > 0 {
		return false
	}

	state.writer = true

	return true
}

func (m *LockMap) tryRLockLocked(key string) bool {
	state, ok := m.locks[key]
	if !ok {
		m.locks[key] = &lockState{readers: 1}
		return true
	}

	if state.writer {
		return false
	}

	state.readers++

	return true
}

func (m *LockMap) releaseLocked(key string, state *lockState) {
	if !state.writer && state.readers == 0 {
		delete(m.locks, key)
	}

	close(m.changed)
	m.changed = make(chan struct{})
}
