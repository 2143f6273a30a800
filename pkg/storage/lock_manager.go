package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/ovaladares/orca/pkg/domain"
)

// Lock is one handle of a named lock.
type Lock interface {
	// Lock blocks until the lock is held or ctx ends.
	Lock(ctx context.Context) error
	// TryLock makes a single acquisition attempt.
	TryLock(ctx context.Context) bool
	// Unlock releases the lock. It never fails; problems are logged.
	Unlock()
}

type LockManager interface {
	ReadLock(id string) Lock
	WriteLock(id string) Lock
	// Locks lists the write locks currently held.
	Locks() []domain.LockDescriptor
	Start(ctx context.Context) error
	Stop() error
}

// LocalLockManager provides locks that only exclude callers in this process.
type LocalLockManager struct {
	nodeID string
	locks  *LockMap
	held   map[string]domain.LockDescriptor

	mu sync.RWMutex
}

func NewLocalLockManager(nodeID string) *LocalLockManager {
	return &LocalLockManager{
		nodeID: nodeID,
		locks:  NewLockMap(),
		held:   make(map[string]domain.LockDescriptor),
	}
}

func (lm *LocalLockManager) ReadLock(id string) Lock {
	return &localLock{locks: lm.locks, id: id}
}

func (lm *LocalLockManager) WriteLock(id string) Lock {
	return &localLock{locks: lm.locks, id: id, write: true, tracker: lm}
}

func (lm *LocalLockManager) Locks() []domain.LockDescriptor {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	locks := make([]domain.LockDescriptor, 0, len(lm.held))
	for _, desc := range lm.held {
		locks = append(locks, desc)
	}

	domain.SortLocks(locks)

	return locks
}

func (lm *LocalLockManager) Start(context.Context) error {
	return nil
}

func (lm *LocalLockManager) Stop() error {
	return nil
}

func (lm *LocalLockManager) acquired(id string) domain.LockDescriptor {
	desc := domain.LockDescriptor{
		ID:       id,
		Type:     domain.WriteLock,
		Owner:    lm.nodeID,
		Instance: uuid.NewString(),
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.held[desc.Key()] = desc

	return desc
}

func (lm *LocalLockManager) released(desc domain.LockDescriptor) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	delete(lm.held, desc.Key())
}

// localLock is a handle on a LockMap entry. Write handles report to tracker
// when one is set.
type localLock struct {
	locks   *LockMap
	id      string
	write   bool
	tracker *LocalLockManager

	desc domain.LockDescriptor
	mu   sync.Mutex
}

func (l *localLock) Lock(ctx context.Context) error {
	var err error
	if l.write {
		err = l.locks.Lock(ctx, l.id)
	} else {
		err = l.locks.RLock(ctx, l.id)
	}

	if err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", l.id, err)
	}

	l.onAcquire()

	return nil
}

func (l *localLock) TryLock(context.Context) bool {
	var ok bool
	if l.write {
		ok = l.locks.TryLock(l.id)
	} else {
		ok = l.locks.TryRLock(l.id)
	}

	if ok {
		l.onAcquire()
	}

	return ok
}

func (l *localLock) Unlock() {
	if !l.write {
		l.locks.RUnlock(l.id)
		return
	}

	l.mu.Lock()
	desc := l.desc
	l.desc = domain.LockDescriptor{}
	l.mu.Unlock()

	if l.tracker != nil && desc.Instance != "" {
		l.tracker.released(desc)
	}

	l.locks.Unlock(l.id)
}

func (l *localLock) onAcquire() {
	if !l.write || l.tracker == nil {
		return
	}

	desc := l.tracker.acquired(l.id)

	l.mu.Lock()
	l.desc = desc
	l.mu.Unlock()
}
