package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ovaladares/orca/pkg/discovery"
	"github.com/ovaladares/orca/pkg/dispatcher"
	"github.com/ovaladares/orca/pkg/domain"
	"golang.org/x/exp/slices"
)

const (
	DefaultAcquireTimeout = time.Second
	DefaultMinBackoff     = time.Millisecond
	DefaultMaxBackoff     = 100 * time.Millisecond

	// how long a release for an instance that was never taken is remembered
	tombstoneTTL = time.Minute
)

type DistributedLockConfig struct {
	// AcquireTimeout bounds how long a member waits for its local instance
	// before refusing a grant. It must stay well below the dispatcher timeout,
	// otherwise grants arrive after the requester gave up.
	AcquireTimeout time.Duration
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
}

// lockTable maps owner to lock key to descriptor. It is never mutated in place.
type lockTable map[string]map[string]domain.LockDescriptor

// DistributedLockManager provides write locks that exclude every member of the
// cluster. Read locks only exclude local callers.
type DistributedLockManager struct {
	dispatcher *dispatcher.Dispatcher[*DistributedLockManager]
	locks      *LockMap

	table    atomic.Pointer[lockTable]
	released map[string]time.Time
	tableMu  sync.Mutex

	acquireTimeout time.Duration
	minBackoff     time.Duration
	maxBackoff     time.Duration

	logg *slog.Logger
}

func NewDistributedLockManager(clusterManager discovery.ClusterManager, conf *DistributedLockConfig, dispatcherConf *dispatcher.Config, logg *slog.Logger) *DistributedLockManager {
	lm := &DistributedLockManager{
		locks:          NewLockMap(),
		released:       make(map[string]time.Time),
		acquireTimeout: DefaultAcquireTimeout,
		minBackoff:     DefaultMinBackoff,
		maxBackoff:     DefaultMaxBackoff,
		logg:           logg.With("component", "distributed_lock_manager"),
	}

	if conf != nil {
		if conf.AcquireTimeout > 0 {
			lm.acquireTimeout = conf.AcquireTimeout
		}

		if conf.MinBackoff > 0 {
			lm.minBackoff = conf.MinBackoff
		}

		if conf.MaxBackoff > 0 {
			lm.maxBackoff = conf.MaxBackoff
		}
	}

	lm.maxBackoff = max(lm.maxBackoff, lm.minBackoff)

	empty := lockTable{}
	lm.table.Store(&empty)

	lm.dispatcher = dispatcher.New("lock", clusterManager, lm, dispatcherConf, logg)
	lm.dispatcher.Register(CoordinatorAcquireLockCommand, func() dispatcher.Command[*DistributedLockManager] {
		return &coordinatorAcquireLock{}
	})
	lm.dispatcher.Register(MemberAcquireLockCommand, func() dispatcher.Command[*DistributedLockManager] {
		return &memberAcquireLock{}
	})
	lm.dispatcher.Register(ReleaseLockCommand, func() dispatcher.Command[*DistributedLockManager] {
		return &releaseLock{}
	})
	lm.dispatcher.AddMembershipListener(lm)
	lm.dispatcher.SetStateful(lm)

	// the coordinator waits for its own instance, then for the members
	if limit := lm.dispatcher.Timeout() / 4; 3*lm.acquireTimeout >= lm.dispatcher.Timeout() {
		lm.logg.Warn("Acquire timeout too close to dispatcher timeout, lowering it",
			"acquire_timeout", lm.acquireTimeout, "dispatcher_timeout", lm.dispatcher.Timeout(), "new_acquire_timeout", limit)

		lm.acquireTimeout = limit
	}

	return lm
}

func (lm *DistributedLockManager) Start(ctx context.Context) error {
	if err := lm.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start lock dispatcher: %w", err)
	}

	return nil
}

func (lm *DistributedLockManager) Stop() error {
	return lm.dispatcher.Stop()
}

func (lm *DistributedLockManager) ReadLock(id string) Lock {
	return &localLock{locks: lm.locks, id: id}
}

func (lm *DistributedLockManager) WriteLock(id string) Lock {
	return &distributedLock{manager: lm, id: id}
}

// Locks lists every write lock instance held on this member, remote owners included.
func (lm *DistributedLockManager) Locks() []domain.LockDescriptor {
	table := *lm.table.Load()

	locks := make([]domain.LockDescriptor, 0)
	for _, owned := range table {
		for _, desc := range owned {
			locks = append(locks, desc)
		}
	}

	domain.SortLocks(locks)

	return locks
}

func (lm *DistributedLockManager) Added(string) {}

// Removed force releases every lock held by a member that left the view.
func (lm *DistributedLockManager) Removed(member string) {
	lm.tableMu.Lock()
	defer lm.tableMu.Unlock()

	next, owned := lm.table.Load().withoutOwner(member)
	lm.table.Store(&next)

	for _, desc := range owned {
		lm.locks.Unlock(desc.ID)
		lm.logg.Info("Force released lock of removed member", "key", desc.ID, "node_id", member)
	}
}

func (lm *DistributedLockManager) WriteState() ([]byte, error) {
	b, err := json.Marshal(lm.Locks())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal locks: %w", err)
	}

	return b, nil
}

// ReadState takes a local instance of every lock held by another member.
func (lm *DistributedLockManager) ReadState(state []byte) error {
	var locks []domain.LockDescriptor

	if err := json.Unmarshal(state, &locks); err != nil {
		return fmt.Errorf("failed to unmarshal locks: %w", err)
	}

	local := lm.dispatcher.Local()

	for _, desc := range locks {
		if desc.Owner == local {
			continue
		}

		if !lm.acquireInstance(context.Background(), desc, false) {
			lm.logg.Warn("Failed to take transferred lock", "key", desc.ID, "node_id", desc.Owner)
		}
	}

	return nil
}

// attempt makes one cluster-wide acquisition of a new instance of id.
func (lm *DistributedLockManager) attempt(ctx context.Context, id string, blocking bool) (domain.LockDescriptor, bool) {
	desc := domain.LockDescriptor{
		ID:       id,
		Type:     domain.WriteLock,
		Owner:    lm.dispatcher.Local(),
		Instance: uuid.NewString(),
	}

	coordinator, ok := lm.dispatcher.Coordinator()
	if !ok {
		lm.logg.Debug("Empty view, cannot acquire lock", "key", id)
		return desc, false
	}

	granted := make(map[string]bool)
	refused := make(map[string]bool)

	if coordinator == desc.Owner {
		if !lm.acquireInstance(ctx, desc, blocking) {
			return desc, false
		}

		granted[desc.Owner] = true
		lm.collectGrants(ctx, desc, granted, refused, desc.Owner)
	} else {
		resp, err := lm.dispatcher.Execute(ctx, &coordinatorAcquireLock{Lock: desc}, coordinator)
		if err != nil {
			lm.logg.Debug("Coordinator did not answer", "key", id, "coordinator", coordinator, "error", err)
		} else {
			var members []string

			if err := resp.Get(&members); err != nil {
				lm.logg.Warn("Failed to read coordinator answer", "key", id, "coordinator", coordinator, "error", err)
			} else if len(members) == 0 {
				// the coordinator already released whatever it collected
				return desc, false
			}

			for _, member := range members {
				granted[member] = true
			}
		}

		if granted[coordinator] {
			acquireCtx, cancel := context.WithTimeout(ctx, lm.acquireTimeout)
			if lm.acquireInstance(acquireCtx, desc, true) {
				granted[desc.Owner] = true
			}
			cancel()
		}
	}

	if lm.quorum(granted) {
		lm.logg.Debug("Lock acquired", "key", id, "instance", desc.Instance)
		return desc, true
	}

	lm.releaseAll(desc, refused)

	return desc, false
}

// coordinatorAcquire runs on the coordinator for a requester that is not the
// coordinator. It returns the members that granted, or nothing after
// releasing every partial grant.
func (lm *DistributedLockManager) coordinatorAcquire(ctx context.Context, desc domain.LockDescriptor) []string {
	local := lm.dispatcher.Local()

	acquireCtx, cancel := context.WithTimeout(ctx, lm.acquireTimeout)
	defer cancel()

	if !lm.acquireInstance(acquireCtx, desc, true) {
		return []string{}
	}

	granted := map[string]bool{local: true}
	refused := map[string]bool{desc.Owner: true}

	collectCtx, cancelCollect := context.WithTimeout(ctx, 2*lm.acquireTimeout)
	lm.collectGrants(collectCtx, desc, granted, refused, local, desc.Owner)
	cancelCollect()

	members := make([]string, 0, len(granted))

	for _, member := range lm.dispatcher.Members() {
		if member == desc.Owner {
			continue
		}

		if !granted[member] {
			lm.logg.Debug("Member did not grant lock", "key", desc.ID, "member", member, "requester", desc.Owner)
			lm.releaseAll(desc, refused)

			return []string{}
		}

		members = append(members, member)
	}

	return members
}

func (lm *DistributedLockManager) memberAcquire(ctx context.Context, desc domain.LockDescriptor) bool {
	acquireCtx, cancel := context.WithTimeout(ctx, lm.acquireTimeout)
	defer cancel()

	return lm.acquireInstance(acquireCtx, desc, true)
}

func (lm *DistributedLockManager) collectGrants(ctx context.Context, desc domain.LockDescriptor, granted, refused map[string]bool, excluded ...string) {
	responses, err := lm.dispatcher.ExecuteAll(ctx, &memberAcquireLock{Lock: desc}, excluded...)
	if err != nil {
		lm.logg.Warn("Failed to request grants", "key", desc.ID, "error", err)
		return
	}

	for member, resp := range responses {
		var ok bool

		// an undecodable answer leaves the outcome unknown
		if err := resp.Get(&ok); err != nil {
			continue
		}

		if ok {
			granted[member] = true
		} else {
			refused[member] = true
		}
	}
}

// quorum reports whether every member of the current view granted.
func (lm *DistributedLockManager) quorum(granted map[string]bool) bool {
	members := lm.dispatcher.Members()
	if len(members) == 0 {
		return false
	}

	for _, member := range members {
		if !granted[member] {
			return false
		}
	}

	return true
}

// releaseAll releases desc on every member except those that explicitly
// refused it, then locally. Failures are logged.
func (lm *DistributedLockManager) releaseAll(desc domain.LockDescriptor, refused map[string]bool) {
	local := lm.dispatcher.Local()

	excluded := make([]string, 0, len(refused)+1)
	excluded = append(excluded, local)

	for member := range refused {
		excluded = append(excluded, member)
	}

	ctx, cancel := context.WithTimeout(context.Background(), lm.dispatcher.Timeout())
	defer cancel()

	targets := lm.dispatcher.Members()

	responses, err := lm.dispatcher.ExecuteAll(ctx, &releaseLock{Lock: desc}, excluded...)
	if err != nil {
		lm.logg.Warn("Failed to release lock on members", "key", desc.ID, "error", err)
	} else {
		lm.logUnreleased(desc, targets, excluded, responses)
	}

	lm.release(desc)
}

func (lm *DistributedLockManager) logUnreleased(desc domain.LockDescriptor, targets, excluded []string, responses map[string]*dispatcher.Response) {
	for _, member := range targets {
		if slices.Contains(excluded, member) {
			continue
		}

		resp, ok := responses[member]
		if !ok {
			lm.logg.Warn("Member did not answer lock release", "key", desc.ID, "instance", desc.Instance, "member", member)
			continue
		}

		if resp.Err != nil {
			lm.logg.Warn("Member failed to release lock", "key", desc.ID, "instance", desc.Instance, "member", member, "error", resp.Err)
		}
	}
}

// acquireInstance takes the local instance of desc and records it.
func (lm *DistributedLockManager) acquireInstance(ctx context.Context, desc domain.LockDescriptor, blocking bool) bool {
	if lm.table.Load().holds(desc) {
		return true
	}

	if blocking {
		if err := lm.locks.Lock(ctx, desc.ID); err != nil {
			return false
		}
	} else if !lm.locks.TryLock(desc.ID) {
		return false
	}

	lm.tableMu.Lock()
	defer lm.tableMu.Unlock()

	// released before it was taken, as happens when a grant arrives late
	if _, ok := lm.released[desc.Key()]; ok {
		delete(lm.released, desc.Key())
		lm.locks.Unlock(desc.ID)

		return false
	}

	next := lm.table.Load().with(desc)
	lm.table.Store(&next)

	return true
}

// release drops the local instance of desc. It reports whether it was held.
func (lm *DistributedLockManager) release(desc domain.LockDescriptor) bool {
	lm.tableMu.Lock()
	defer lm.tableMu.Unlock()

	next, ok := lm.table.Load().without(desc)
	if !ok {
		lm.tombstoneLocked(desc)
		return false
	}

	lm.table.Store(&next)
	lm.locks.Unlock(desc.ID)

	return true
}

func (lm *DistributedLockManager) tombstoneLocked(desc domain.LockDescriptor) {
	now := time.Now()

	for key, at := range lm.released {
		if now.Sub(at) > tombstoneTTL {
			delete(lm.released, key)
		}
	}

	lm.released[desc.Key()] = now
}

func (t lockTable) holds(desc domain.LockDescriptor) bool {
	_, ok := t[desc.Owner][desc.Key()]

	return ok
}

func (t lockTable) with(desc domain.LockDescriptor) lockTable {
	next := make(lockTable, len(t)+1)
	for owner, owned := range t {
		next[owner] = owned
	}

	owned := make(map[string]domain.LockDescriptor, len(t[desc.Owner])+1)
	for key, d := range t[desc.Owner] {
		owned[key] = d
	}

	owned[desc.Key()] = desc
	next[desc.Owner] = owned

	return next
}

func (t lockTable) without(desc domain.LockDescriptor) (lockTable, bool) {
	if !t.holds(desc) {
		return t, false
	}

	next := make(lockTable, len(t))
	for owner, owned := range t {
		next[owner] = owned
	}

	owned := make(map[string]domain.LockDescriptor, len(t[desc.Owner]))
	for key, d := range t[desc.Owner] {
		if key != desc.Key() {
			owned[key] = d
		}
	}

	if len(owned) == 0 {
		delete(next, desc.Owner)
	} else {
		next[desc.Owner] = owned
	}

	return next, true
}

func (t lockTable) withoutOwner(owner string) (lockTable, []domain.LockDescriptor) {
	owned, ok := t[owner]
	if !ok {
		return t, nil
	}

	next := make(lockTable, len(t))
	for o, locks := range t {
		if o != owner {
			next[o] = locks
		}
	}

	locks := make([]domain.LockDescriptor, 0, len(owned))
	for _, desc := range owned {
		locks = append(locks, desc)
	}

	return next, locks
}

// distributedLock is a write lock handle. Each acquisition mints a new instance.
type distributedLock struct {
	manager *DistributedLockManager
	id      string

	held *domain.LockDescriptor
	mu   sync.Mutex
}

func (l *distributedLock) Lock(ctx context.Context) error {
	backoff := l.manager.minBackoff

	for {
		if desc, ok := l.manager.attempt(ctx, l.id, true); ok {
			l.setHeld(desc)
			return nil
		}

		timer := time.NewTimer(backoff)

		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("failed to acquire lock %s: %w", l.id, ctx.Err())
		case <-timer.C:
		}

		backoff = min(backoff*10, l.manager.maxBackoff)
	}
}

func (l *distributedLock) TryLock(ctx context.Context) bool {
	desc, ok := l.manager.attempt(ctx, l.id, false)
	if ok {
		l.setHeld(desc)
	}

	return ok
}

func (l *distributedLock) Unlock() {
	l.mu.Lock()
	desc := l.held
	l.held = nil
	l.mu.Unlock()

	if desc == nil {
		l.manager.logg.Warn("Unlock of a lock that is not held", "key", l.id)
		return
	}

	l.manager.releaseAll(*desc, nil)
	l.manager.logg.Debug("Lock released", "key", l.id, "instance", desc.Instance)
}

func (l *distributedLock) setHeld(desc domain.LockDescriptor) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.held = &desc
}
