package balancer

import (
	"sync"
	"sync/atomic"

	"github.com/ovaladares/orca/pkg/domain"
)

// Balancer holds the active databases of a cluster and picks the one serving
// the next call. Readers never block and always see a complete set.
type Balancer interface {
	// Next returns the database that should serve the next call.
	// It returns false when no database can be selected.
	Next() (*domain.Database, bool)
	Contains(db *domain.Database) bool
	// Add and Remove report whether the set changed.
	Add(db *domain.Database) bool
	Remove(db *domain.Database) bool
	Clear()
	// All returns the active databases ordered by ID.
	All() []*domain.Database
	Size() int
	BeforeInvocation(db *domain.Database)
	AfterInvocation(db *domain.Database)
}

// Factory creates a balancer over an initial set of databases.
type Factory func(databases []*domain.Database) Balancer

// snapshot is an immutable view of the set plus the policy state derived from it.
type snapshot[S any] struct {
	databases []*domain.Database
	ids       map[string]struct{}
	state     S
}

// base implements the set operations shared by every policy. Each mutation
// builds a new snapshot under mu and swaps it in.
type base[S any] struct {
	current atomic.Pointer[snapshot[S]]
	build   func(databases []*domain.Database, previous S) S
	mu      sync.Mutex
}

func newBase[S any](databases []*domain.Database, build func([]*domain.Database, S) S) *base[S] {
	b := &base[S]{build: build}

	initial := make([]*domain.Database, 0, len(databases))
	seen := make(map[string]struct{}, len(databases))

	for _, db := range databases {
		if _, ok := seen[db.ID]; ok {
			continue
		}

		seen[db.ID] = struct{}{}
		initial = append(initial, db)
	}

	var zero S
	b.swap(initial, zero)

	return b
}

func (b *base[S]) load() *snapshot[S] {
	return b.current.Load()
}

func (b *base[S]) swap(databases []*domain.Database, previous S) {
	domain.SortDatabases(databases)

	ids := make(map[string]struct{}, len(databases))
	for _, db := range databases {
		ids[db.ID] = struct{}{}
	}

	b.current.Store(&snapshot[S]{
		databases: databases,
		ids:       ids,
		state:     b.build(databases, previous),
	})
}

func (b *base[S]) Contains(db *domain.Database) bool {
	_, ok := b.load().ids[db.ID]

	return ok
}

func (b *base[S]) All() []*domain.Database {
	databases := b.load().databases

	all := make([]*domain.Database, len(databases))
	copy(all, databases)

	return all
}

func (b *base[S]) Size() int {
	return len(b.load().databases)
}

func (b *base[S]) Add(db *domain.Database) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.load()
	if _, ok := current.ids[db.ID]; ok {
		return false
	}

	next := make([]*domain.Database, 0, len(current.databases)+1)
	next = append(next, current.databases...)
	next = append(next, db)

	b.swap(next, current.state)

	return true
}

func (b *base[S]) Remove(db *domain.Database) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.load()
	if _, ok := current.ids[db.ID]; !ok {
		return false
	}

	next := make([]*domain.Database, 0, len(current.databases)-1)
	for _, d := range current.databases {
		if d.ID != db.ID {
			next = append(next, d)
		}
	}

	b.swap(next, current.state)

	return true
}

func (b *base[S]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.swap(nil, b.load().state)
}

func (b *base[S]) BeforeInvocation(*domain.Database) {}

func (b *base[S]) AfterInvocation(*domain.Database) {}
