package invocation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ovaladares/orca/pkg/domain"
)

type Entry[T any] struct {
	Database *domain.Database
	Object   T
}

// Handles keeps one object per database, opened on first use.
type Handles[T any] struct {
	open  func(ctx context.Context, db *domain.Database) (T, error)
	close func(db *domain.Database, object T) error

	current atomic.Pointer[map[string]Entry[T]]
	mu      sync.Mutex
}

func NewHandles[T any](open func(ctx context.Context, db *domain.Database) (T, error), closer func(db *domain.Database, object T) error) *Handles[T] {
	h := &Handles[T]{open: open, close: closer}

	empty := map[string]Entry[T]{}
	h.current.Store(&empty)

	return h
}

// Get returns the object of db, opening it if needed.
func (h *Handles[T]) Get(ctx context.Context, db *domain.Database) (T, error) {
	if entry, ok := (*h.current.Load())[db.ID]; ok {
		return entry.Object, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	current := *h.current.Load()
	if entry, ok := current[db.ID]; ok {
		return entry.Object, nil
	}

	object, err := h.open(ctx, db)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("failed to open %s: %w", db.ID, err)
	}

	next := make(map[string]Entry[T], len(current)+1)
	for id, entry := range current {
		next[id] = entry
	}

	next[db.ID] = Entry[T]{Database: db, Object: object}
	h.current.Store(&next)

	return object, nil
}

// Existing lists the opened objects ordered by database ID.
func (h *Handles[T]) Existing() []Entry[T] {
	current := *h.current.Load()

	databases := make([]*domain.Database, 0, len(current))
	for _, entry := range current {
		databases = append(databases, entry.Database)
	}

	domain.SortDatabases(databases)

	entries := make([]Entry[T], len(databases))
	for i, db := range databases {
		entries[i] = current[db.ID]
	}

	return entries
}

// Close closes and forgets the object of db, if any.
func (h *Handles[T]) Close(db *domain.Database) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	current := *h.current.Load()

	entry, ok := current[db.ID]
	if !ok {
		return nil
	}

	next := make(map[string]Entry[T], len(current))
	for id, e := range current {
		if id != db.ID {
			next[id] = e
		}
	}

	h.current.Store(&next)

	return h.closeEntry(entry)
}

func (h *Handles[T]) CloseAll() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	current := *h.current.Load()

	empty := map[string]Entry[T]{}
	h.current.Store(&empty)

	var errs []error
	for _, entry := range current {
		if err := h.closeEntry(entry); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (h *Handles[T]) closeEntry(entry Entry[T]) error {
	if h.close == nil {
		return nil
	}

	if err := h.close(entry.Database, entry.Object); err != nil {
		return fmt.Errorf("failed to close %s: %w", entry.Database.ID, err)
	}

	return nil
}
