package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ovaladares/orca/pkg/domain"
	"github.com/zhangyunhao116/skipmap"
)

type stateFile struct {
	Known       bool              `json:"known"`
	Active      []string          `json:"active"`
	Invocations []domain.LogEntry `json:"invocations"`
}

// LocalStateManager keeps the state of this node in a JSON file.
// An empty path keeps it in memory only.
type LocalStateManager struct {
	path string

	active      map[string]struct{}
	known       bool
	invocations *skipmap.FuncMap[domain.InvocationEvent, map[string]domain.InvokerEvent]

	// mu serializes mutations with the file write that persists them
	mu   sync.Mutex
	logg *slog.Logger
}

func NewLocalStateManager(path string, logg *slog.Logger) *LocalStateManager {
	return &LocalStateManager{
		path:        path,
		active:      make(map[string]struct{}),
		invocations: skipmap.NewFunc[domain.InvocationEvent, map[string]domain.InvokerEvent](lessEvent),
		logg:        logg.With("component", "local_state_manager"),
	}
}

// Start loads the state file, if any.
func (sm *LocalStateManager) Start(context.Context) error {
	if sm.path == "" {
		return nil
	}

	b, err := os.ReadFile(sm.path)
	if errors.Is(err, os.ErrNotExist) {
		sm.logg.Info("No state file, starting empty", "path", sm.path)
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var file stateFile
	if err := json.Unmarshal(b, &file); err != nil {
		return fmt.Errorf("failed to unmarshal state file: %w", err)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.known = file.Known
	sm.active = make(map[string]struct{}, len(file.Active))

	for _, id := range file.Active {
		sm.active[id] = struct{}{}
	}

	for event, invokers := range domain.NewLog(file.Invocations) {
		sm.invocations.Store(event, invokers)
	}

	sm.logg.Info("State loaded", "path", sm.path, "active", len(sm.active), "in_flight", sm.invocations.Len())

	return nil
}

func (sm *LocalStateManager) Stop() error {
	return nil
}

func (sm *LocalStateManager) ActiveDatabases() ([]string, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return sm.activeLocked(), sm.known
}

func (sm *LocalStateManager) SetActiveDatabases(ids []string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.known = true
	sm.active = make(map[string]struct{}, len(ids))

	for _, id := range ids {
		sm.active[id] = struct{}{}
	}

	return sm.persistLocked()
}

func (sm *LocalStateManager) Activated(id string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.known = true
	sm.active[id] = struct{}{}

	return sm.persistLocked()
}

func (sm *LocalStateManager) Deactivated(id string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.known = true
	delete(sm.active, id)

	return sm.persistLocked()
}

func (sm *LocalStateManager) BeforeInvocation(event domain.InvocationEvent) error {
	if !event.Phase.Valid() {
		return fmt.Errorf("%w: invalid phase %q", ErrPhaseOrder, event.Phase)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.invocations.Load(event); ok {
		return nil
	}

	if prev := sm.inFlightLocked(event.TransactionID); prev != "" && !event.Phase.Follows(prev) {
		return fmt.Errorf("%w: %s cannot follow %s for %s", ErrPhaseOrder, event.Phase, prev, event.TransactionID)
	}

	sm.invocations.Store(event, map[string]domain.InvokerEvent{})

	return sm.persistLocked()
}

func (sm *LocalStateManager) AfterInvocation(event domain.InvocationEvent) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.invocations.Load(event); !ok {
		return nil
	}

	sm.invocations.Delete(event)

	return sm.persistLocked()
}

func (sm *LocalStateManager) BeforeInvoker(event domain.InvokerEvent) error {
	event.Result = nil

	return sm.storeInvoker(event)
}

func (sm *LocalStateManager) AfterInvoker(event domain.InvokerEvent) error {
	return sm.storeInvoker(event)
}

func (sm *LocalStateManager) storeInvoker(event domain.InvokerEvent) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	invokers, ok := sm.invocations.Load(event.InvocationEvent)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInvocation, event.InvocationEvent)
	}

	next := make(map[string]domain.InvokerEvent, len(invokers)+1)
	for id, invoker := range invokers {
		next[id] = invoker
	}

	next[event.DatabaseID] = event
	sm.invocations.Store(event.InvocationEvent, next)

	return sm.persistLocked()
}

func (sm *LocalStateManager) Recover() domain.Log {
	log := make(domain.Log)

	sm.invocations.Range(func(event domain.InvocationEvent, invokers map[string]domain.InvokerEvent) bool {
		log[event] = invokers
		return true
	})

	return log
}

// inFlightLocked returns the latest phase in flight for a transaction.
func (sm *LocalStateManager) inFlightLocked(transactionID string) domain.Phase {
	var latest domain.Phase

	for _, phase := range []domain.Phase{domain.PhasePrepare, domain.PhaseCommit, domain.PhaseRollback, domain.PhaseForget} {
		if _, ok := sm.invocations.Load(domain.InvocationEvent{TransactionID: transactionID, Phase: phase}); ok && rank(phase) > rank(latest) {
			latest = phase
		}
	}

	return latest
}

func (sm *LocalStateManager) activeLocked() []string {
	ids := make([]string, 0, len(sm.active))
	for id := range sm.active {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// persistLocked writes the state next to the target file and renames it over,
// so a crash never leaves a truncated file.
func (sm *LocalStateManager) persistLocked() error {
	if sm.path == "" {
		return nil
	}

	file := stateFile{
		Known:       sm.known,
		Active:      sm.activeLocked(),
		Invocations: sm.Recover().Entries(),
	}

	b, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(sm.path), filepath.Base(sm.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create state file: %w", err)
	}

	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync state file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close state file: %w", err)
	}

	if err := os.Rename(tmp.Name(), sm.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	return nil
}
