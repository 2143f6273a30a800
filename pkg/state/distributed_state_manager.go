package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ovaladares/orca/pkg/discovery"
	"github.com/ovaladares/orca/pkg/dispatcher"
	"github.com/ovaladares/orca/pkg/domain"
)

// CrashHandler receives the interrupted invocations of a member that left the cluster.
type CrashHandler func(member string, log domain.Log)

// ActivationListener applies the active set changes made by other members.
type ActivationListener interface {
	RemoteActivated(member, id string)
	RemoteDeactivated(member, id string)
}

type transferredState struct {
	Known  bool                         `json:"known"`
	Active []string                     `json:"active"`
	Logs   map[string][]domain.LogEntry `json:"logs"`
}

// DistributedStateManager applies every mutation to a local state manager and
// then replays it on the other members. Peers keep the durability log of
// every member, so the coordinator can recover the invocations of a member
// that crashed.
type DistributedStateManager struct {
	local      StateManager
	dispatcher *dispatcher.Dispatcher[*DistributedStateManager]

	remote   map[string]domain.Log
	onCrash  CrashHandler
	listener ActivationListener
	mu       sync.Mutex

	logg *slog.Logger
}

func NewDistributedStateManager(local StateManager, clusterManager discovery.ClusterManager, dispatcherConf *dispatcher.Config, logg *slog.Logger) *DistributedStateManager {
	sm := &DistributedStateManager{
		local:  local,
		remote: make(map[string]domain.Log),
		logg:   logg.With("component", "distributed_state_manager"),
	}

	sm.dispatcher = dispatcher.New("state", clusterManager, sm, dispatcherConf, logg)

	sm.dispatcher.Register(ActivatedCommand, func() dispatcher.Command[*DistributedStateManager] { return &activated{} })
	sm.dispatcher.Register(DeactivatedCommand, func() dispatcher.Command[*DistributedStateManager] { return &deactivated{} })
	sm.dispatcher.Register(BeforeInvocationCommand, func() dispatcher.Command[*DistributedStateManager] { return &beforeInvocation{} })
	sm.dispatcher.Register(AfterInvocationCommand, func() dispatcher.Command[*DistributedStateManager] { return &afterInvocation{} })
	sm.dispatcher.Register(BeforeInvokerCommand, func() dispatcher.Command[*DistributedStateManager] { return &beforeInvoker{} })
	sm.dispatcher.Register(AfterInvokerCommand, func() dispatcher.Command[*DistributedStateManager] { return &afterInvoker{} })

	sm.dispatcher.AddMembershipListener(sm)
	sm.dispatcher.SetStateful(sm)

	return sm
}

// SetCrashHandler sets the function called, on the coordinator only, with the
// log of a member that left while invocations were in flight.
func (sm *DistributedStateManager) SetCrashHandler(handler CrashHandler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.onCrash = handler
}

// SetActivationListener sets the component applying activations received from other members.
func (sm *DistributedStateManager) SetActivationListener(listener ActivationListener) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.listener = listener
}

func (sm *DistributedStateManager) activationListener() ActivationListener {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return sm.listener
}

func (sm *DistributedStateManager) Start(ctx context.Context) error {
	if err := sm.local.Start(ctx); err != nil {
		return err
	}

	if err := sm.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start state dispatcher: %w", err)
	}

	return nil
}

func (sm *DistributedStateManager) Stop() error {
	if err := sm.dispatcher.Stop(); err != nil {
		return err
	}

	return sm.local.Stop()
}

func (sm *DistributedStateManager) ActiveDatabases() ([]string, bool) {
	return sm.local.ActiveDatabases()
}

// SetActiveDatabases replaces the active set on this member only. It seeds the
// set at bootstrap and when adopting transferred state; changes other members
// must see go through Activated and Deactivated.
func (sm *DistributedStateManager) SetActiveDatabases(ids []string) error {
	return sm.local.SetActiveDatabases(ids)
}

func (sm *DistributedStateManager) Activated(id string) error {
	if err := sm.local.Activated(id); err != nil {
		return err
	}

	sm.broadcast(&activated{Member: sm.dispatcher.Local(), Database: id})

	return nil
}

func (sm *DistributedStateManager) Deactivated(id string) error {
	if err := sm.local.Deactivated(id); err != nil {
		return err
	}

	sm.broadcast(&deactivated{Member: sm.dispatcher.Local(), Database: id})

	return nil
}

func (sm *DistributedStateManager) BeforeInvocation(event domain.InvocationEvent) error {
	if err := sm.local.BeforeInvocation(event); err != nil {
		return err
	}

	sm.broadcast(&beforeInvocation{Member: sm.dispatcher.Local(), Event: event})

	return nil
}

func (sm *DistributedStateManager) AfterInvocation(event domain.InvocationEvent) error {
	if err := sm.local.AfterInvocation(event); err != nil {
		return err
	}

	sm.broadcast(&afterInvocation{Member: sm.dispatcher.Local(), Event: event})

	return nil
}

func (sm *DistributedStateManager) BeforeInvoker(event domain.InvokerEvent) error {
	if err := sm.local.BeforeInvoker(event); err != nil {
		return err
	}

	sm.broadcast(&beforeInvoker{Member: sm.dispatcher.Local(), Event: event})

	return nil
}

func (sm *DistributedStateManager) AfterInvoker(event domain.InvokerEvent) error {
	if err := sm.local.AfterInvoker(event); err != nil {
		return err
	}

	sm.broadcast(&afterInvoker{Member: sm.dispatcher.Local(), Event: event})

	return nil
}

func (sm *DistributedStateManager) Recover() domain.Log {
	return sm.local.Recover()
}

// RemoteLog returns the in-flight invocations recorded for another member.
func (sm *DistributedStateManager) RemoteLog(member string) domain.Log {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return copyLog(sm.remote[member])
}

func (sm *DistributedStateManager) Added(string) {}

func (sm *DistributedStateManager) Removed(member string) {
	sm.mu.Lock()
	log := sm.remote[member]
	delete(sm.remote, member)
	handler := sm.onCrash
	sm.mu.Unlock()

	if len(log) == 0 || handler == nil {
		return
	}

	if coordinator, ok := sm.dispatcher.Coordinator(); !ok || coordinator != sm.dispatcher.Local() {
		return
	}

	sm.logg.Info("Recovering invocations of removed member", "member", member, "invocations", len(log))

	go handler(member, log)
}

func (sm *DistributedStateManager) WriteState() ([]byte, error) {
	active, known := sm.local.ActiveDatabases()

	state := transferredState{
		Known:  known,
		Active: active,
		Logs:   make(map[string][]domain.LogEntry),
	}

	if local := sm.local.Recover(); len(local) > 0 {
		state.Logs[sm.dispatcher.Local()] = local.Entries()
	}

	sm.mu.Lock()
	for member, log := range sm.remote {
		if len(log) > 0 {
			state.Logs[member] = log.Entries()
		}
	}
	sm.mu.Unlock()

	b, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}

	return b, nil
}

func (sm *DistributedStateManager) ReadState(b []byte) error {
	var state transferredState

	if err := json.Unmarshal(b, &state); err != nil {
		return fmt.Errorf("failed to unmarshal state: %w", err)
	}

	if state.Known {
		if err := sm.local.SetActiveDatabases(state.Active); err != nil {
			return fmt.Errorf("failed to store active databases: %w", err)
		}
	}

	local := sm.dispatcher.Local()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	for member, entries := range state.Logs {
		if member != local {
			sm.remote[member] = domain.NewLog(entries)
		}
	}

	return nil
}

func (sm *DistributedStateManager) recordRemote(member string, mutate func(domain.Log)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	log, ok := sm.remote[member]
	if !ok {
		log = make(domain.Log)
		sm.remote[member] = log
	}

	mutate(log)
}

func (sm *DistributedStateManager) recordRemoteInvoker(member string, event domain.InvokerEvent) error {
	var err error

	sm.recordRemote(member, func(log domain.Log) {
		invokers, ok := log[event.InvocationEvent]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownInvocation, event.InvocationEvent)
			return
		}

		invokers[event.DatabaseID] = event
	})

	return err
}

// broadcast replays a mutation on every other member. Members that miss it
// catch up through state transfer when they rejoin.
func (sm *DistributedStateManager) broadcast(cmd dispatcher.Command[*DistributedStateManager]) {
	ctx, cancel := context.WithTimeout(context.Background(), sm.dispatcher.Timeout())
	defer cancel()

	responses, err := sm.dispatcher.ExecuteAll(ctx, cmd, sm.dispatcher.Local())
	if err != nil {
		sm.logg.Warn("Failed to broadcast state change", "kind", cmd.Kind(), "error", err)
		return
	}

	for member, resp := range responses {
		if err := resp.Get(nil); err != nil {
			sm.logg.Warn("Member rejected state change", "kind", cmd.Kind(), "member", member, "error", err)
		}
	}
}

func copyLog(log domain.Log) domain.Log {
	copied := make(domain.Log, len(log))

	for event, invokers := range log {
		inner := make(map[string]domain.InvokerEvent, len(invokers))
		for id, invoker := range invokers {
			inner[id] = invoker
		}

		copied[event] = inner
	}

	return copied
}
