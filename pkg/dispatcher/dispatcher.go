package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ovaladares/orca/pkg/discovery"
)

// DefaultTimeout bounds a command when the caller's context has no deadline.
const DefaultTimeout = 5 * time.Second

// Config contains the parameters of a Dispatcher.
type Config struct {
	// Timeout bounds Execute and ExecuteAll when the context has no deadline,
	// and the state transfer performed by Start.
	Timeout time.Duration
}

// MembershipListener is notified once per member entering or leaving the view.
type MembershipListener interface {
	Added(member string)
	Removed(member string)
}

// Stateful is implemented by components owning distributed state that a
// joining member must copy from an existing one before becoming operational.
type Stateful interface {
	WriteState() ([]byte, error)
	ReadState(state []byte) error
}

// Dispatcher runs commands of one service on cluster members.
// Every member runs a Dispatcher with the same service name and a context C
// the commands are executed against.
type Dispatcher[C any] struct {
	service        string
	clusterManager discovery.ClusterManager
	target         C
	timeout        time.Duration
	logg           *slog.Logger

	commands  map[string]func() Command[C]
	listeners []MembershipListener
	stateful  Stateful
	mu        sync.RWMutex

	// viewMu serializes view refreshes so listeners see transitions in order
	viewMu  sync.Mutex
	view    []string
	started bool
}

// New creates a Dispatcher for service, executing commands against target.
func New[C any](service string, clusterManager discovery.ClusterManager, target C, conf *Config, logg *slog.Logger) *Dispatcher[C] {
	timeout := DefaultTimeout
	if conf != nil && conf.Timeout > 0 {
		timeout = conf.Timeout
	}

	return &Dispatcher[C]{
		service:        service,
		clusterManager: clusterManager,
		target:         target,
		timeout:        timeout,
		commands:       make(map[string]func() Command[C]),
		logg:           logg.With("component", "dispatcher", "service", service),
	}
}

// Register declares a command kind this dispatcher can decode.
// factory must return a pointer to a fresh command value.
func (d *Dispatcher[C]) Register(kind string, factory func() Command[C]) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.commands[kind] = factory
}

func (d *Dispatcher[C]) AddMembershipListener(listener MembershipListener) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.listeners = append(d.listeners, listener)
}

// SetStateful sets the component whose state is transferred to joining members.
func (d *Dispatcher[C]) SetStateful(stateful Stateful) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stateful = stateful
}

func (d *Dispatcher[C]) Timeout() time.Duration {
	return d.timeout
}

// Start registers the dispatcher on the cluster manager, which must already be
// connected, records the current view and copies distributed state from an
// existing member.
func (d *Dispatcher[C]) Start(ctx context.Context) error {
	if err := d.clusterManager.RegisterQueryHandler(d.commandQuery(), d.handleCommand); err != nil {
		return fmt.Errorf("failed to register command handler: %w", err)
	}

	if err := d.clusterManager.RegisterQueryHandler(d.stateQuery(), d.handleStateRequest); err != nil {
		return fmt.Errorf("failed to register state handler: %w", err)
	}

	if err := d.clusterManager.RegisterEventHandler(d.handleEvent); err != nil {
		return fmt.Errorf("failed to register event handler: %w", err)
	}

	members, err := d.clusterManager.GetMembers()
	if err != nil {
		return fmt.Errorf("failed to get members: %w", err)
	}

	d.viewMu.Lock()
	d.view = discovery.NodeIDs(members)
	d.started = true
	d.viewMu.Unlock()

	d.logg.Debug("Dispatcher started", "node_id", d.Local(), "view", d.view)

	d.mu.RLock()
	stateful := d.stateful
	d.mu.RUnlock()

	if stateful != nil {
		d.transferState(ctx, stateful)
	}

	return nil
}

// Stop stops delivering membership changes. Commands keep being answered
// until the cluster manager disconnects.
func (d *Dispatcher[C]) Stop() error {
	d.viewMu.Lock()
	defer d.viewMu.Unlock()

	d.started = false

	return nil
}

func (d *Dispatcher[C]) Local() string {
	return d.clusterManager.GetNodeID()
}

// Members returns the node IDs of the current view, coordinator first.
func (d *Dispatcher[C]) Members() []string {
	members, err := d.clusterManager.GetMembers()
	if err != nil {
		d.logg.Warn("Failed to get members", "error", err)
		return nil
	}

	return discovery.NodeIDs(members)
}

// Coordinator returns the first member of the current view.
// It returns false when the view is empty.
func (d *Dispatcher[C]) Coordinator() (string, bool) {
	members := d.Members()
	if len(members) == 0 {
		return "", false
	}

	return members[0], true
}

// Execute runs cmd on target. A returned error is a communication failure and
// leaves the outcome unknown; an error raised by the command is in Response.Err.
func (d *Dispatcher[C]) Execute(ctx context.Context, cmd Command[C], target string) (*Response, error) {
	if target == d.Local() {
		return d.executeLocal(ctx, cmd), nil
	}

	payload, err := encodeRequest(d.Local(), cmd)
	if err != nil {
		return nil, err
	}

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	answers, err := d.clusterManager.Query(ctx, d.commandQuery(), payload, []string{target})
	if err != nil {
		return nil, fmt.Errorf("failed to execute %s on %s: %w", cmd.Kind(), target, err)
	}

	answer, ok := answers[target]
	if !ok {
		return nil, fmt.Errorf("failed to execute %s on %s: %w", cmd.Kind(), target, ErrNoResponse)
	}

	return decodeResponse(target, answer), nil
}

// ExecuteAll runs cmd on every member of the current view except excluded.
// Members that did not answer in time are absent from the result.
func (d *Dispatcher[C]) ExecuteAll(ctx context.Context, cmd Command[C], excluded ...string) (map[string]*Response, error) {
	skip := make(map[string]bool, len(excluded))
	for _, member := range excluded {
		skip[member] = true
	}

	local := d.Local()
	includeLocal := false
	targets := make([]string, 0)

	for _, member := range d.Members() {
		if skip[member] {
			continue
		}

		if member == local {
			includeLocal = true
			continue
		}

		targets = append(targets, member)
	}

	results := make(map[string]*Response, len(targets)+1)

	if len(targets) > 0 {
		payload, err := encodeRequest(local, cmd)
		if err != nil {
			return nil, err
		}

		ctx, cancel := d.withTimeout(ctx)
		defer cancel()

		answers, err := d.clusterManager.Query(ctx, d.commandQuery(), payload, targets)
		if err != nil {
			return nil, fmt.Errorf("failed to execute %s on cluster: %w", cmd.Kind(), err)
		}

		for member, answer := range answers {
			results[member] = decodeResponse(member, answer)
		}
	}

	if includeLocal {
		results[local] = d.executeLocal(ctx, cmd)
	}

	return results, nil
}

func (d *Dispatcher[C]) executeLocal(ctx context.Context, cmd Command[C]) *Response {
	result, err := cmd.Execute(ctx, d.target)

	payload, err := encodeResponse(result, err)
	if err != nil {
		return &Response{Member: d.Local(), Err: fmt.Errorf("failed to encode response: %w", err)}
	}

	return decodeResponse(d.Local(), payload)
}

func (d *Dispatcher[C]) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, d.timeout)
}

func (d *Dispatcher[C]) commandQuery() string {
	return "orca." + d.service
}

func (d *Dispatcher[C]) stateQuery() string {
	return "orca." + d.service + ".state"
}

func (d *Dispatcher[C]) handleCommand(payload []byte) ([]byte, error) {
	var req request

	if err := json.Unmarshal(payload, &req); err != nil {
		d.logg.Error("Failed to unmarshal command", "error", err)
		return encodeResponse(nil, fmt.Errorf("failed to unmarshal command: %w", err))
	}

	d.mu.RLock()
	factory, ok := d.commands[req.Kind]
	d.mu.RUnlock()

	if !ok {
		d.logg.Warn("Unknown command kind", "kind", req.Kind, "from", req.From)
		return encodeResponse(nil, fmt.Errorf("%w: %s", ErrUnknownCommand, req.Kind))
	}

	cmd := factory()

	if err := json.Unmarshal(req.Body, cmd); err != nil {
		d.logg.Error("Failed to unmarshal command body", "kind", req.Kind, "error", err)
		return encodeResponse(nil, fmt.Errorf("failed to unmarshal %s command: %w", req.Kind, err))
	}

	d.logg.Debug("Executing command", "kind", req.Kind, "from", req.From)

	return encodeResponse(cmd.Execute(context.Background(), d.target))
}

func (d *Dispatcher[C]) handleStateRequest(payload []byte) ([]byte, error) {
	d.mu.RLock()
	stateful := d.stateful
	d.mu.RUnlock()

	if stateful == nil {
		return nil, fmt.Errorf("service %s has no state", d.service)
	}

	d.logg.Debug("Sending state", "to", string(payload))

	return stateful.WriteState()
}

func (d *Dispatcher[C]) transferState(ctx context.Context, stateful Stateful) {
	local := d.Local()

	for _, member := range d.Members() {
		if member == local {
			continue
		}

		queryCtx, cancel := d.withTimeout(ctx)
		answers, err := d.clusterManager.Query(queryCtx, d.stateQuery(), []byte(local), []string{member})
		cancel()

		if err != nil {
			d.logg.Warn("Failed to request state", "member", member, "error", err)
			continue
		}

		state, ok := answers[member]
		if !ok {
			d.logg.Warn("No state received", "member", member)
			continue
		}

		if err := stateful.ReadState(state); err != nil {
			d.logg.Warn("Failed to read state", "member", member, "error", err)
			continue
		}

		d.logg.Info("State received", "member", member)

		return
	}

	d.logg.Debug("No member provided state, starting empty")
}

func (d *Dispatcher[C]) handleEvent(event *discovery.ClusterEvent) {
	if event == nil || !event.IsMembershipEvent() {
		return
	}

	d.refreshView()
}

func (d *Dispatcher[C]) refreshView() {
	d.viewMu.Lock()
	defer d.viewMu.Unlock()

	if !d.started {
		return
	}

	members, err := d.clusterManager.GetMembers()
	if err != nil {
		d.logg.Error("Failed to refresh view", "error", err)
		return
	}

	view := discovery.NodeIDs(members)
	added, removed := diff(d.view, view)
	d.view = view

	d.mu.RLock()
	listeners := append([]MembershipListener(nil), d.listeners...)
	d.mu.RUnlock()

	for _, member := range removed {
		d.logg.Info("Member removed", "member", member)

		for _, listener := range listeners {
			listener.Removed(member)
		}
	}

	for _, member := range added {
		d.logg.Info("Member added", "member", member)

		for _, listener := range listeners {
			listener.Added(member)
		}
	}
}

func diff(previous, current []string) (added, removed []string) {
	before := make(map[string]bool, len(previous))
	for _, member := range previous {
		before[member] = true
	}

	after := make(map[string]bool, len(current))
	for _, member := range current {
		after[member] = true

		if !before[member] {
			added = append(added, member)
		}
	}

	for _, member := range previous {
		if !after[member] {
			removed = append(removed, member)
		}
	}

	return added, removed
}
