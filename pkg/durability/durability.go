package durability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ovaladares/orca/pkg/domain"
)

var ErrNoResolver = errors.New("no resolver configured")

type Granularity string

const (
	// None records nothing and recovers nothing.
	None Granularity = "none"
	// Coarse records cluster-wide invocations only.
	Coarse Granularity = "coarse"
	// Fine also records the outcome of every database.
	Fine Granularity = "fine"
)

// Listener records durability events. State managers implement it.
type Listener interface {
	BeforeInvocation(event domain.InvocationEvent) error
	AfterInvocation(event domain.InvocationEvent) error
	BeforeInvoker(event domain.InvokerEvent) error
	AfterInvoker(event domain.InvokerEvent) error
}

// Resolver re-applies a phase of a transaction on one database.
// Implementations must tolerate the phase having already been applied.
type Resolver interface {
	Resolve(ctx context.Context, db *domain.Database, transactionID string, phase domain.Phase) error
}

// Recovery is the outcome of recovering one interrupted invocation.
type Recovery struct {
	Event domain.InvocationEvent
	// Outcomes holds the captured results, trusted and never re-applied.
	Outcomes map[string]*domain.InvokerResult
	// Replayed lists the databases the phase was re-applied on.
	Replayed []string
	Failed   map[string]error
}

func (r *Recovery) Complete() bool {
	return len(r.Failed) == 0
}

type Durability interface {
	Granularity() Granularity
	// Invocation records the start of event. The returned function records its end.
	Invocation(event domain.InvocationEvent) (func(), error)
	// Invoker records the start of event. The returned function records the outcome.
	Invoker(event domain.InvokerEvent) (func(result any, err error), error)
	// Recover settles the interrupted invocations of log on the active databases.
	Recover(ctx context.Context, log domain.Log, active []*domain.Database, resolver Resolver, classifier domain.FailureClassifier) ([]Recovery, error)
}

type durability struct {
	granularity Granularity
	listener    Listener
	logg        *slog.Logger
}

func New(granularity Granularity, listener Listener, logg *slog.Logger) (Durability, error) {
	switch granularity {
	case None, "":
		return NewNone(), nil
	case Coarse:
		return NewCoarse(listener, logg), nil
	case Fine:
		return NewFine(listener, logg), nil
	default:
		return nil, fmt.Errorf("unknown durability granularity: %s", granularity)
	}
}

func NewNone() Durability {
	return &durability{granularity: None, logg: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func NewCoarse(listener Listener, logg *slog.Logger) Durability {
	return &durability{granularity: Coarse, listener: listener, logg: logg.With("component", "durability")}
}

func NewFine(listener Listener, logg *slog.Logger) Durability {
	return &durability{granularity: Fine, listener: listener, logg: logg.With("component", "durability")}
}

func (d *durability) Granularity() Granularity {
	return d.granularity
}

func (d *durability) Invocation(event domain.InvocationEvent) (func(), error) {
	if d.granularity == None {
		return func() {}, nil
	}

	if err := d.listener.BeforeInvocation(event); err != nil {
		return nil, fmt.Errorf("failed to record invocation %s: %w", event, err)
	}

	return func() {
		if err := d.listener.AfterInvocation(event); err != nil {
			d.logg.Error("Failed to record end of invocation", "event", event.String(), "error", err)
		}
	}, nil
}

func (d *durability) Invoker(event domain.InvokerEvent) (func(any, error), error) {
	if d.granularity != Fine {
		return func(any, error) {}, nil
	}

	if err := d.listener.BeforeInvoker(event); err != nil {
		return nil, fmt.Errorf("failed to record invocation %s on %s: %w", event.InvocationEvent, event.DatabaseID, err)
	}

	return func(result any, err error) {
		event.Result = capture(result, err)

		if err := d.listener.AfterInvoker(event); err != nil {
			d.logg.Error("Failed to record outcome", "event", event.InvocationEvent.String(), "database", event.DatabaseID, "error", err)
		}
	}, nil
}

func capture(result any, err error) *domain.InvokerResult {
	if err != nil {
		return &domain.InvokerResult{Error: err.Error()}
	}

	value, merr := json.Marshal(result)
	if merr != nil {
		return &domain.InvokerResult{Error: fmt.Sprintf("unrecorded result: %v", merr)}
	}

	return &domain.InvokerResult{Value: value}
}

func (d *durability) Recover(ctx context.Context, log domain.Log, active []*domain.Database, resolver Resolver, classifier domain.FailureClassifier) ([]Recovery, error) {
	if d.granularity == None || len(log) == 0 {
		return nil, nil
	}

	if resolver == nil {
		return nil, ErrNoResolver
	}

	if classifier == nil {
		classifier = domain.DefaultClassifier{}
	}

	recoveries := make([]Recovery, 0, len(log))

	for _, entry := range log.Entries() {
		if err := ctx.Err(); err != nil {
			return recoveries, fmt.Errorf("failed to recover: %w", err)
		}

		recovery := d.recoverEntry(ctx, entry, active, resolver, classifier)

		if recovery.Complete() && d.listener != nil {
			if err := d.listener.AfterInvocation(entry.Event); err != nil {
				d.logg.Error("Failed to record recovered invocation", "event", entry.Event.String(), "error", err)
			}
		}

		d.logg.Info("Invocation recovered",
			"event", entry.Event.String(),
			"trusted", len(recovery.Outcomes),
			"replayed", len(recovery.Replayed),
			"failed", len(recovery.Failed),
		)

		recoveries = append(recoveries, recovery)
	}

	return recoveries, nil
}

func (d *durability) recoverEntry(ctx context.Context, entry domain.LogEntry, active []*domain.Database, resolver Resolver, classifier domain.FailureClassifier) Recovery {
	recovery := Recovery{
		Event:    entry.Event,
		Outcomes: make(map[string]*domain.InvokerResult),
		Failed:   make(map[string]error),
	}

	invokers := make(map[string]domain.InvokerEvent, len(entry.Invokers))
	for _, invoker := range entry.Invokers {
		invokers[invoker.DatabaseID] = invoker

		// captured outcomes are kept even for databases deactivated since
		if invoker.Result != nil {
			recovery.Outcomes[invoker.DatabaseID] = invoker.Result
		}
	}

	for _, db := range active {
		if _, captured := recovery.Outcomes[db.ID]; captured {
			continue
		}

		_, recorded := invokers[db.ID]

		// without a before mark the phase never reached this database
		if d.granularity == Fine && !recorded {
			continue
		}

		err := resolver.Resolve(ctx, db, entry.Event.TransactionID, entry.Event.Phase)
		if err != nil && !classifier.CorrectHeuristic(err, entry.Event.Phase) {
			d.logg.Warn("Failed to re-apply phase", "event", entry.Event.String(), "database", db.ID, "error", err)
			recovery.Failed[db.ID] = err

			continue
		}

		recovery.Replayed = append(recovery.Replayed, db.ID)
	}

	return recovery
}
