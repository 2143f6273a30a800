package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// Phase is one step of a cluster-wide operation that is recorded for crash recovery.
type Phase string

const PhasePrepare Phase = "prepare"
const PhaseCommit Phase = "commit"
const PhaseRollback Phase = "rollback"
const PhaseForget Phase = "forget"

// Follows reports whether p may be observed after prev for the same transaction.
// An empty prev means the transaction has no phase in flight yet.
func (p Phase) Follows(prev Phase) bool {
	switch prev {
	case "":
		return p == PhasePrepare || p == PhaseCommit || p == PhaseRollback
	case PhasePrepare:
		return p == PhaseCommit || p == PhaseRollback
	case PhaseCommit, PhaseRollback:
		return p == PhaseForget
	default:
		return false
	}
}

func (p Phase) Valid() bool {
	switch p {
	case PhasePrepare, PhaseCommit, PhaseRollback, PhaseForget:
		return true
	}

	return false
}

// InvocationEvent brackets a cluster-wide operation.
type InvocationEvent struct {
	TransactionID string `json:"transaction-id"`
	Phase         Phase  `json:"phase"`
}

func (e InvocationEvent) String() string {
	return fmt.Sprintf("%s/%s", e.TransactionID, e.Phase)
}

// InvokerResult is the captured outcome of an operation against one database.
type InvokerResult struct {
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}

// InvokerEvent brackets a cluster-wide operation against one database.
// A nil Result means the operation was started but its outcome was never recorded.
type InvokerEvent struct {
	InvocationEvent
	DatabaseID string         `json:"database-id"`
	Result     *InvokerResult `json:"result,omitempty"`
}

// Log holds the invocations whose "after" mark is missing, with their per-database events.
type Log map[InvocationEvent]map[string]InvokerEvent

// LogEntry is the serializable form of one Log element.
type LogEntry struct {
	Event    InvocationEvent `json:"event"`
	Invokers []InvokerEvent  `json:"invokers"`
}

// Entries flattens the log into a JSON friendly list ordered by transaction,
// then phase, then database.
func (l Log) Entries() []LogEntry {
	entries := make([]LogEntry, 0, len(l))

	for event, invokers := range l {
		entry := LogEntry{Event: event, Invokers: make([]InvokerEvent, 0, len(invokers))}

		for _, invoker := range invokers {
			entry.Invokers = append(entry.Invokers, invoker)
		}

		slices.SortFunc(entry.Invokers, func(a, b InvokerEvent) int {
			return strings.Compare(a.DatabaseID, b.DatabaseID)
		})

		entries = append(entries, entry)
	}

	slices.SortFunc(entries, func(a, b LogEntry) int {
		if a.Event.TransactionID != b.Event.TransactionID {
			return strings.Compare(a.Event.TransactionID, b.Event.TransactionID)
		}

		return strings.Compare(string(a.Event.Phase), string(b.Event.Phase))
	})

	return entries
}

// NewLog rebuilds a Log from its serializable form.
func NewLog(entries []LogEntry) Log {
	log := make(Log, len(entries))

	for _, entry := range entries {
		invokers := make(map[string]InvokerEvent, len(entry.Invokers))
		for _, invoker := range entry.Invokers {
			invokers[invoker.DatabaseID] = invoker
		}

		log[entry.Event] = invokers
	}

	return log
}

type LockType string

const ReadLock LockType = "read"
const WriteLock LockType = "write"

// LockDescriptor identifies one instance of a cluster-wide named lock.
type LockDescriptor struct {
	ID       string   `json:"id"`
	Type     LockType `json:"type"`
	Owner    string   `json:"node-id"`
	Instance string   `json:"instance"`
}

// Key distinguishes two handles on the same named lock.
func (d LockDescriptor) Key() string {
	return d.ID + "/" + d.Instance
}
