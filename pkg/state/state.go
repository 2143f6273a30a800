package state

import (
	"context"
	"errors"

	"github.com/ovaladares/orca/pkg/domain"
	"github.com/ovaladares/orca/pkg/durability"
)

var (
	// ErrUnknownInvocation is returned for an invoker event whose invocation is not in flight.
	ErrUnknownInvocation = errors.New("unknown invocation")

	// ErrPhaseOrder is returned when a phase cannot follow the phase in flight for the same transaction.
	ErrPhaseOrder = errors.New("phase out of order")
)

// StateManager owns the active set of databases and the log of invocations in
// flight, so both survive a restart.
type StateManager interface {
	durability.Listener

	Start(ctx context.Context) error
	Stop() error

	// ActiveDatabases returns the IDs of the active databases. It returns
	// false when no active set was ever recorded.
	ActiveDatabases() ([]string, bool)
	SetActiveDatabases(ids []string) error
	Activated(id string) error
	Deactivated(id string) error

	// Recover returns the invocations whose end was never recorded.
	Recover() domain.Log
}

func rank(p domain.Phase) int {
	switch p {
	case domain.PhasePrepare:
		return 1
	case domain.PhaseCommit, domain.PhaseRollback:
		return 2
	case domain.PhaseForget:
		return 3
	default:
		return 0
	}
}

func lessEvent(a, b domain.InvocationEvent) bool {
	if a.TransactionID != b.TransactionID {
		return a.TransactionID < b.TransactionID
	}

	if rank(a.Phase) != rank(b.Phase) {
		return rank(a.Phase) < rank(b.Phase)
	}

	return a.Phase < b.Phase
}
