package domain

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"

	"golang.org/x/exp/slices"
)

// Database is one replica participating in the cluster.
type Database struct {
	ID     string `json:"id" yaml:"id"`
	Weight int    `json:"weight" yaml:"weight"`

	// Source is handed untouched to the function that opens per-replica objects.
	Source any `json:"-" yaml:"-"`
}

func (d *Database) String() string {
	return d.ID
}

// SortDatabases orders databases by ID in place.
func SortDatabases(databases []*Database) {
	slices.SortFunc(databases, func(a, b *Database) int {
		return strings.Compare(a.ID, b.ID)
	})
}

// IDs returns the IDs of the given databases, in the same order.
func IDs(databases []*Database) []string {
	ids := make([]string, len(databases))

	for i, db := range databases {
		ids[i] = db.ID
	}

	return ids
}

// FailureClassifier decides how errors raised by a database should be interpreted.
// Implementations are supplied per dialect.
type FailureClassifier interface {
	// IndicatesFailure reports whether err means the database itself failed,
	// as opposed to the operation being rejected.
	IndicatesFailure(err error) bool

	// CorrectHeuristic reports whether err, raised while re-applying phase,
	// shows that the phase had in fact already completed.
	CorrectHeuristic(err error, phase Phase) bool
}

// DefaultClassifier treats broken connections and network errors as database
// failure. A context that ended leaves the outcome unknown, so it never counts.
type DefaultClassifier struct{}

func (DefaultClassifier) IndicatesFailure(err error) bool {
	if err == nil {
		return false
	}

	// context.DeadlineExceeded also satisfies net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr)
}

func (DefaultClassifier) CorrectHeuristic(error, Phase) bool {
	return false
}

// SortLocks orders descriptors by lock ID, then owner.
func SortLocks(locks []LockDescriptor) {
	slices.SortFunc(locks, func(a, b LockDescriptor) int {
		if a.ID != b.ID {
			return strings.Compare(a.ID, b.ID)
		}

		return strings.Compare(a.Owner, b.Owner)
	})
}
