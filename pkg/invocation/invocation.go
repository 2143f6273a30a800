package invocation

import (
	"context"
	"errors"
	"strings"

	"github.com/ovaladares/orca/pkg/balancer"
	"github.com/ovaladares/orca/pkg/domain"
	"github.com/zhangyunhao116/skipmap"
)

var ErrNoActiveDatabases = errors.New("no active databases")

// Invoker applies one operation to the object a database exposes for it.
type Invoker[T, R any] func(ctx context.Context, db *domain.Database, target T) (R, error)

// Cluster is what a strategy needs from the cluster it runs against.
type Cluster interface {
	Balancer() balancer.Balancer
	Classifier() domain.FailureClassifier
	Executor() *Executor
	// Deactivate removes db from the active set because of cause. It refuses,
	// returning false, when db is the last active database.
	Deactivate(db *domain.Database, cause error) bool
}

// Strategy decides which databases an invoker runs on and how failures are handled.
type Strategy[T, R any] interface {
	Invoke(ctx context.Context, cluster Cluster, invoker Invoker[T, R]) (*Results[R], error)
}

type StrategyFunc[T, R any] func(ctx context.Context, cluster Cluster, invoker Invoker[T, R]) (*Results[R], error)

func (f StrategyFunc[T, R]) Invoke(ctx context.Context, cluster Cluster, invoker Invoker[T, R]) (*Results[R], error) {
	return f(ctx, cluster, invoker)
}

type Outcome[R any] struct {
	Database *domain.Database
	Value    R
}

type Failure struct {
	Database *domain.Database
	Err      error
}

// Results holds the values of the databases that succeeded and the failures
// of the databases that were deactivated, both ordered by database ID.
type Results[R any] struct {
	Values []Outcome[R]
	Errors []Failure
}

// First returns the value of the first database that succeeded.
func (r *Results[R]) First() (R, bool) {
	if r == nil || len(r.Values) == 0 {
		var zero R
		return zero, false
	}

	return r.Values[0].Value, true
}

type outcome[R any] struct {
	db    *domain.Database
	value R
	err   error
}

// collector gathers outcomes from concurrent invocations, ordered by database ID.
type collector[R any] struct {
	outcomes *skipmap.FuncMap[string, outcome[R]]
}

func newCollector[R any]() *collector[R] {
	return &collector[R]{
		outcomes: skipmap.NewFunc[string, outcome[R]](func(a, b string) bool {
			return strings.Compare(a, b) < 0
		}),
	}
}

func (c *collector[R]) record(db *domain.Database, value R, err error) {
	c.outcomes.Store(db.ID, outcome[R]{db: db, value: value, err: err})
}

func (c *collector[R]) ordered() []outcome[R] {
	outcomes := make([]outcome[R], 0, c.outcomes.Len())

	c.outcomes.Range(func(_ string, o outcome[R]) bool {
		outcomes = append(outcomes, o)
		return true
	})

	return outcomes
}
