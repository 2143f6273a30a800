package invocation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ovaladares/orca/pkg/domain"
	"golang.org/x/exp/slices"
)

// InvokeOnAll runs the invoker on every active database in parallel.
type InvokeOnAll[T, R any] struct {
	Handles *Handles[T]
}

func (s *InvokeOnAll[T, R]) Invoke(ctx context.Context, cluster Cluster, invoker Invoker[T, R]) (*Results[R], error) {
	databases := cluster.Balancer().All()
	if len(databases) == 0 {
		return nil, ErrNoActiveDatabases
	}

	targets := make([]Entry[T], 0, len(databases))
	c := newCollector[R]()

	for _, db := range databases {
		object, err := s.Handles.Get(ctx, db)
		if err != nil {
			var zero R
			c.record(db, zero, err)

			continue
		}

		targets = append(targets, Entry[T]{Database: db, Object: object})
	}

	return invokeEach(ctx, cluster, targets, invoker, c)
}

// InvokeOnAny returns the result of the first database that succeeds, trying
// databases in balancer order. When the balancer has nothing left to offer it
// delegates to Fallback, InvokeOnAll over the same handles when unset.
type InvokeOnAny[T, R any] struct {
	Handles  *Handles[T]
	Fallback Strategy[T, R]
}

func (s *InvokeOnAny[T, R]) Invoke(ctx context.Context, cluster Cluster, invoker Invoker[T, R]) (*Results[R], error) {
	b := cluster.Balancer()
	results := &Results[R]{}
	tried := make(map[string]bool)

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("failed to invoke: %w", err)
		}

		db, ok := b.Next()
		if !ok || tried[db.ID] {
			break
		}

		tried[db.ID] = true

		value, err := s.invokeOne(ctx, cluster, db, invoker)
		if err == nil {
			results.Values = append(results.Values, Outcome[R]{Database: db, Value: value})
			return results, nil
		}

		failure, err := handleFailure(ctx, cluster, db, err)
		if err != nil {
			return nil, err
		}

		if failure != nil {
			results.Errors = append(results.Errors, *failure)
		}
	}

	fallback := s.Fallback
	if fallback == nil {
		fallback = &InvokeOnAll[T, R]{Handles: s.Handles}
	}

	fallbackResults, err := fallback.Invoke(ctx, cluster, invoker)
	if err != nil {
		return nil, err
	}

	if fallbackResults == nil {
		fallbackResults = &Results[R]{}
	}

	// replicas deactivated before falling back stay visible to the caller
	fallbackResults.Errors = append(fallbackResults.Errors, results.Errors...)
	slices.SortStableFunc(fallbackResults.Errors, func(a, b Failure) int {
		return strings.Compare(a.Database.ID, b.Database.ID)
	})

	return fallbackResults, nil
}

func (s *InvokeOnAny[T, R]) invokeOne(ctx context.Context, cluster Cluster, db *domain.Database, invoker Invoker[T, R]) (R, error) {
	object, err := s.Handles.Get(ctx, db)
	if err != nil {
		var zero R
		return zero, err
	}

	b := cluster.Balancer()

	b.BeforeInvocation(db)
	defer b.AfterInvocation(db)

	return invoker(ctx, db, object)
}

// InvokeOnExisting runs the invoker on every object already opened, skipping
// databases deactivated since.
type InvokeOnExisting[T, R any] struct {
	Handles *Handles[T]
}

func (s *InvokeOnExisting[T, R]) Invoke(ctx context.Context, cluster Cluster, invoker Invoker[T, R]) (*Results[R], error) {
	b := cluster.Balancer()
	targets := make([]Entry[T], 0)

	for _, entry := range s.Handles.Existing() {
		if b.Contains(entry.Database) {
			targets = append(targets, entry)
		}
	}

	if len(targets) == 0 {
		return nil, ErrNoActiveDatabases
	}

	return invokeEach(ctx, cluster, targets, invoker, newCollector[R]())
}

func invokeEach[T, R any](ctx context.Context, cluster Cluster, targets []Entry[T], invoker Invoker[T, R], c *collector[R]) (*Results[R], error) {
	b := cluster.Balancer()

	var wg sync.WaitGroup

	for _, target := range targets {
		db, object := target.Database, target.Object

		wg.Add(1)

		err := cluster.Executor().Go(ctx, func() {
			defer wg.Done()

			b.BeforeInvocation(db)
			defer b.AfterInvocation(db)

			value, err := invoker(ctx, db, object)
			c.record(db, value, err)
		})
		if err != nil {
			wg.Done()
			return nil, fmt.Errorf("failed to invoke on %s: %w", db.ID, err)
		}
	}

	done := make(chan struct{})

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to collect results: %w", ctx.Err())
	}

	// outcomes raised after the caller gave up are unknown, not replica failures
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("failed to collect results: %w", err)
	}

	results := &Results[R]{}

	for _, o := range c.ordered() {
		if o.err == nil {
			results.Values = append(results.Values, Outcome[R]{Database: o.db, Value: o.value})
			continue
		}

		failure, err := handleFailure(ctx, cluster, o.db, o.err)
		if err != nil {
			return nil, err
		}

		if failure != nil {
			results.Errors = append(results.Errors, *failure)
		}
	}

	return results, nil
}

// handleFailure classifies the error raised by db. It returns a Failure when
// db was deactivated, nothing when db already left the cluster, and the error
// itself when it must reach the caller. Once ctx has ended the outcome is
// unknown and db is never deactivated.
func handleFailure(ctx context.Context, cluster Cluster, db *domain.Database, err error) (*Failure, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if !errors.Is(err, ctxErr) {
			err = errors.Join(err, ctxErr)
		}

		return nil, fmt.Errorf("failed to invoke on %s: %w", db.ID, err)
	}

	if !cluster.Balancer().Contains(db) {
		return nil, nil
	}

	if cluster.Classifier().IndicatesFailure(err) && cluster.Deactivate(db, err) {
		return &Failure{Database: db, Err: err}, nil
	}

	return nil, fmt.Errorf("failed to invoke on %s: %w", db.ID, err)
}
