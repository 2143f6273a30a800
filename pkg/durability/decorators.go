package durability

import (
	"context"

	"github.com/ovaladares/orca/pkg/domain"
	"github.com/ovaladares/orca/pkg/invocation"
)

// Strategy brackets inner with the invocation marks of the phase, and its
// invoker with the per-database marks when d is fine grained.
func Strategy[T, R any](d Durability, inner invocation.Strategy[T, R], transactionID string, phase domain.Phase) invocation.Strategy[T, R] {
	event := domain.InvocationEvent{TransactionID: transactionID, Phase: phase}

	return invocation.StrategyFunc[T, R](func(ctx context.Context, cluster invocation.Cluster, invoker invocation.Invoker[T, R]) (*invocation.Results[R], error) {
		end, err := d.Invocation(event)
		if err != nil {
			return nil, err
		}
		defer end()

		return inner.Invoke(ctx, cluster, Invoker(d, invoker, transactionID, phase))
	})
}

// Invoker brackets each call of inner with the per-database marks of the phase.
func Invoker[T, R any](d Durability, inner invocation.Invoker[T, R], transactionID string, phase domain.Phase) invocation.Invoker[T, R] {
	if d.Granularity() != Fine {
		return inner
	}

	return func(ctx context.Context, db *domain.Database, target T) (R, error) {
		end, err := d.Invoker(domain.InvokerEvent{
			InvocationEvent: domain.InvocationEvent{TransactionID: transactionID, Phase: phase},
			DatabaseID:      db.ID,
		})
		if err != nil {
			var zero R
			return zero, err
		}

		value, err := inner(ctx, db, target)
		end(value, err)

		return value, err
	}
}
