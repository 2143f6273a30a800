package invocation

import (
	"context"
	"fmt"

	"github.com/ovaladares/orca/pkg/storage"
)

// Locking holds Locks, in order, while Inner runs.
type Locking[T, R any] struct {
	Locks []storage.Lock
	Inner Strategy[T, R]
}

func (s *Locking[T, R]) Invoke(ctx context.Context, cluster Cluster, invoker Invoker[T, R]) (*Results[R], error) {
	held := make([]storage.Lock, 0, len(s.Locks))

	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}()

	for _, lock := range s.Locks {
		if err := lock.Lock(ctx); err != nil {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}

		held = append(held, lock)
	}

	return s.Inner.Invoke(ctx, cluster, invoker)
}
