package invocation

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// Executor is the worker pool shared by every strategy of a cluster.
type Executor struct {
	sem *semaphore.Weighted
}

// NewExecutor creates a pool running at most workers tasks at once.
// A non positive value uses the number of CPUs.
func NewExecutor(workers int) *Executor {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	return &Executor{sem: semaphore.NewWeighted(int64(workers))}
}

// Go runs task once a worker is free. It fails if ctx ends first.
func (e *Executor) Go(ctx context.Context, task func()) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to schedule task: %w", err)
	}

	go func() {
		defer e.sem.Release(1)

		task()
	}()

	return nil
}
