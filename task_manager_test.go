package orca_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ovaladares/orca"
	"github.com/ovaladares/orca/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type MockLock struct {
	Held bool

	UnlockCallCount int
	mu              sync.Mutex
}

func (m *MockLock) Lock(context.Context) error {
	return nil
}

func (m *MockLock) TryLock(context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return !m.Held
}

func (m *MockLock) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UnlockCallCount++
}

func (m *MockLock) Unlocks() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.UnlockCallCount
}

type MockLocker struct {
	Lock *MockLock

	WriteLockCalledWith []string
	mu                  sync.Mutex
}

func (m *MockLocker) WriteLock(id string) storage.Lock {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.WriteLockCalledWith = append(m.WriteLockCalledWith, id)

	return m.Lock
}

func TestTaskManager_RunsTaskUnderLock(t *testing.T) {
	locker := &MockLocker{Lock: &MockLock{}}
	tm := orca.NewTaskManager(locker, newLogger())

	var runs atomic.Int32

	require.NoError(t, tm.RegisterTasks([]*orca.Task{{
		Name:    "vacuum",
		Cron:    "@every 1s",
		Timeout: time.Second,
		ExecFn: func(_ context.Context, _ time.Time, taskID string) error {
			assert.Equal(t, "vacuum", taskID)
			runs.Add(1)
			return nil
		},
	}}))

	tm.Start()
	defer tm.Stop()

	assert.Eventually(t, func() bool {
		return runs.Load() > 0 && locker.Lock.Unlocks() > 0
	}, 3*time.Second, 50*time.Millisecond)

	locker.mu.Lock()
	assert.Contains(t, locker.WriteLockCalledWith, "vacuum")
	locker.mu.Unlock()
}

func TestTaskManager_SkipsTaskLockedElsewhere(t *testing.T) {
	locker := &MockLocker{Lock: &MockLock{Held: true}}
	tm := orca.NewTaskManager(locker, newLogger())

	var runs atomic.Int32

	require.NoError(t, tm.RegisterTasks([]*orca.Task{{
		Name:    "vacuum",
		Cron:    "@every 1s",
		Timeout: time.Second,
		ExecFn: func(context.Context, time.Time, string) error {
			runs.Add(1)
			return nil
		},
	}}))

	tm.Start()
	time.Sleep(1500 * time.Millisecond)
	tm.Stop()

	assert.Zero(t, runs.Load())
	assert.Zero(t, locker.Lock.Unlocks())
}

func TestTaskManager_RejectsInvalidCron(t *testing.T) {
	tm := orca.NewTaskManager(&MockLocker{Lock: &MockLock{}}, newLogger())

	err := tm.RegisterTasks([]*orca.Task{{Name: "broken", Cron: "every tuesday"}})
	assert.Error(t, err)
}
