package orca

import (
	"context"
	"log/slog"
	"time"

	"github.com/ovaladares/orca/pkg/storage"
	"github.com/robfig/cron"
)

// Locker hands out cluster-wide write locks.
// Cluster implements this interface.
type Locker interface {
	WriteLock(id string) storage.Lock
}

// ExecTaskFunc defines the function signature for executing a task.
// TaskManager will call this function to execute tasks at the scheduled time.
type ExecTaskFunc func(ctx context.Context, execTime time.Time, taskID string) error

// Task represents a scheduled task in the TaskManager.
type Task struct {
	// Name is the unique identifier for the task.
	// Warning: Do not use the same name for different tasks.
	// It names the cluster lock taken while the task runs.
	Name string
	// Function to execute the task.
	ExecFn ExecTaskFunc
	// Timeout defines the maximum duration for the task execution.
	// If the task does not complete within this time, it will be considered failed.
	Timeout time.Duration
	// Cron with special support for seconds if needed.
	// Ex: "* * * * * *" for every second
	// Descriptors such as "@every 1m" are also supported.
	Cron string
}

// TaskManager runs scheduled tasks on one member of the cluster at a time.
// Every member schedules every task; the member that takes the task lock runs it
// and the others skip that occurrence.
type TaskManager struct {
	locker      Locker
	tasks       []*Task
	cronManager *cron.Cron
	logg        *slog.Logger
}

func NewTaskManager(locker Locker, logg *slog.Logger) *TaskManager {
	return &TaskManager{
		locker:      locker,
		cronManager: cron.New(),
		tasks:       make([]*Task, 0),
		logg:        logg.With("component", "orca_task_manager"),
	}
}

// RegisterTasks registers new tasks to be managed by the TaskManager.
func (tm *TaskManager) RegisterTasks(tasks []*Task) error {
	for _, task := range tasks {
		err := tm.cronManager.AddFunc(task.Cron, func() {
			tm.handleTask(task)
		})

		if err != nil {
			tm.logg.Error("Failed to register task", "task", task.Name, "error", err)
			return err
		}

		tm.tasks = append(tm.tasks, task)
	}

	tm.logg.Debug("Tasks registered", "count", len(tasks))

	return nil
}

func (tm *TaskManager) Start() {
	tm.cronManager.Start()
	tm.logg.Info("TaskManager started")
}

// Stop stops scheduling. Running tasks are left to finish.
func (tm *TaskManager) Stop() {
	tm.cronManager.Stop()
	tm.logg.Info("TaskManager stopped")
}

func (tm *TaskManager) handleTask(task *Task) {
	ctx, cancel := context.WithTimeout(context.Background(), task.Timeout)
	defer cancel()

	lock := tm.locker.WriteLock(task.Name)
	if !lock.TryLock(ctx) {
		tm.logg.Debug("Task lock held elsewhere, skipping", "task", task.Name)
		return
	}
	defer lock.Unlock()

	tm.logg.Info("Lock acquired for task", "task", task.Name)

	done := make(chan error, 1)

	go func() {
		done <- task.ExecFn(ctx, time.Now(), task.Name)
	}()

	select {
	case err := <-done:
		if err != nil {
			tm.logg.Error("Failed to execute task", "task", task.Name, "error", err)
			return
		}

		tm.logg.Info("Task executed successfully", "task", task.Name)
	case <-ctx.Done():
		tm.logg.Error("Task execution timed out", "task", task.Name, "timeout", task.Timeout)
	}
}
