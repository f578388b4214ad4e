package core

import (
	"context"
	"time"
)

// TaskFilter narrows ListTasks. Nil fields match everything.
type TaskFilter struct {
	Status       *TaskStatus
	ScheduleType *ScheduleType
}

// Attempt is the result of one execution attempt, committed atomically:
// the task's counters and timestamps move together with the ledger entry.
type Attempt struct {
	TaskID    string
	StartedAt time.Time
	Entry     LedgerEntry
	// Complete finishes a one-time task: status completed, executed once, inactive.
	Complete bool
	// Exhausted marks the task failed and inactive after its last retry.
	Exhausted bool
}

// Store abstracts the persistence layer used by the engine, scanner and service.
type Store interface {
	// Task operations
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	InsertTask(ctx context.Context, task *Task) error
	// UpdateTask writes task only while its stored status still equals
	// expected and its one-time run has not happened; otherwise it
	// returns ErrTaskChanged.
	UpdateTask(ctx context.Context, task *Task, expected TaskStatus) error
	UpdateTaskNextRun(ctx context.Context, id string, next *time.Time) error
	// DeleteTask removes the task together with its ledger entries.
	DeleteTask(ctx context.Context, id string) error

	// Recovery queries
	ListMissedOneTime(ctx context.Context, now time.Time) ([]*Task, error)
	ListStuckRecurring(ctx context.Context, now time.Time) ([]*Task, error)

	// Ledger operations
	RecordAttempt(ctx context.Context, attempt Attempt) (int64, error)
	ListLedger(ctx context.Context, taskID string, limit, offset int) ([]*LedgerEntry, error)
}

// Registry is the timer substrate that invokes Submit at computed instants.
// Registering a task replaces any previous registration for it.
type Registry interface {
	Register(taskID string, spec ScheduleSpec) error
	Disable(taskID string)
	Delete(taskID string)
}

// Notifier receives lifecycle events. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Submitter is the asynchronous execution entry point.
type Submitter interface {
	Submit(taskID string) error
	// Pending reports whether the task is queued, running, or waiting for a retry.
	Pending(taskID string) bool
}

// Clock returns the current instant.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}
