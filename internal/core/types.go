package core

import (
	"time"
)

// ScheduleType determines how the next fire time of a task is derived.
type ScheduleType string

const (
	ScheduleOneTime  ScheduleType = "one_time"
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
)

// Valid reports whether t is a known schedule type.
func (t ScheduleType) Valid() bool {
	switch t {
	case ScheduleOneTime, ScheduleCron, ScheduleInterval:
		return true
	}
	return false
}

// Recurring reports whether the schedule fires more than once.
func (t ScheduleType) Recurring() bool {
	return t == ScheduleCron || t == ScheduleInterval
}

// TaskStatus describes the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusActive    TaskStatus = "active"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusPending   TaskStatus = "pending"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusActive, TaskStatusPaused, TaskStatusCompleted, TaskStatusFailed, TaskStatusPending:
		return true
	}
	return false
}

// LedgerStatus describes the outcome of a single execution attempt.
type LedgerStatus string

const (
	LedgerSuccess LedgerStatus = "success"
	LedgerFailed  LedgerStatus = "failed"
	LedgerRetry   LedgerStatus = "retry"
	LedgerSkipped LedgerStatus = "skipped"
	LedgerTimeout LedgerStatus = "timeout"
)

const (
	// MinIntervalSeconds is the shortest accepted interval schedule.
	MinIntervalSeconds = 60

	DefaultMaxRetries        = 3
	DefaultRetryDelaySeconds = 60

	wildcard = "*"
)

// CronFields holds the five pattern fields of a cron schedule.
type CronFields struct {
	Minute     string
	Hour       string
	DayOfWeek  string
	DayOfMonth string
	Month      string
}

// WithDefaults replaces empty fields with the wildcard.
func (c CronFields) WithDefaults() CronFields {
	if c.Minute == "" {
		c.Minute = wildcard
	}
	if c.Hour == "" {
		c.Hour = wildcard
	}
	if c.DayOfWeek == "" {
		c.DayOfWeek = wildcard
	}
	if c.DayOfMonth == "" {
		c.DayOfMonth = wildcard
	}
	if c.Month == "" {
		c.Month = wildcard
	}
	return c
}

// Expr renders the fields in standard crontab order (minute hour dom month dow).
func (c CronFields) Expr() string {
	c = c.WithDefaults()
	return c.Minute + " " + c.Hour + " " + c.DayOfMonth + " " + c.Month + " " + c.DayOfWeek
}

// Task is the durable record describing one schedule and its lifecycle state.
type Task struct {
	ID          string
	Name        string
	Description string
	Command     string
	CreatedBy   *string

	ScheduleType    ScheduleType
	Status          TaskStatus
	ScheduledTime   *time.Time
	Cron            CronFields
	IntervalSeconds *int

	IsActive        bool
	ExecutedOnce    bool
	TotalExecutions int
	LastExecution   *time.Time
	NextExecution   *time.Time

	MaxRetries        int
	RetryDelaySeconds int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CanBeModified reports whether the task configuration may still be edited.
func (t *Task) CanBeModified(now time.Time) bool {
	if t.ScheduleType == ScheduleOneTime {
		return !t.ExecutedOnce && t.ScheduledTime != nil && now.Before(*t.ScheduledTime)
	}
	return t.Status == TaskStatusActive || t.Status == TaskStatusPaused
}

// CanBeDeleted reports whether the task may be removed.
//
// A one-time task that never executed is always deletable, even with a
// terminal status. Normal transitions never produce that combination.
func (t *Task) CanBeDeleted() bool {
	terminal := t.Status == TaskStatusCompleted || t.Status == TaskStatusFailed
	return !terminal || (t.ScheduleType == ScheduleOneTime && !t.ExecutedOnce)
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.CreatedBy = cloneString(t.CreatedBy)
	c.ScheduledTime = cloneTime(t.ScheduledTime)
	c.LastExecution = cloneTime(t.LastExecution)
	c.NextExecution = cloneTime(t.NextExecution)
	if t.IntervalSeconds != nil {
		v := *t.IntervalSeconds
		c.IntervalSeconds = &v
	}
	return &c
}

// LedgerEntry is one immutable execution attempt record.
type LedgerEntry struct {
	ID                   int64
	TaskID               string
	ExecutedAt           time.Time
	Status               LedgerStatus
	Message              string
	ErrorDetails         map[string]any
	ExecutionTimeSeconds float64
	RetryCount           int
}

// NotificationCategory classifies lifecycle events.
type NotificationCategory string

const (
	CategoryTaskExecuted  NotificationCategory = "task_executed"
	CategoryTaskFailed    NotificationCategory = "task_failed"
	CategoryTaskCompleted NotificationCategory = "task_completed"
	CategorySystem        NotificationCategory = "system"
	CategoryReminder      NotificationCategory = "reminder"
	CategoryRecovery      NotificationCategory = "recovery"
)

// NotificationPriority ranks lifecycle events.
type NotificationPriority string

const (
	PriorityLow      NotificationPriority = "low"
	PriorityMedium   NotificationPriority = "medium"
	PriorityHigh     NotificationPriority = "high"
	PriorityCritical NotificationPriority = "critical"
)

// Notification is a lifecycle event handed to the notification sink.
type Notification struct {
	ID         int64
	Title      string
	Message    string
	Category   NotificationCategory
	Priority   NotificationPriority
	TaskID     *string
	LedgerID   *int64
	IsRead     bool
	IsArchived bool
	CreatedAt  time.Time
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func ptrString(v string) *string {
	return &v
}

func ptrTime(v time.Time) *time.Time {
	return &v
}
