package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// TaskInput describes a new task.
type TaskInput struct {
	Name              string
	Description       string
	Command           string
	CreatedBy         *string
	ScheduleType      ScheduleType
	ScheduledTime     *time.Time
	Cron              CronFields
	IntervalSeconds   *int
	MaxRetries        *int
	RetryDelaySeconds *int
	Paused            bool
}

// TaskPatch carries the fields of an edit. Nil fields are left unchanged.
type TaskPatch struct {
	Name              *string
	Description       *string
	Command           *string
	ScheduleType      *ScheduleType
	ScheduledTime     *time.Time
	Cron              *CronFields
	IntervalSeconds   *int
	MaxRetries        *int
	RetryDelaySeconds *int
}

// Service applies lifecycle operations to task records and keeps the
// trigger registry consistent with them.
type Service struct {
	store      Store
	registry   Registry
	submitter  Submitter
	notifier   Notifier
	translator Translator
	logger     *slog.Logger
	clock      Clock
}

// NewService constructs the task lifecycle service.
func NewService(store Store, registry Registry, submitter Submitter, notifier Notifier, translator Translator, logger *slog.Logger, clock Clock) *Service {
	return &Service{
		store:      store,
		registry:   registry,
		submitter:  submitter,
		notifier:   notifier,
		translator: translator,
		logger:     logger,
		clock:      clock,
	}
}

// Create validates, persists and registers a new task.
func (s *Service) Create(ctx context.Context, in TaskInput) (*Task, error) {
	now := s.clock.now()
	task := &Task{
		ID:                NewID(),
		Name:              strings.TrimSpace(in.Name),
		Description:       in.Description,
		Command:           strings.TrimSpace(in.Command),
		CreatedBy:         in.CreatedBy,
		ScheduleType:      in.ScheduleType,
		Status:            TaskStatusActive,
		IsActive:          true,
		MaxRetries:        DefaultMaxRetries,
		RetryDelaySeconds: DefaultRetryDelaySeconds,
	}
	if in.MaxRetries != nil {
		task.MaxRetries = *in.MaxRetries
	}
	if in.RetryDelaySeconds != nil {
		task.RetryDelaySeconds = *in.RetryDelaySeconds
	}
	switch in.ScheduleType {
	case ScheduleOneTime:
		task.ScheduledTime = in.ScheduledTime
	case ScheduleCron:
		task.Cron = in.Cron.WithDefaults()
	case ScheduleInterval:
		task.IntervalSeconds = in.IntervalSeconds
	}
	if in.Paused {
		task.Status = TaskStatusPaused
		task.IsActive = false
	}
	if err := Validate(task, now); err != nil {
		return nil, err
	}

	next, err := s.translator.Upcoming(task, now)
	if err != nil {
		return nil, err
	}
	task.NextExecution = next

	if err := s.store.InsertTask(ctx, task); err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	s.register(task)
	s.logger.Info("task created", "task_id", task.ID, "schedule_type", task.ScheduleType, "next", formatOptional(task.NextExecution))
	return task, nil
}

// Update edits a task's configuration while CanBeModified holds.
func (s *Service) Update(ctx context.Context, id string, patch TaskPatch) (*Task, error) {
	now := s.clock.now()
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !task.CanBeModified(now) {
		return nil, &ModificationError{TaskID: id, Op: "modify", Reason: modifyReason(task, now)}
	}
	loaded := task.Status

	if patch.Name != nil {
		task.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Description != nil {
		task.Description = *patch.Description
	}
	if patch.Command != nil {
		task.Command = strings.TrimSpace(*patch.Command)
	}
	if patch.ScheduleType != nil {
		task.ScheduleType = *patch.ScheduleType
	}
	if patch.ScheduledTime != nil {
		task.ScheduledTime = patch.ScheduledTime
	}
	if patch.Cron != nil {
		task.Cron = patch.Cron.WithDefaults()
	}
	if patch.IntervalSeconds != nil {
		task.IntervalSeconds = patch.IntervalSeconds
	}
	if patch.MaxRetries != nil {
		task.MaxRetries = *patch.MaxRetries
	}
	if patch.RetryDelaySeconds != nil {
		task.RetryDelaySeconds = *patch.RetryDelaySeconds
	}
	if err := Validate(task, now); err != nil {
		return nil, err
	}

	next, err := s.translator.Upcoming(task, now)
	if err != nil {
		return nil, err
	}
	task.NextExecution = next
	if err := s.save(ctx, task, loaded, "modify"); err != nil {
		return nil, err
	}
	s.register(task)
	return task, nil
}

// Get returns a single task.
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	return s.store.GetTask(ctx, id)
}

// List returns tasks matching filter, newest first.
func (s *Service) List(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	return s.store.ListTasks(ctx, filter)
}

// Ledger returns a page of the task's execution history, newest first.
func (s *Service) Ledger(ctx context.Context, id string, limit, offset int) ([]*LedgerEntry, error) {
	if _, err := s.store.GetTask(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListLedger(ctx, id, limit, offset)
}

// Pause stops an active task from firing.
func (s *Service) Pause(ctx context.Context, id string) (*Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != TaskStatusActive {
		return nil, &ModificationError{TaskID: id, Op: "pause", Reason: fmt.Sprintf("status is %s, not active", task.Status)}
	}
	task.Status = TaskStatusPaused
	task.IsActive = false
	if err := s.save(ctx, task, TaskStatusActive, "pause"); err != nil {
		return nil, err
	}
	s.registry.Disable(task.ID)
	s.emit(ctx, Notification{
		Title:    "Task Paused: " + task.Name,
		Message:  fmt.Sprintf("Scheduled task '%s' has been paused.", task.Name),
		Category: CategorySystem,
		Priority: PriorityLow,
		TaskID:   ptrString(task.ID),
	})
	return task, nil
}

// Resume re-activates a paused task and registers its next fire.
func (s *Service) Resume(ctx context.Context, id string) (*Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != TaskStatusPaused {
		return nil, &ModificationError{TaskID: id, Op: "resume", Reason: fmt.Sprintf("status is %s, not paused", task.Status)}
	}
	task.Status = TaskStatusActive
	task.IsActive = true
	next, err := s.translator.Upcoming(task, s.clock.now())
	if err != nil {
		return nil, err
	}
	task.NextExecution = next
	if err := s.save(ctx, task, TaskStatusPaused, "resume"); err != nil {
		return nil, err
	}
	s.register(task)
	s.emit(ctx, Notification{
		Title:    "Task Resumed: " + task.Name,
		Message:  fmt.Sprintf("Scheduled task '%s' has been resumed.", task.Name),
		Category: CategorySystem,
		Priority: PriorityLow,
		TaskID:   ptrString(task.ID),
	})
	return task, nil
}

// ExecuteNow submits an out-of-band attempt. The registration and
// nextExecution are left untouched. Inactive tasks are rejected since the
// engine would skip them.
func (s *Service) ExecuteNow(ctx context.Context, id string) error {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !task.IsActive {
		return &ModificationError{TaskID: id, Op: "execute", Reason: fmt.Sprintf("task is not active (status %s)", task.Status)}
	}
	if err := s.submitter.Submit(task.ID); err != nil {
		return fmt.Errorf("submit task: %w", err)
	}
	s.logger.Info("task submitted for immediate execution", "task_id", task.ID)
	return nil
}

// Delete removes the registry entry, the ledger and finally the task record.
func (s *Service) Delete(ctx context.Context, id string) error {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !task.CanBeDeleted() {
		return &ModificationError{TaskID: id, Op: "delete", Reason: fmt.Sprintf("%s task with status %s is kept for history", task.ScheduleType, task.Status)}
	}
	s.registry.Delete(task.ID)
	s.emit(ctx, Notification{
		Title:    "Task Deleted: " + task.Name,
		Message:  fmt.Sprintf("Scheduled task '%s' has been deleted.", task.Name),
		Category: CategorySystem,
		Priority: PriorityLow,
		TaskID:   ptrString(task.ID),
	})
	if err := s.store.DeleteTask(ctx, task.ID); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	s.logger.Info("task deleted", "task_id", task.ID)
	return nil
}

// Preview lists the next n fire instants of an unsaved configuration.
func (s *Service) Preview(in TaskInput, n int) ([]time.Time, error) {
	task := &Task{
		Name:            "preview",
		ScheduleType:    in.ScheduleType,
		ScheduledTime:   in.ScheduledTime,
		Cron:            in.Cron.WithDefaults(),
		IntervalSeconds: in.IntervalSeconds,
	}
	now := s.clock.now()
	if err := Validate(task, now); err != nil {
		return nil, err
	}
	return s.translator.Preview(task, now, n)
}

// Sync registers every active task and disables the rest. Run it once at startup.
func (s *Service) Sync(ctx context.Context) error {
	tasks, err := s.store.ListTasks(ctx, TaskFilter{})
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	now := s.clock.now()
	for _, task := range tasks {
		if !task.IsActive {
			s.registry.Disable(task.ID)
			continue
		}
		next, err := s.translator.Upcoming(task, now)
		if err != nil {
			s.logger.Error("compute next fire", "task_id", task.ID, "err", err)
			continue
		}
		if !sameInstant(next, task.NextExecution) {
			if err := s.store.UpdateTaskNextRun(ctx, task.ID, next); err != nil {
				s.logger.Warn("update next execution", "task_id", task.ID, "err", err)
			}
			task.NextExecution = next
		}
		s.register(task)
	}
	return nil
}

// register hands the task's current configuration to the registry. Failures
// are left for the recovery scanner to repair.
// save persists task if its stored status is still expected. An attempt that
// committed in between turns the write into a ModificationError.
func (s *Service) save(ctx context.Context, task *Task, expected TaskStatus, op string) error {
	err := s.store.UpdateTask(ctx, task, expected)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTaskChanged):
		return &ModificationError{TaskID: task.ID, Op: op, Reason: "task changed while the operation was applied"}
	case errors.Is(err, ErrTaskNotFound):
		return err
	default:
		return fmt.Errorf("%s task: %w", op, err)
	}
}

func (s *Service) register(task *Task) {
	if !task.IsActive || task.NextExecution == nil {
		s.registry.Disable(task.ID)
		return
	}
	spec, err := s.translator.Spec(task, task.NextExecution)
	if err != nil {
		s.logger.Warn("build schedule spec", "task_id", task.ID, "err", err)
		return
	}
	if err := s.registry.Register(task.ID, spec); err != nil {
		s.logger.Warn("register task", "task_id", task.ID, "err", err)
	}
}

func (s *Service) emit(ctx context.Context, n Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.logger.Warn("emit notification", "category", n.Category, "task_id", derefString(n.TaskID), "err", err)
	}
}

func modifyReason(task *Task, now time.Time) string {
	if task.ScheduleType == ScheduleOneTime {
		if task.ExecutedOnce {
			return "one-time task already executed"
		}
		return "scheduled time has passed"
	}
	return fmt.Sprintf("status is %s", task.Status)
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
