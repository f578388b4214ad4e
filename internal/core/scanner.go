package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// ScanResult summarizes one recovery pass.
type ScanResult struct {
	Recovered int
	Stuck     int
}

// Scanner reconciles task records against the trigger registry. The task
// record is the source of truth; the registry is repaired from it.
type Scanner struct {
	store      Store
	registry   Registry
	submitter  Submitter
	notifier   Notifier
	translator Translator
	logger     *slog.Logger
	clock      Clock

	cron *cron.Cron
}

// NewScanner constructs a recovery scanner.
func NewScanner(store Store, registry Registry, submitter Submitter, notifier Notifier, translator Translator, logger *slog.Logger, clock Clock) *Scanner {
	return &Scanner{
		store:      store,
		registry:   registry,
		submitter:  submitter,
		notifier:   notifier,
		translator: translator,
		logger:     logger,
		clock:      clock,
	}
}

// Start runs Scan every interval until Stop. Overlapping passes are skipped.
func (s *Scanner) Start(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 5 * time.Minute
	}
	s.cron = cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)))
	s.cron.Schedule(cron.Every(every), cron.FuncJob(func() {
		res, err := s.Scan(ctx, s.clock.now())
		if err != nil {
			s.logger.Error("recovery scan", "err", err)
			return
		}
		if res.Recovered > 0 || res.Stuck > 0 {
			s.logger.Info("recovery scan repaired tasks", "recovered", res.Recovered, "stuck", res.Stuck)
		}
	}))
	s.cron.Start()
	s.logger.Info("recovery scanner started", "every", every)
}

// Stop halts the cadence and returns a context done when a running pass finishes.
func (s *Scanner) Stop() context.Context {
	if s.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return s.cron.Stop()
}

// Scan re-drives missed one-time tasks and re-registers stuck recurring ones.
// Each candidate is re-read before acting so a task that left the matching
// state since the query is left alone.
func (s *Scanner) Scan(ctx context.Context, now time.Time) (ScanResult, error) {
	var res ScanResult

	missed, err := s.store.ListMissedOneTime(ctx, now)
	if err != nil {
		return res, fmt.Errorf("list missed one-time tasks: %w", err)
	}
	for _, candidate := range missed {
		if s.submitter.Pending(candidate.ID) {
			continue
		}
		task, ok := s.reload(ctx, candidate.ID)
		if !ok || !missedOneTime(task, now) {
			continue
		}
		if task.TotalExecutions > 0 {
			// Earlier attempts failed without completing the task; unless the
			// task fails on exhaustion it is re-driven on every pass.
			s.logger.Warn("re-driving one-time task whose earlier attempts failed",
				"task_id", task.ID, "attempts", task.TotalExecutions, "max_retries", task.MaxRetries)
		}
		if err := s.submitter.Submit(task.ID); err != nil {
			s.logger.Warn("submit missed task", "task_id", task.ID, "err", err)
			continue
		}
		res.Recovered++
		s.emit(ctx, Notification{
			Title:    "Task Recovery: " + task.Name,
			Message:  fmt.Sprintf("Task '%s' was missed and has been triggered for recovery.", task.Name),
			Category: CategoryRecovery,
			Priority: PriorityHigh,
			TaskID:   ptrString(task.ID),
		})
	}

	stuck, err := s.store.ListStuckRecurring(ctx, now)
	if err != nil {
		return res, fmt.Errorf("list stuck recurring tasks: %w", err)
	}
	for _, candidate := range stuck {
		task, ok := s.reload(ctx, candidate.ID)
		if !ok || !stuckRecurring(task, now) {
			continue
		}
		if err := s.reregister(ctx, task, now); err != nil {
			s.logger.Warn("re-register stuck task", "task_id", task.ID, "err", err)
			continue
		}
		res.Stuck++
	}
	return res, nil
}

func (s *Scanner) reregister(ctx context.Context, task *Task, now time.Time) error {
	next, err := s.translator.Upcoming(task, now)
	if err != nil {
		return err
	}
	spec, err := s.translator.Spec(task, next)
	if err != nil {
		return err
	}
	if err := s.store.UpdateTaskNextRun(ctx, task.ID, next); err != nil {
		return err
	}
	if err := s.registry.Register(task.ID, spec); err != nil {
		return err
	}
	s.logger.Info("re-registered stuck task", "task_id", task.ID, "spec", spec.String())
	return nil
}

func (s *Scanner) reload(ctx context.Context, id string) (*Task, bool) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrTaskNotFound) {
			s.logger.Warn("reload task during scan", "task_id", id, "err", err)
		}
		return nil, false
	}
	return task, true
}

func (s *Scanner) emit(ctx context.Context, n Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.logger.Warn("emit notification", "category", n.Category, "task_id", derefString(n.TaskID), "err", err)
	}
}

func missedOneTime(t *Task, now time.Time) bool {
	return t.ScheduleType == ScheduleOneTime &&
		t.ScheduledTime != nil && !t.ScheduledTime.After(now) &&
		!t.ExecutedOnce && t.IsActive && t.Status == TaskStatusActive
}

func stuckRecurring(t *Task, now time.Time) bool {
	return t.ScheduleType.Recurring() && t.IsActive && t.Status == TaskStatusActive &&
		(t.NextExecution == nil || !t.NextExecution.After(now))
}
