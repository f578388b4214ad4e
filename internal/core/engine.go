package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// DefaultTimeout is the hard ceiling for one attempt when none is configured.
const DefaultTimeout = 5 * time.Minute

// ErrTimeout reports that an attempt exceeded the engine's wall-clock ceiling.
var ErrTimeout = errors.New("execution timed out")

// Skip reasons reported in Outcome.Reason.
const (
	ReasonNotFound = "not found"
	ReasonInactive = "inactive"
	ReasonRemoved  = "task removed during execution"
)

// RetryPlan asks the dispatcher to resubmit the task after Delay.
type RetryPlan struct {
	Attempt int
	Delay   time.Duration
}

// Outcome is the result of Engine.Execute.
type Outcome struct {
	TaskID     string
	Status     LedgerStatus
	Reason     string
	RetryCount int
	LedgerID   int64
	Retry      *RetryPlan
}

// EngineOptions tunes the execution engine.
type EngineOptions struct {
	Timeout time.Duration
	// FailOnExhaustion marks a task failed and inactive once its retries run out.
	FailOnExhaustion bool
	Clock            Clock
}

// Engine runs single attempts of a task's work and applies the retry policy.
type Engine struct {
	store    Store
	registry Registry
	notifier Notifier
	work     Work
	logger   *slog.Logger
	opts     EngineOptions

	locks keyedMutex
}

// NewEngine constructs an engine with the given dependencies.
func NewEngine(store Store, registry Registry, notifier Notifier, work Work, logger *slog.Logger, opts EngineOptions) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Engine{
		store:    store,
		registry: registry,
		notifier: notifier,
		work:     work,
		logger:   logger,
		opts:     opts,
		locks:    keyedMutex{locks: make(map[string]*refMutex)},
	}
}

// Execute runs one attempt of the task. Attempts for the same task are
// serialized. Cancelling ctx does not abort an attempt: once started it runs
// to completion or to the hard timeout, and its ledger entry is committed.
func (e *Engine) Execute(ctx context.Context, taskID string, retryCount int) Outcome {
	ctx = context.WithoutCancel(ctx)
	unlock := e.locks.Lock(taskID)
	defer unlock()

	out := Outcome{TaskID: taskID, RetryCount: retryCount}

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		out.Status = LedgerSkipped
		out.Reason = ReasonNotFound
		if !errors.Is(err, ErrTaskNotFound) {
			out.Reason = fmt.Sprintf("load task: %v", err)
			e.logger.Error("load task for execution", "task_id", taskID, "err", err)
		}
		return out
	}
	if !task.IsActive {
		out.Status = LedgerSkipped
		out.Reason = ReasonInactive
		e.logger.Debug("skipping inactive task", "task_id", taskID)
		return out
	}

	startedAt := e.opts.Clock.now()
	output, details, runErr := e.run(ctx, task)
	elapsed := e.opts.Clock.now().Sub(startedAt).Seconds()

	if runErr == nil {
		return e.succeed(ctx, task, out, startedAt, elapsed, output)
	}
	return e.fail(ctx, task, out, startedAt, elapsed, runErr, details)
}

func (e *Engine) succeed(ctx context.Context, task *Task, out Outcome, startedAt time.Time, elapsed float64, output string) Outcome {
	out.Status = LedgerSuccess
	entry := LedgerEntry{
		TaskID:               task.ID,
		ExecutedAt:           startedAt,
		Status:               LedgerSuccess,
		Message:              fmt.Sprintf("Task executed successfully in %.2fs", elapsed),
		ExecutionTimeSeconds: elapsed,
		RetryCount:           out.RetryCount,
	}
	if output != "" {
		entry.ErrorDetails = map[string]any{"output": output}
	}
	complete := task.ScheduleType == ScheduleOneTime

	ledgerID, err := e.store.RecordAttempt(ctx, Attempt{
		TaskID:    task.ID,
		StartedAt: startedAt,
		Entry:     entry,
		Complete:  complete,
	})
	if err != nil {
		return e.recordFailed(task.ID, out, err)
	}
	out.LedgerID = ledgerID
	e.logger.Info("task executed", "task_id", task.ID, "ledger_id", ledgerID, "retry", out.RetryCount, "elapsed_s", elapsed)

	e.emit(ctx, Notification{
		Title:    "Task Executed: " + task.Name,
		Message:  fmt.Sprintf("Task '%s' completed successfully at %s.", task.Name, e.opts.Clock.now().Format("2006-01-02 15:04:05")),
		Category: CategoryTaskExecuted,
		Priority: PriorityMedium,
		TaskID:   ptrString(task.ID),
		LedgerID: &ledgerID,
	})

	if complete {
		e.registry.Disable(task.ID)
		e.emit(ctx, Notification{
			Title:    "Task Completed: " + task.Name,
			Message:  fmt.Sprintf("One-time task '%s' has been completed.", task.Name),
			Category: CategoryTaskCompleted,
			Priority: PriorityLow,
			TaskID:   ptrString(task.ID),
		})
	}
	return out
}

func (e *Engine) fail(ctx context.Context, task *Task, out Outcome, startedAt time.Time, elapsed float64, runErr error, details map[string]any) Outcome {
	out.Status = LedgerFailed
	if errors.Is(runErr, ErrTimeout) {
		out.Status = LedgerTimeout
	}
	exhausted := out.RetryCount >= task.MaxRetries

	if details == nil {
		details = map[string]any{}
	}
	details["error"] = runErr.Error()
	details["retry_count"] = out.RetryCount

	ledgerID, err := e.store.RecordAttempt(ctx, Attempt{
		TaskID:    task.ID,
		StartedAt: startedAt,
		Entry: LedgerEntry{
			TaskID:               task.ID,
			ExecutedAt:           startedAt,
			Status:               out.Status,
			Message:              runErr.Error(),
			ErrorDetails:         details,
			ExecutionTimeSeconds: elapsed,
			RetryCount:           out.RetryCount,
		},
		Exhausted: exhausted && e.opts.FailOnExhaustion,
	})
	if err != nil {
		return e.recordFailed(task.ID, out, err)
	}
	out.LedgerID = ledgerID
	out.Reason = runErr.Error()

	e.emit(ctx, Notification{
		Title:    "Task Failed: " + task.Name,
		Message:  fmt.Sprintf("Task execution failed: %v", runErr),
		Category: CategoryTaskFailed,
		Priority: PriorityHigh,
		TaskID:   ptrString(task.ID),
		LedgerID: &ledgerID,
	})

	if exhausted {
		e.logger.Warn("task failed, retries exhausted", "task_id", task.ID, "ledger_id", ledgerID, "retry", out.RetryCount, "err", runErr)
		if e.opts.FailOnExhaustion {
			e.registry.Disable(task.ID)
		}
		return out
	}

	delay := time.Duration(task.RetryDelaySeconds*(out.RetryCount+1)) * time.Second
	out.Retry = &RetryPlan{Attempt: out.RetryCount + 1, Delay: delay}
	e.logger.Warn("task failed, retry scheduled", "task_id", task.ID, "ledger_id", ledgerID, "retry", out.RetryCount, "delay", delay, "err", runErr)
	return out
}

// recordFailed handles a commit that could not be applied. A task deleted
// mid-attempt is not an error; anything else is logged. Neither retries.
func (e *Engine) recordFailed(taskID string, out Outcome, err error) Outcome {
	if errors.Is(err, ErrTaskNotFound) {
		e.logger.Info("task vanished before its attempt was recorded", "task_id", taskID)
		out.Status = LedgerSkipped
		out.Reason = ReasonRemoved
		return out
	}
	e.logger.Error("record attempt", "task_id", taskID, "err", err)
	out.Reason = fmt.Sprintf("record attempt: %v", err)
	return out
}

// run invokes the work capability under the hard ceiling. The attempt is
// abandoned at the deadline even if the work ignores ctx.
func (e *Engine) run(ctx context.Context, task *Task) (string, map[string]any, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	type result struct {
		output string
		err    error
		stack  string
	}
	done := make(chan result, 1)
	snapshot := task.Clone()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("work panicked: %v", r), stack: string(debug.Stack())}
			}
		}()
		output, err := e.work.Run(runCtx, snapshot)
		done <- result{output: output, err: err}
	}()

	select {
	case r := <-done:
		var details map[string]any
		if r.stack != "" || (r.err != nil && r.output != "") {
			details = map[string]any{}
			if r.stack != "" {
				details["stack"] = r.stack
			}
			if r.output != "" {
				details["output"] = r.output
			}
		}
		if r.err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return r.output, details, fmt.Errorf("%w after %s", ErrTimeout, e.opts.Timeout)
		}
		return r.output, details, r.err
	case <-runCtx.Done():
		return "", nil, fmt.Errorf("%w after %s", ErrTimeout, e.opts.Timeout)
	}
}

func (e *Engine) emit(ctx context.Context, n Notification) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.logger.Warn("emit notification", "category", n.Category, "task_id", derefString(n.TaskID), "err", err)
	}
}

// keyedMutex serializes work per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
