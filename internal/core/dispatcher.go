package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrQueueFull         = errors.New("dispatch queue full")
	ErrDispatcherStopped = errors.New("dispatcher stopped")
)

// Executor runs one attempt of a task.
type Executor interface {
	Execute(ctx context.Context, taskID string, retryCount int) Outcome
}

// AfterFunc schedules f after d and returns a function that cancels it.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

func defaultAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

type job struct {
	taskID string
	retry  int
}

// Dispatcher is the asynchronous execution entry point: a bounded queue
// drained by a fixed set of workers. Retries are resubmitted after their
// backoff delay instead of sleeping in a worker.
type Dispatcher struct {
	executor Executor
	logger   *slog.Logger
	after    AfterFunc

	queue   chan job
	workers int

	mu      sync.Mutex
	pending map[string]int
	timers  map[int]func() bool
	timerID int
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithAfterFunc replaces the timer used for delayed resubmission.
func WithAfterFunc(f AfterFunc) DispatcherOption {
	return func(d *Dispatcher) { d.after = f }
}

// NewDispatcher creates a dispatcher; call Start before submitting.
func NewDispatcher(executor Executor, logger *slog.Logger, workers, queueSize int, opts ...DispatcherOption) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	d := &Dispatcher{
		executor: executor,
		logger:   logger,
		after:    defaultAfterFunc,
		queue:    make(chan job, queueSize),
		workers:  workers,
		pending:  make(map[string]int),
		timers:   make(map[int]func() bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the workers. Cancelling ctx stops them from taking new jobs;
// an attempt already running is left to finish.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx != nil {
		return
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(d.ctx)
	}
}

// Stop cancels pending retries, discards queued jobs and waits for in-flight
// attempts to return.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.cancel == nil {
		d.mu.Unlock()
		return
	}
	d.cancel()
	for id, stop := range d.timers {
		if stop != nil {
			stop()
		}
		delete(d.timers, id)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Submit enqueues a fresh attempt of the task. It never blocks.
func (d *Dispatcher) Submit(taskID string) error {
	return d.enqueue(job{taskID: taskID}, false)
}

// Pending reports whether the task is queued, running, or waiting for a retry.
func (d *Dispatcher) Pending(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending[taskID] > 0
}

func (d *Dispatcher) enqueue(j job, wait bool) error {
	d.mu.Lock()
	ctx := d.ctx
	if ctx == nil || ctx.Err() != nil {
		d.mu.Unlock()
		return ErrDispatcherStopped
	}
	d.pending[j.taskID]++
	d.mu.Unlock()

	if wait {
		select {
		case d.queue <- j:
			return nil
		case <-ctx.Done():
			d.release(j.taskID)
			return ErrDispatcherStopped
		}
	}
	select {
	case d.queue <- j:
		return nil
	default:
		d.release(j.taskID)
		return ErrQueueFull
	}
}

func (d *Dispatcher) release(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending[taskID] <= 1 {
		delete(d.pending, taskID)
		return
	}
	d.pending[taskID]--
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.queue:
			if ctx.Err() != nil {
				d.release(j.taskID)
				return
			}
			out := d.executor.Execute(ctx, j.taskID, j.retry)
			if out.Retry != nil {
				d.scheduleRetry(j.taskID, *out.Retry)
			}
			d.release(j.taskID)
		}
	}
}

// scheduleRetry holds the task's pending slot until the delayed resubmission lands in the queue.
func (d *Dispatcher) scheduleRetry(taskID string, plan RetryPlan) {
	d.mu.Lock()
	if d.ctx == nil || d.ctx.Err() != nil {
		d.mu.Unlock()
		return
	}
	d.pending[taskID]++
	d.timerID++
	id := d.timerID
	d.timers[id] = nil
	d.mu.Unlock()

	stop := d.after(plan.Delay, func() {
		d.mu.Lock()
		delete(d.timers, id)
		d.mu.Unlock()
		if err := d.enqueue(job{taskID: taskID, retry: plan.Attempt}, true); err != nil {
			d.logger.Warn("resubmit retry", "task_id", taskID, "retry", plan.Attempt, "err", err)
		}
		d.release(taskID)
	})

	d.mu.Lock()
	if _, waiting := d.timers[id]; waiting {
		d.timers[id] = stop
	}
	d.mu.Unlock()
	d.logger.Debug("retry scheduled", "task_id", taskID, "retry", plan.Attempt, "delay", plan.Delay)
}
