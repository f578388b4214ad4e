package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intervalTask(id string, maxRetries int) *Task {
	return &Task{
		ID:                id,
		Name:              "backup " + id,
		ScheduleType:      ScheduleInterval,
		Status:            TaskStatusActive,
		IntervalSeconds:   intPtr(300),
		IsActive:          true,
		MaxRetries:        maxRetries,
		RetryDelaySeconds: 60,
	}
}

type engineFixture struct {
	store    *memStore
	registry *fakeRegistry
	notifier *recordingNotifier
	log      *eventLog
	engine   *Engine
}

func newEngineFixture(t *testing.T, work Work, opts EngineOptions, tasks ...*Task) *engineFixture {
	t.Helper()
	log := &eventLog{}
	f := &engineFixture{
		store:    newMemStore(tasks...),
		registry: newFakeRegistry(log),
		notifier: &recordingNotifier{log: log},
		log:      log,
	}
	if opts.Clock == nil {
		opts.Clock = fixedClock(base)
	}
	f.engine = NewEngine(f.store, f.registry, f.notifier, work, discardLogger(), opts)
	return f
}

func failingWork(msg string) Work {
	return WorkFunc(func(context.Context, *Task) (string, error) {
		return "", errors.New(msg)
	})
}

func TestExecuteRetriesWithLinearBackoffThenGivesUp(t *testing.T) {
	f := newEngineFixture(t, failingWork("disk full"), EngineOptions{}, intervalTask("t1", 2))
	ctx := context.Background()

	out := f.engine.Execute(ctx, "t1", 0)
	assert.Equal(t, LedgerFailed, out.Status)
	require.NotNil(t, out.Retry)
	assert.Equal(t, RetryPlan{Attempt: 1, Delay: 60 * time.Second}, *out.Retry)

	out = f.engine.Execute(ctx, "t1", 1)
	require.NotNil(t, out.Retry)
	assert.Equal(t, RetryPlan{Attempt: 2, Delay: 120 * time.Second}, *out.Retry)

	out = f.engine.Execute(ctx, "t1", 2)
	assert.Equal(t, LedgerFailed, out.Status)
	assert.Nil(t, out.Retry)

	entries := f.store.entries()
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, LedgerFailed, e.Status)
		assert.Equal(t, i, e.RetryCount)
		assert.Equal(t, "disk full", e.ErrorDetails["error"])
	}
	assert.Len(t, f.notifier.byCategory(CategoryTaskFailed), 3)

	task, err := f.store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 3, task.TotalExecutions)
	assert.True(t, task.IsActive, "recurring task keeps firing after exhaustion by default")
	assert.Equal(t, TaskStatusActive, task.Status)
}

func TestExecuteFailOnExhaustionDeactivatesTask(t *testing.T) {
	f := newEngineFixture(t, failingWork("boom"), EngineOptions{FailOnExhaustion: true}, intervalTask("t1", 0))

	out := f.engine.Execute(context.Background(), "t1", 0)
	assert.Nil(t, out.Retry)

	task, err := f.store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusFailed, task.Status)
	assert.False(t, task.IsActive)
	assert.Nil(t, task.NextExecution)
	assert.False(t, f.registry.enabled("t1"))
}

func TestExecuteCompletesOneTimeTask(t *testing.T) {
	at := base.Add(-time.Second)
	task := &Task{
		ID:            "once",
		Name:          "reminder",
		ScheduleType:  ScheduleOneTime,
		Status:        TaskStatusActive,
		ScheduledTime: &at,
		NextExecution: &at,
		IsActive:      true,
		MaxRetries:    3,
	}
	var ran int32
	work := WorkFunc(func(context.Context, *Task) (string, error) {
		atomic.AddInt32(&ran, 1)
		return "ok", nil
	})
	f := newEngineFixture(t, work, EngineOptions{}, task)

	out := f.engine.Execute(context.Background(), "once", 0)
	assert.Equal(t, LedgerSuccess, out.Status)
	assert.NotZero(t, out.LedgerID)
	assert.EqualValues(t, 1, ran)

	got, err := f.store.GetTask(context.Background(), "once")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCompleted, got.Status)
	assert.True(t, got.ExecutedOnce)
	assert.False(t, got.IsActive)
	assert.Nil(t, got.NextExecution)
	assert.Equal(t, 1, got.TotalExecutions)
	assert.Equal(t, base, *got.LastExecution)

	assert.Equal(t, []string{"notify:task_executed", "disable", "notify:task_completed"}, f.log.kinds())
	executed := f.notifier.byCategory(CategoryTaskExecuted)
	require.Len(t, executed, 1)
	assert.Equal(t, out.LedgerID, *executed[0].LedgerID)
	assert.Equal(t, PriorityMedium, executed[0].Priority)

	// A second trigger for the completed task is skipped.
	out = f.engine.Execute(context.Background(), "once", 0)
	assert.Equal(t, LedgerSkipped, out.Status)
	assert.Equal(t, ReasonInactive, out.Reason)
	assert.EqualValues(t, 1, ran)
}

func TestExecuteSkipsMissingTask(t *testing.T) {
	f := newEngineFixture(t, failingWork("unused"), EngineOptions{})

	out := f.engine.Execute(context.Background(), "ghost", 0)
	assert.Equal(t, LedgerSkipped, out.Status)
	assert.Equal(t, ReasonNotFound, out.Reason)
	assert.Nil(t, out.Retry)
	assert.Empty(t, f.store.entries())
	assert.Empty(t, f.log.kinds())
}

func TestExecuteSkipsInactiveTask(t *testing.T) {
	task := intervalTask("paused", 3)
	task.IsActive = false
	task.Status = TaskStatusPaused
	f := newEngineFixture(t, failingWork("unused"), EngineOptions{}, task)

	out := f.engine.Execute(context.Background(), "paused", 0)
	assert.Equal(t, LedgerSkipped, out.Status)
	assert.Equal(t, ReasonInactive, out.Reason)
	assert.Empty(t, f.store.entries())
}

func TestExecuteTimeoutWhenWorkHonoursContext(t *testing.T) {
	work := WorkFunc(func(ctx context.Context, _ *Task) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	f := newEngineFixture(t, work, EngineOptions{Timeout: 20 * time.Millisecond}, intervalTask("slow", 1))

	out := f.engine.Execute(context.Background(), "slow", 0)
	assert.Equal(t, LedgerTimeout, out.Status)
	require.NotNil(t, out.Retry)

	entries := f.store.entries()
	require.Len(t, entries, 1)
	assert.Equal(t, LedgerTimeout, entries[0].Status)
}

func TestExecuteIgnoresCallerCancellation(t *testing.T) {
	var workErr error
	work := WorkFunc(func(ctx context.Context, _ *Task) (string, error) {
		workErr = ctx.Err()
		return "done", nil
	})
	f := newEngineFixture(t, work, EngineOptions{}, intervalTask("i1", 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := f.engine.Execute(ctx, "i1", 0)
	assert.Equal(t, LedgerSuccess, out.Status)
	assert.NoError(t, workErr)

	entries := f.store.entries()
	require.Len(t, entries, 1)
	assert.Equal(t, LedgerSuccess, entries[0].Status)
	stored, err := f.store.GetTask(context.Background(), "i1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.TotalExecutions)
}

func TestExecuteTimeoutAbandonsStuckWork(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	work := WorkFunc(func(context.Context, *Task) (string, error) {
		<-release
		return "", nil
	})
	f := newEngineFixture(t, work, EngineOptions{Timeout: 20 * time.Millisecond}, intervalTask("stuck", 0))

	done := make(chan Outcome, 1)
	go func() { done <- f.engine.Execute(context.Background(), "stuck", 0) }()

	select {
	case out := <-done:
		assert.Equal(t, LedgerTimeout, out.Status)
		assert.Contains(t, out.Reason, ErrTimeout.Error())
	case <-time.After(2 * time.Second):
		t.Fatal("execute did not return after the timeout")
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	work := WorkFunc(func(context.Context, *Task) (string, error) {
		panic("nil map")
	})
	f := newEngineFixture(t, work, EngineOptions{}, intervalTask("p", 0))

	out := f.engine.Execute(context.Background(), "p", 0)
	assert.Equal(t, LedgerFailed, out.Status)

	entries := f.store.entries()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Message, "nil map")
	assert.NotEmpty(t, entries[0].ErrorDetails["stack"])
}

func TestExecuteTaskDeletedMidAttempt(t *testing.T) {
	var f *engineFixture
	work := WorkFunc(func(ctx context.Context, task *Task) (string, error) {
		return "", f.store.DeleteTask(ctx, task.ID)
	})
	f = newEngineFixture(t, work, EngineOptions{}, intervalTask("gone", 3))

	out := f.engine.Execute(context.Background(), "gone", 0)
	assert.Equal(t, LedgerSkipped, out.Status)
	assert.Equal(t, ReasonRemoved, out.Reason)
	assert.Nil(t, out.Retry)
	assert.Empty(t, f.notifier.byCategory(CategoryTaskExecuted))
}

func TestExecuteSerializesAttemptsPerTask(t *testing.T) {
	var (
		running int32
		maxSeen int32
	)
	work := WorkFunc(func(context.Context, *Task) (string, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			m := atomic.LoadInt32(&maxSeen)
			if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return "", nil
	})
	f := newEngineFixture(t, work, EngineOptions{}, intervalTask("s", 0))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.engine.Execute(context.Background(), "s", 0)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, maxSeen)
	assert.Len(t, f.store.entries(), 5)
	task, err := f.store.GetTask(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, 5, task.TotalExecutions)
}
