package core

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scannerFixture struct {
	store     *memStore
	registry  *fakeRegistry
	submitter *fakeSubmitter
	notifier  *recordingNotifier
	scanner   *Scanner
}

func newScannerFixture(tasks ...*Task) *scannerFixture {
	log := &eventLog{}
	f := &scannerFixture{
		store:     newMemStore(tasks...),
		registry:  newFakeRegistry(log),
		submitter: &fakeSubmitter{},
		notifier:  &recordingNotifier{},
	}
	f.scanner = NewScanner(f.store, f.registry, f.submitter, f.notifier, NewTranslator(time.UTC), discardLogger(), fixedClock(base))
	return f
}

func missedTask(id string) *Task {
	at := base.Add(-10 * time.Minute)
	return &Task{
		ID:            id,
		Name:          "missed " + id,
		ScheduleType:  ScheduleOneTime,
		Status:        TaskStatusActive,
		ScheduledTime: &at,
		NextExecution: &at,
		IsActive:      true,
	}
}

func TestScanRecoversMissedOneTimeTaskOnce(t *testing.T) {
	f := newScannerFixture(missedTask("m1"))
	ctx := context.Background()

	res, err := f.scanner.Scan(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, ScanResult{Recovered: 1}, res)
	assert.Equal(t, []string{"m1"}, f.submitter.calls())

	recovery := f.notifier.byCategory(CategoryRecovery)
	require.Len(t, recovery, 1)
	assert.Equal(t, PriorityHigh, recovery[0].Priority)
	assert.Equal(t, "m1", *recovery[0].TaskID)

	// The first submission is still pending: a second pass must not duplicate it.
	res, err = f.scanner.Scan(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, ScanResult{}, res)
	assert.Equal(t, []string{"m1"}, f.submitter.calls())
	assert.Len(t, f.notifier.byCategory(CategoryRecovery), 1)
}

func TestScanWarnsWhenRedrivingFailedOneTimeTask(t *testing.T) {
	failed := missedTask("m1")
	failed.TotalExecutions = 4
	failed.MaxRetries = 3
	f := newScannerFixture(failed, missedTask("m2"))
	var buf bytes.Buffer
	f.scanner.logger = slog.New(slog.NewTextHandler(&buf, nil))

	res, err := f.scanner.Scan(context.Background(), base)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Recovered)

	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "task_id=m1 attempts=4 max_retries=3")
	assert.NotContains(t, out, "task_id=m2")
}

func TestScanIgnoresIneligibleOneTimeTasks(t *testing.T) {
	paused := missedTask("paused")
	paused.Status = TaskStatusPaused
	paused.IsActive = false

	executed := missedTask("done")
	executed.ExecutedOnce = true
	executed.Status = TaskStatusCompleted
	executed.IsActive = false

	future := missedTask("future")
	later := base.Add(time.Hour)
	future.ScheduledTime = &later

	f := newScannerFixture(paused, executed, future)
	res, err := f.scanner.Scan(context.Background(), base)
	require.NoError(t, err)
	assert.Equal(t, ScanResult{}, res)
	assert.Empty(t, f.submitter.calls())
}

func TestScanReRegistersStuckRecurringTask(t *testing.T) {
	task := intervalTask("i1", 3)
	f := newScannerFixture(task)
	ctx := context.Background()

	res, err := f.scanner.Scan(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, ScanResult{Stuck: 1}, res)

	spec, ok := f.registry.spec("i1")
	require.True(t, ok)
	assert.Equal(t, ScheduleInterval, spec.Type)
	assert.Equal(t, 5*time.Minute, spec.Every)
	assert.Equal(t, base.Add(5*time.Minute), spec.Anchor)

	stored, err := f.store.GetTask(ctx, "i1")
	require.NoError(t, err)
	require.NotNil(t, stored.NextExecution)
	assert.Equal(t, base.Add(5*time.Minute), *stored.NextExecution)
	assert.Empty(t, f.submitter.calls(), "stuck recurring tasks are re-registered, not executed")

	res, err = f.scanner.Scan(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, ScanResult{}, res)
}

func TestScanSkipsInactiveRecurringTasks(t *testing.T) {
	task := intervalTask("i1", 3)
	task.IsActive = false
	task.Status = TaskStatusPaused
	f := newScannerFixture(task)

	res, err := f.scanner.Scan(context.Background(), base)
	require.NoError(t, err)
	assert.Equal(t, ScanResult{}, res)
	_, ok := f.registry.spec("i1")
	assert.False(t, ok)
}
