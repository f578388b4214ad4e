package mcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskwarden/internal/core"
)

type stubTasks struct {
	created  core.TaskInput
	tasks    map[string]*core.Task
	executed []string
	preview  []time.Time
}

func newStubTasks() *stubTasks {
	return &stubTasks{tasks: make(map[string]*core.Task)}
}

func (s *stubTasks) Create(_ context.Context, in core.TaskInput) (*core.Task, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("%w: name is required", core.ErrValidation)
	}
	s.created = in
	task := &core.Task{ID: "t1", Name: in.Name, ScheduleType: in.ScheduleType, Status: core.TaskStatusActive, IsActive: true}
	s.tasks[task.ID] = task
	return task, nil
}

func (s *stubTasks) Get(_ context.Context, id string) (*core.Task, error) {
	if t, ok := s.tasks[id]; ok {
		return t, nil
	}
	return nil, core.ErrTaskNotFound
}

func (s *stubTasks) List(context.Context, core.TaskFilter) ([]*core.Task, error) {
	var out []*core.Task
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (s *stubTasks) Ledger(context.Context, string, int, int) ([]*core.LedgerEntry, error) {
	return nil, nil
}

func (s *stubTasks) Pause(ctx context.Context, id string) (*core.Task, error) { return s.Get(ctx, id) }

func (s *stubTasks) Resume(ctx context.Context, id string) (*core.Task, error) { return s.Get(ctx, id) }

func (s *stubTasks) ExecuteNow(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	s.executed = append(s.executed, id)
	return nil
}

func (s *stubTasks) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	delete(s.tasks, id)
	return nil
}

func (s *stubTasks) Preview(core.TaskInput, int) ([]time.Time, error) { return s.preview, nil }

func newTestServer(tasks TaskService) *MCPServer {
	return NewMCPServer(tasks, slog.New(slog.NewTextHandler(io.Discard, nil)), time.UTC)
}

func call(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestCreateTaskParsesSchedule(t *testing.T) {
	tasks := newStubTasks()
	s := newTestServer(tasks)

	res, err := s.handleCreateTask(context.Background(), call(map[string]any{
		"name":             "sync",
		"command":          "echo hi",
		"schedule_type":    "interval",
		"interval_seconds": float64(120),
		"max_retries":      float64(2),
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), "ID: t1")

	require.NotNil(t, tasks.created.IntervalSeconds)
	assert.Equal(t, 120, *tasks.created.IntervalSeconds)
	require.NotNil(t, tasks.created.MaxRetries)
	assert.Equal(t, 2, *tasks.created.MaxRetries)
	assert.Nil(t, tasks.created.RetryDelaySeconds)
	require.NotNil(t, tasks.created.CreatedBy)
	assert.Equal(t, "mcp", *tasks.created.CreatedBy)
}

func TestCreateTaskErrors(t *testing.T) {
	s := newTestServer(newStubTasks())

	res, err := s.handleCreateTask(context.Background(), call(map[string]any{
		"name":           "x",
		"schedule_type":  "one_time",
		"scheduled_time": "tomorrow",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "RFC3339")

	res, err = s.handleCreateTask(context.Background(), call(map[string]any{"schedule_type": "cron"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "name is required")
}

func TestTaskToolsReportNotFound(t *testing.T) {
	s := newTestServer(newStubTasks())
	args := call(map[string]any{"task_id": "missing"})

	for name, handler := range map[string]func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		"get":    s.handleGetTask,
		"pause":  s.handlePauseTask,
		"resume": s.handleResumeTask,
		"run":    s.handleRunTask,
		"delete": s.handleDeleteTask,
	} {
		res, err := handler(context.Background(), args)
		require.NoError(t, err, name)
		assert.True(t, res.IsError, name)
		assert.Equal(t, "task not found", resultText(t, res), name)
	}
}

func TestRunAndDescribeTask(t *testing.T) {
	tasks := newStubTasks()
	tasks.tasks["t1"] = &core.Task{
		ID:           "t1",
		Name:         "nightly",
		ScheduleType: core.ScheduleCron,
		Cron:         core.CronFields{Minute: "0", Hour: "3", DayOfMonth: "*", Month: "*", DayOfWeek: "*"},
		Status:       core.TaskStatusActive,
		IsActive:     true,
	}
	s := newTestServer(tasks)

	res, err := s.handleRunTask(context.Background(), call(map[string]any{"task_id": "t1"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, []string{"t1"}, tasks.executed)

	res, err = s.handleGetTask(context.Background(), call(map[string]any{"task_id": "t1"}))
	require.NoError(t, err)
	text := resultText(t, res)
	assert.Contains(t, text, `Schedule: cron "0 3 * * *"`)
	assert.Contains(t, text, "Next execution: -")
}

func TestPreviewFormatsTimes(t *testing.T) {
	tasks := newStubTasks()
	tasks.preview = []time.Time{
		time.Date(2024, 3, 4, 11, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC),
	}
	s := newTestServer(tasks)

	res, err := s.handlePreview(context.Background(), call(map[string]any{"schedule_type": "cron", "cron_minute": "0"}))
	require.NoError(t, err)
	assert.Equal(t, "1. 2024-03-04 11:00:00 UTC\n2. 2024-03-04 12:00:00 UTC\n", resultText(t, res))
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", truncateString("short", 10))
	assert.Equal(t, "abcd...", truncateString("abcdefghij", 7))
}
