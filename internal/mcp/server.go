package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"taskwarden/internal/core"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// TaskService is the lifecycle surface exposed as MCP tools.
type TaskService interface {
	Create(ctx context.Context, in core.TaskInput) (*core.Task, error)
	Get(ctx context.Context, id string) (*core.Task, error)
	List(ctx context.Context, filter core.TaskFilter) ([]*core.Task, error)
	Ledger(ctx context.Context, id string, limit, offset int) ([]*core.LedgerEntry, error)
	Pause(ctx context.Context, id string) (*core.Task, error)
	Resume(ctx context.Context, id string) (*core.Task, error)
	ExecuteNow(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Preview(in core.TaskInput, n int) ([]time.Time, error)
}

// MCPServer exposes task management over the Model Context Protocol.
type MCPServer struct {
	tasks    TaskService
	logger   *slog.Logger
	location *time.Location
	server   *server.MCPServer
}

// NewMCPServer creates a new MCP server instance with all tools registered.
func NewMCPServer(tasks TaskService, logger *slog.Logger, location *time.Location) *MCPServer {
	s := &MCPServer{
		tasks:    tasks,
		logger:   logger,
		location: location,
	}
	s.server = server.NewMCPServer(
		"taskwarden",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools(s.server)
	return s
}

// Run serves the MCP protocol on stdio until the client disconnects.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.server)
}

// Handler returns a streamable HTTP transport for mounting under the API router.
func (s *MCPServer) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.server)
}

// registerTools registers all available MCP tools.
func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	scheduleParams := []mcp.ToolOption{
		mcp.WithString("schedule_type",
			mcp.Required(),
			mcp.Description("How the task fires"),
			mcp.Enum(string(core.ScheduleOneTime), string(core.ScheduleCron), string(core.ScheduleInterval)),
		),
		mcp.WithString("scheduled_time",
			mcp.Description("RFC3339 instant for one_time tasks"),
		),
		mcp.WithString("cron_minute", mcp.Description("Cron minute field, default *")),
		mcp.WithString("cron_hour", mcp.Description("Cron hour field, default *")),
		mcp.WithString("cron_day_of_month", mcp.Description("Cron day-of-month field, default *")),
		mcp.WithString("cron_month", mcp.Description("Cron month field, default *")),
		mcp.WithString("cron_day_of_week", mcp.Description("Cron day-of-week field, default *")),
		mcp.WithNumber("interval_seconds",
			mcp.Description("Seconds between fires for interval tasks (minimum 60)"),
			mcp.Min(core.MinIntervalSeconds),
		),
	}

	createOpts := append([]mcp.ToolOption{
		mcp.WithDescription("Create a scheduled task (one_time, cron or interval)"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Task name"),
		),
		mcp.WithString("description", mcp.Description("Free-form description")),
		mcp.WithString("command", mcp.Description("Shell command to run on each fire (optional)")),
		mcp.WithNumber("max_retries",
			mcp.Description("Retries after a failed attempt, default 3"),
			mcp.Min(0),
		),
		mcp.WithNumber("retry_delay_seconds",
			mcp.Description("Base retry delay in seconds, default 60"),
			mcp.Min(0),
		),
		mcp.WithBoolean("paused", mcp.Description("Create the task paused")),
	}, scheduleParams...)
	mcpServer.AddTool(mcp.NewTool("task_create", createOpts...), s.handleCreateTask)

	mcpServer.AddTool(mcp.NewTool("task_list",
		mcp.WithDescription("List scheduled tasks"),
		mcp.WithString("status",
			mcp.Description("Filter by status"),
			mcp.Enum(string(core.TaskStatusActive), string(core.TaskStatusPaused), string(core.TaskStatusCompleted), string(core.TaskStatusFailed)),
		),
	), s.handleListTasks)

	mcpServer.AddTool(mcp.NewTool("task_get",
		mcp.WithDescription("Show task details"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
	), s.handleGetTask)

	mcpServer.AddTool(mcp.NewTool("task_pause",
		mcp.WithDescription("Pause an active task"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
	), s.handlePauseTask)

	mcpServer.AddTool(mcp.NewTool("task_resume",
		mcp.WithDescription("Resume a paused task"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
	), s.handleResumeTask)

	mcpServer.AddTool(mcp.NewTool("task_run",
		mcp.WithDescription("Execute a task immediately without changing its schedule"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
	), s.handleRunTask)

	mcpServer.AddTool(mcp.NewTool("task_delete",
		mcp.WithDescription("Delete a task and its execution history"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
	), s.handleDeleteTask)

	mcpServer.AddTool(mcp.NewTool("task_ledger",
		mcp.WithDescription("Show a task's execution history, newest first"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
		mcp.WithNumber("limit",
			mcp.Description("Number of entries, default 20"),
			mcp.Min(1),
			mcp.Max(100),
		),
	), s.handleLedger)

	previewOpts := append([]mcp.ToolOption{
		mcp.WithDescription("Preview the upcoming fire times of a schedule"),
		mcp.WithNumber("count",
			mcp.Description("Number of fire times, default 5"),
			mcp.Min(1),
			mcp.Max(10),
		),
	}, scheduleParams...)
	mcpServer.AddTool(mcp.NewTool("schedule_preview", previewOpts...), s.handlePreview)

	s.logger.Info("MCP tools registered", "count", 9)
}

func (s *MCPServer) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	in, err := s.scheduleInput(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	in.Name = mcp.ParseString(request, "name", "")
	in.Description = mcp.ParseString(request, "description", "")
	in.Command = mcp.ParseString(request, "command", "")
	in.Paused = mcp.ParseBoolean(request, "paused", false)
	createdBy := "mcp"
	in.CreatedBy = &createdBy
	if v := mcp.ParseFloat64(request, "max_retries", -1); v >= 0 {
		retries := int(v)
		in.MaxRetries = &retries
	}
	if v := mcp.ParseFloat64(request, "retry_delay_seconds", -1); v >= 0 {
		delay := int(v)
		in.RetryDelaySeconds = &delay
	}

	task, err := s.tasks.Create(ctx, in)
	if err != nil {
		return toolError("create task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task created\nID: %s\nStatus: %s\nNext execution: %s",
		task.ID, task.Status, s.formatTime(task.NextExecution))), nil
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var filter core.TaskFilter
	if status := mcp.ParseString(request, "status", ""); status != "" {
		st := core.TaskStatus(status)
		filter.Status = &st
	}
	tasks, err := s.tasks.List(ctx, filter)
	if err != nil {
		return toolError("list tasks", err), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d task(s):\n", len(tasks))
	for _, task := range tasks {
		fmt.Fprintf(&b, "- [%s] %s (%s, %s) next: %s\n",
			task.ID, truncateString(task.Name, 40), task.ScheduleType, task.Status, s.formatTime(task.NextExecution))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := s.tasks.Get(ctx, mcp.ParseString(request, "task_id", ""))
	if err != nil {
		return toolError("get task", err), nil
	}
	return mcp.NewToolResultText(s.describeTask(task)), nil
}

func (s *MCPServer) handlePauseTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := s.tasks.Pause(ctx, mcp.ParseString(request, "task_id", ""))
	if err != nil {
		return toolError("pause task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task paused: %s", task.ID)), nil
}

func (s *MCPServer) handleResumeTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := s.tasks.Resume(ctx, mcp.ParseString(request, "task_id", ""))
	if err != nil {
		return toolError("resume task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task resumed: %s\nNext execution: %s", task.ID, s.formatTime(task.NextExecution))), nil
}

func (s *MCPServer) handleRunTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	if err := s.tasks.ExecuteNow(ctx, taskID); err != nil {
		return toolError("run task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task submitted for execution: %s", taskID)), nil
}

func (s *MCPServer) handleDeleteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	if err := s.tasks.Delete(ctx, taskID); err != nil {
		return toolError("delete task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task deleted: %s", taskID)), nil
}

func (s *MCPServer) handleLedger(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	limit := int(mcp.ParseFloat64(request, "limit", 20))
	entries, err := s.tasks.Ledger(ctx, taskID, limit, 0)
	if err != nil {
		return toolError("list ledger", err), nil
	}
	if len(entries) == 0 {
		return mcp.NewToolResultText("No executions recorded for this task"), nil
	}
	var b strings.Builder
	for _, entry := range entries {
		fmt.Fprintf(&b, "#%d %s %s retry=%d %.2fs %s\n",
			entry.ID, entry.ExecutedAt.In(s.location).Format(time.RFC3339), entry.Status,
			entry.RetryCount, entry.ExecutionTimeSeconds, truncateString(entry.Message, 80))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handlePreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	in, err := s.scheduleInput(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	count := int(mcp.ParseFloat64(request, "count", 5))
	if count <= 0 || count > 10 {
		count = 5
	}
	times, err := s.tasks.Preview(in, count)
	if err != nil {
		return toolError("preview schedule", err), nil
	}
	var b strings.Builder
	for i, t := range times {
		fmt.Fprintf(&b, "%d. %s\n", i+1, t.In(s.location).Format("2006-01-02 15:04:05 MST"))
	}
	return mcp.NewToolResultText(b.String()), nil
}

// scheduleInput reads the schedule parameters shared by create and preview.
func (s *MCPServer) scheduleInput(request mcp.CallToolRequest) (core.TaskInput, error) {
	in := core.TaskInput{
		ScheduleType: core.ScheduleType(mcp.ParseString(request, "schedule_type", "")),
		Cron: core.CronFields{
			Minute:     mcp.ParseString(request, "cron_minute", ""),
			Hour:       mcp.ParseString(request, "cron_hour", ""),
			DayOfMonth: mcp.ParseString(request, "cron_day_of_month", ""),
			Month:      mcp.ParseString(request, "cron_month", ""),
			DayOfWeek:  mcp.ParseString(request, "cron_day_of_week", ""),
		},
	}
	if raw := mcp.ParseString(request, "scheduled_time", ""); raw != "" {
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return in, fmt.Errorf("scheduled_time must be RFC3339: %v", err)
		}
		in.ScheduledTime = &at
	}
	if v := mcp.ParseFloat64(request, "interval_seconds", 0); v > 0 {
		seconds := int(v)
		in.IntervalSeconds = &seconds
	}
	return in, nil
}

func (s *MCPServer) describeTask(task *core.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ID: %s\nName: %s\n", task.ID, task.Name)
	if task.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", task.Description)
	}
	if task.Command != "" {
		fmt.Fprintf(&b, "Command: %s\n", task.Command)
	}
	fmt.Fprintf(&b, "Schedule: %s", task.ScheduleType)
	switch task.ScheduleType {
	case core.ScheduleOneTime:
		fmt.Fprintf(&b, " at %s", s.formatTime(task.ScheduledTime))
	case core.ScheduleCron:
		fmt.Fprintf(&b, " %q", task.Cron.Expr())
	case core.ScheduleInterval:
		if task.IntervalSeconds != nil {
			fmt.Fprintf(&b, " every %ds", *task.IntervalSeconds)
		}
	}
	fmt.Fprintf(&b, "\nStatus: %s (active=%t)\n", task.Status, task.IsActive)
	fmt.Fprintf(&b, "Executions: %d\nLast execution: %s\nNext execution: %s\n",
		task.TotalExecutions, s.formatTime(task.LastExecution), s.formatTime(task.NextExecution))
	fmt.Fprintf(&b, "Retries: %d (delay %ds)\n", task.MaxRetries, task.RetryDelaySeconds)
	return b.String()
}

func (s *MCPServer) formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.In(s.location).Format("2006-01-02 15:04:05 MST")
}

func toolError(op string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, core.ErrTaskNotFound):
		return mcp.NewToolResultError("task not found")
	case errors.Is(err, core.ErrValidation), errors.Is(err, core.ErrModification):
		return mcp.NewToolResultError(err.Error())
	default:
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", op, err))
	}
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
