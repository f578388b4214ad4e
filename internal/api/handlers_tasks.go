package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskwarden/internal/core"

	"github.com/go-chi/chi/v5"
)

type cronRequest struct {
	Minute     string `json:"minute"`
	Hour       string `json:"hour"`
	DayOfWeek  string `json:"day_of_week"`
	DayOfMonth string `json:"day_of_month"`
	Month      string `json:"month"`
}

func (c *cronRequest) fields() core.CronFields {
	if c == nil {
		return core.CronFields{}
	}
	return core.CronFields{
		Minute:     strings.TrimSpace(c.Minute),
		Hour:       strings.TrimSpace(c.Hour),
		DayOfWeek:  strings.TrimSpace(c.DayOfWeek),
		DayOfMonth: strings.TrimSpace(c.DayOfMonth),
		Month:      strings.TrimSpace(c.Month),
	}
}

type createTaskRequest struct {
	Name              string       `json:"name"`
	Description       string       `json:"description"`
	Command           string       `json:"command"`
	CreatedBy         *string      `json:"created_by"`
	ScheduleType      string       `json:"schedule_type"`
	ScheduledTime     *time.Time   `json:"scheduled_time"`
	Cron              *cronRequest `json:"cron"`
	IntervalSeconds   *int         `json:"interval_seconds"`
	MaxRetries        *int         `json:"max_retries"`
	RetryDelaySeconds *int         `json:"retry_delay_seconds"`
	Paused            bool         `json:"paused"`
}

func (req createTaskRequest) input() core.TaskInput {
	return core.TaskInput{
		Name:              req.Name,
		Description:       req.Description,
		Command:           req.Command,
		CreatedBy:         req.CreatedBy,
		ScheduleType:      core.ScheduleType(strings.TrimSpace(req.ScheduleType)),
		ScheduledTime:     req.ScheduledTime,
		Cron:              req.Cron.fields(),
		IntervalSeconds:   req.IntervalSeconds,
		MaxRetries:        req.MaxRetries,
		RetryDelaySeconds: req.RetryDelaySeconds,
		Paused:            req.Paused,
	}
}

type updateTaskRequest struct {
	Name              *string      `json:"name"`
	Description       *string      `json:"description"`
	Command           *string      `json:"command"`
	ScheduleType      *string      `json:"schedule_type"`
	ScheduledTime     *time.Time   `json:"scheduled_time"`
	Cron              *cronRequest `json:"cron"`
	IntervalSeconds   *int         `json:"interval_seconds"`
	MaxRetries        *int         `json:"max_retries"`
	RetryDelaySeconds *int         `json:"retry_delay_seconds"`
}

func (req updateTaskRequest) patch() core.TaskPatch {
	patch := core.TaskPatch{
		Name:              req.Name,
		Description:       req.Description,
		Command:           req.Command,
		ScheduledTime:     req.ScheduledTime,
		IntervalSeconds:   req.IntervalSeconds,
		MaxRetries:        req.MaxRetries,
		RetryDelaySeconds: req.RetryDelaySeconds,
	}
	if req.ScheduleType != nil {
		st := core.ScheduleType(strings.TrimSpace(*req.ScheduleType))
		patch.ScheduleType = &st
	}
	if req.Cron != nil {
		fields := req.Cron.fields()
		patch.Cron = &fields
	}
	return patch
}

type taskResponse struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	Description       string       `json:"description,omitempty"`
	Command           string       `json:"command,omitempty"`
	CreatedBy         *string      `json:"created_by,omitempty"`
	ScheduleType      string       `json:"schedule_type"`
	Status            string       `json:"status"`
	ScheduledTime     *string      `json:"scheduled_time,omitempty"`
	Cron              *cronRequest `json:"cron,omitempty"`
	IntervalSeconds   *int         `json:"interval_seconds,omitempty"`
	IsActive          bool         `json:"is_active"`
	ExecutedOnce      bool         `json:"executed_once"`
	TotalExecutions   int          `json:"total_executions"`
	LastExecution     *string      `json:"last_execution,omitempty"`
	NextExecution     *string      `json:"next_execution,omitempty"`
	MaxRetries        int          `json:"max_retries"`
	RetryDelaySeconds int          `json:"retry_delay_seconds"`
	CanBeModified     bool         `json:"can_be_modified"`
	CanBeDeleted      bool         `json:"can_be_deleted"`
	CreatedAt         string       `json:"created_at"`
	UpdatedAt         string       `json:"updated_at"`
}

type ledgerResponse struct {
	ID                   int64          `json:"id"`
	TaskID               string         `json:"task_id"`
	ExecutedAt           string         `json:"executed_at"`
	Status               string         `json:"status"`
	Message              string         `json:"message"`
	ErrorDetails         map[string]any `json:"error_details,omitempty"`
	ExecutionTimeSeconds float64        `json:"execution_time_seconds"`
	RetryCount           int            `json:"retry_count"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	task, err := s.tasks.Create(r.Context(), req.input())
	if err != nil {
		s.writeServiceError(w, "create task", err)
		return
	}
	writeJSON(w, http.StatusCreated, taskToResponse(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var filter core.TaskFilter
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		st := core.TaskStatus(status)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_input", "unknown status "+status)
			return
		}
		filter.Status = &st
	}
	if scheduleType := strings.TrimSpace(r.URL.Query().Get("schedule_type")); scheduleType != "" {
		st := core.ScheduleType(scheduleType)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_input", "unknown schedule_type "+scheduleType)
			return
		}
		filter.ScheduleType = &st
	}
	tasks, err := s.tasks.List(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, "list tasks", err)
		return
	}
	res := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, taskToResponse(t))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Get(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeServiceError(w, "get task", err)
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	task, err := s.tasks.Update(r.Context(), chi.URLParam(r, "taskID"), req.patch())
	if err != nil {
		s.writeServiceError(w, "update task", err)
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.Delete(r.Context(), chi.URLParam(r, "taskID")); err != nil {
		s.writeServiceError(w, "delete task", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Pause(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeServiceError(w, "pause task", err)
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Resume(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeServiceError(w, "resume task", err)
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.tasks.ExecuteNow(r.Context(), taskID); err != nil {
		s.writeServiceError(w, "run task now", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": "submitted"})
}

func (s *Server) handleListLedger(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
	entries, err := s.tasks.Ledger(r.Context(), chi.URLParam(r, "taskID"), limit, offset)
	if err != nil {
		s.writeServiceError(w, "list ledger", err)
		return
	}
	resp := make([]ledgerResponse, 0, len(entries))
	for _, entry := range entries {
		resp = append(resp, ledgerToResponse(entry))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetLedgerEntry(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "entryID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "ledger id must be an integer")
		return
	}
	entry, err := s.inbox.GetLedgerEntry(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, "get ledger entry", err)
		return
	}
	writeJSON(w, http.StatusOK, ledgerToResponse(entry))
}

// writeServiceError maps lifecycle errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	var (
		verr *core.ValidationError
		merr *core.ModificationError
	)
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "invalid_input", verr.Error())
	case errors.As(err, &merr):
		writeError(w, http.StatusConflict, "conflict", merr.Error())
	case errors.Is(err, core.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "not_found", "task not found")
	case errors.Is(err, core.ErrLedgerNotFound):
		writeError(w, http.StatusNotFound, "not_found", "ledger entry not found")
	case errors.Is(err, core.ErrNotificationNotFound):
		writeError(w, http.StatusNotFound, "not_found", "notification not found")
	case errors.Is(err, core.ErrQueueFull), errors.Is(err, core.ErrDispatcherStopped):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		s.logger.Error(op, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to "+op)
	}
}

func taskToResponse(task *core.Task) taskResponse {
	resp := taskResponse{
		ID:                task.ID,
		Name:              task.Name,
		Description:       task.Description,
		Command:           task.Command,
		CreatedBy:         task.CreatedBy,
		ScheduleType:      string(task.ScheduleType),
		Status:            string(task.Status),
		ScheduledTime:     formatOptional(task.ScheduledTime),
		IntervalSeconds:   task.IntervalSeconds,
		IsActive:          task.IsActive,
		ExecutedOnce:      task.ExecutedOnce,
		TotalExecutions:   task.TotalExecutions,
		LastExecution:     formatOptional(task.LastExecution),
		NextExecution:     formatOptional(task.NextExecution),
		MaxRetries:        task.MaxRetries,
		RetryDelaySeconds: task.RetryDelaySeconds,
		CanBeModified:     task.CanBeModified(time.Now().UTC()),
		CanBeDeleted:      task.CanBeDeleted(),
		CreatedAt:         task.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:         task.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if task.ScheduleType == core.ScheduleCron {
		c := task.Cron.WithDefaults()
		resp.Cron = &cronRequest{
			Minute:     c.Minute,
			Hour:       c.Hour,
			DayOfWeek:  c.DayOfWeek,
			DayOfMonth: c.DayOfMonth,
			Month:      c.Month,
		}
	}
	return resp
}

func ledgerToResponse(entry *core.LedgerEntry) ledgerResponse {
	return ledgerResponse{
		ID:                   entry.ID,
		TaskID:               entry.TaskID,
		ExecutedAt:           entry.ExecutedAt.UTC().Format(time.RFC3339),
		Status:               string(entry.Status),
		Message:              entry.Message,
		ErrorDetails:         entry.ErrorDetails,
		ExecutionTimeSeconds: entry.ExecutionTimeSeconds,
		RetryCount:           entry.RetryCount,
	}
}

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339)
	return &formatted
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
