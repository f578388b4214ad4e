package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"taskwarden/internal/core"
)

type schedulePreviewRequest struct {
	createTaskRequest
	Count int `json:"count,omitempty"`
}

type schedulePreviewResponse struct {
	Valid     bool     `json:"valid"`
	NextTimes []string `json:"next_times,omitempty"`
	Message   string   `json:"message,omitempty"`
}

func (s *Server) handleSchedulePreview(w http.ResponseWriter, r *http.Request) {
	var req schedulePreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, schedulePreviewResponse{Valid: false, Message: "invalid JSON payload"})
		return
	}

	count := req.Count
	if count <= 0 || count > 10 {
		count = 5
	}

	times, err := s.tasks.Preview(req.input(), count)
	if err != nil {
		var verr *core.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusOK, schedulePreviewResponse{Valid: false, Message: verr.Error()})
			return
		}
		s.writeServiceError(w, "preview schedule", err)
		return
	}

	formatted := make([]string, 0, len(times))
	for _, t := range times {
		formatted = append(formatted, t.UTC().Format(time.RFC3339))
	}
	writeJSON(w, http.StatusOK, schedulePreviewResponse{Valid: true, NextTimes: formatted})
}
