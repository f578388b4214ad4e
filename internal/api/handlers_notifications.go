package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskwarden/internal/store"

	"github.com/go-chi/chi/v5"
)

type notificationResponse struct {
	ID         int64   `json:"id"`
	Title      string  `json:"title"`
	Message    string  `json:"message"`
	Category   string  `json:"category"`
	Priority   string  `json:"priority"`
	TaskID     *string `json:"task_id,omitempty"`
	LedgerID   *int64  `json:"ledger_id,omitempty"`
	IsRead     bool    `json:"is_read"`
	IsArchived bool    `json:"is_archived"`
	CreatedAt  string  `json:"created_at"`
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.NotificationFilter{
		UnreadOnly:      parseBool(q.Get("unread")),
		IncludeArchived: parseBool(q.Get("archived")),
		TaskID:          strings.TrimSpace(q.Get("task_id")),
		Limit:           parseIntDefault(q.Get("limit"), 50),
		Offset:          parseIntDefault(q.Get("offset"), 0),
	}
	items, err := s.inbox.ListNotifications(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, "list notifications", err)
		return
	}
	resp := make([]notificationResponse, 0, len(items))
	for _, n := range items {
		resp = append(resp, notificationResponse{
			ID:         n.ID,
			Title:      n.Title,
			Message:    n.Message,
			Category:   string(n.Category),
			Priority:   string(n.Priority),
			TaskID:     n.TaskID,
			LedgerID:   n.LedgerID,
			IsRead:     n.IsRead,
			IsArchived: n.IsArchived,
			CreatedAt:  n.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "notificationID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "notification id must be an integer")
		return
	}
	if err := s.inbox.MarkNotificationRead(r.Context(), id); err != nil {
		s.writeServiceError(w, "mark notification read", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.inbox.MarkAllNotificationsRead(r.Context())
	if err != nil {
		s.writeServiceError(w, "mark notifications read", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.inbox.CountUnreadNotifications(r.Context())
	if err != nil {
		s.writeServiceError(w, "count unread notifications", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": n})
}

func (s *Server) handleArchiveRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.inbox.ArchiveReadNotifications(r.Context())
	if err != nil {
		s.writeServiceError(w, "archive notifications", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"archived": n})
}

func parseBool(value string) bool {
	v, err := strconv.ParseBool(value)
	return err == nil && v
}
