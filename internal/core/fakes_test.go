package core

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

func intPtr(v int) *int { return &v }

// memStore is an in-memory Store with the same commit semantics as the SQLite store.
type memStore struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	ledger []*LedgerEntry
	nextID int64

	recordErr error
}

func newMemStore(tasks ...*Task) *memStore {
	s := &memStore{tasks: make(map[string]*Task)}
	for _, t := range tasks {
		s.tasks[t.ID] = t.Clone()
	}
	return s
}

func (s *memStore) GetTask(_ context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.Clone(), nil
}

func (s *memStore) ListTasks(_ context.Context, filter TaskFilter) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Task
	for _, t := range s.tasks {
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		if filter.ScheduleType != nil && t.ScheduleType != *filter.ScheduleType {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) InsertTask(_ context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *memStore) UpdateTask(_ context.Context, task *Task, expected TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[task.ID]
	if !ok {
		return ErrTaskNotFound
	}
	if cur.Status != expected || cur.ExecutedOnce {
		return ErrTaskChanged
	}
	next := task.Clone()
	next.TotalExecutions = cur.TotalExecutions
	next.LastExecution = cloneTime(cur.LastExecution)
	next.ExecutedOnce = cur.ExecutedOnce
	s.tasks[task.ID] = next
	return nil
}

func (s *memStore) UpdateTaskNextRun(_ context.Context, id string, next *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.NextExecution = cloneTime(next)
	}
	return nil
}

func (s *memStore) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return ErrTaskNotFound
	}
	delete(s.tasks, id)
	kept := s.ledger[:0]
	for _, e := range s.ledger {
		if e.TaskID != id {
			kept = append(kept, e)
		}
	}
	s.ledger = kept
	return nil
}

func (s *memStore) ListMissedOneTime(_ context.Context, now time.Time) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Task
	for _, t := range s.tasks {
		if missedOneTime(t, now) {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (s *memStore) ListStuckRecurring(_ context.Context, now time.Time) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Task
	for _, t := range s.tasks {
		if stuckRecurring(t, now) {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (s *memStore) RecordAttempt(ctx context.Context, a Attempt) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordErr != nil {
		return 0, s.recordErr
	}
	t, ok := s.tasks[a.TaskID]
	if !ok {
		return 0, ErrTaskNotFound
	}
	t.TotalExecutions++
	t.LastExecution = ptrTime(a.StartedAt)
	switch {
	case a.Complete:
		t.Status = TaskStatusCompleted
		t.ExecutedOnce = true
		t.IsActive = false
		t.NextExecution = nil
	case a.Exhausted:
		t.Status = TaskStatusFailed
		t.IsActive = false
		t.NextExecution = nil
	}
	s.nextID++
	entry := a.Entry
	entry.ID = s.nextID
	s.ledger = append(s.ledger, &entry)
	return entry.ID, nil
}

func (s *memStore) ListLedger(_ context.Context, taskID string, limit, offset int) ([]*LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*LedgerEntry
	for i := len(s.ledger) - 1; i >= 0; i-- {
		if s.ledger[i].TaskID == taskID {
			e := *s.ledger[i]
			out = append(out, &e)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) entries() []*LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*LedgerEntry, len(s.ledger))
	copy(out, s.ledger)
	return out
}

// event records registry calls and notifications in one ordered log.
type event struct {
	kind   string
	taskID string
}

type eventLog struct {
	mu     sync.Mutex
	events []event
}

func (l *eventLog) add(kind, taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event{kind: kind, taskID: taskID})
}

func (l *eventLog) kinds() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.kind)
	}
	return out
}

type fakeRegistry struct {
	log *eventLog

	mu    sync.Mutex
	specs map[string]ScheduleSpec
	on    map[string]bool
	err   error
}

func newFakeRegistry(log *eventLog) *fakeRegistry {
	return &fakeRegistry{log: log, specs: make(map[string]ScheduleSpec), on: make(map[string]bool)}
}

func (r *fakeRegistry) Register(taskID string, spec ScheduleSpec) error {
	r.log.add("register", taskID)
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[taskID] = spec
	r.on[taskID] = true
	return nil
}

func (r *fakeRegistry) Disable(taskID string) {
	r.log.add("disable", taskID)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.on[taskID] = false
}

func (r *fakeRegistry) Delete(taskID string) {
	r.log.add("delete", taskID)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.specs, taskID)
	delete(r.on, taskID)
}

func (r *fakeRegistry) enabled(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.on[taskID]
}

func (r *fakeRegistry) spec(taskID string) (ScheduleSpec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.specs[taskID]
	return s, ok
}

type recordingNotifier struct {
	log *eventLog

	mu   sync.Mutex
	sent []Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note Notification) error {
	if n.log != nil {
		n.log.add("notify:"+string(note.Category), derefString(note.TaskID))
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return nil
}

func (n *recordingNotifier) byCategory(c NotificationCategory) []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Notification
	for _, note := range n.sent {
		if note.Category == c {
			out = append(out, note)
		}
	}
	return out
}

type fakeSubmitter struct {
	mu        sync.Mutex
	submitted []string
	pending   map[string]bool
	err       error
}

func (s *fakeSubmitter) Submit(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.submitted = append(s.submitted, taskID)
	if s.pending == nil {
		s.pending = make(map[string]bool)
	}
	s.pending[taskID] = true
	return nil
}

func (s *fakeSubmitter) Pending(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[taskID]
}

func (s *fakeSubmitter) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.submitted...)
}
