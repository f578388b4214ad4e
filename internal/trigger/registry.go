package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskwarden/internal/core"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextRunRecorder persists the next fire instant after each trigger.
type NextRunRecorder interface {
	UpdateTaskNextRun(ctx context.Context, id string, next *time.Time) error
}

type registration struct {
	spec    core.ScheduleSpec
	entryID cron.EntryID
	enabled bool
}

// Registry is the cron-backed trigger registry. It owns one cron entry per
// enabled task and calls Submit when the entry fires.
type Registry struct {
	submitter core.Submitter
	recorder  NextRunRecorder
	logger    *slog.Logger
	location  *time.Location

	cron *cron.Cron
	mu   sync.Mutex
	regs map[string]*registration

	ctx context.Context
}

// New constructs a registry evaluating cron specs in location.
func New(submitter core.Submitter, recorder NextRunRecorder, logger *slog.Logger, location *time.Location) *Registry {
	if location == nil {
		location = time.Local
	}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(location),
	)
	return &Registry{
		submitter: submitter,
		recorder:  recorder,
		logger:    logger,
		location:  location,
		cron:      c,
		regs:      make(map[string]*registration),
	}
}

// Start begins firing. ctx is used for next-run persistence.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
	r.cron.Start()
}

// Stop stops the cron loop; the returned context is done once running jobs return.
func (r *Registry) Stop() context.Context {
	return r.cron.Stop()
}

// Register replaces the task's registration with spec.
func (r *Registry) Register(taskID string, spec core.ScheduleSpec) error {
	schedule, err := r.scheduleFor(spec)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.regs[taskID]; ok && reg.enabled {
		r.cron.Remove(reg.entryID)
	}
	entryID := r.cron.Schedule(schedule, cron.FuncJob(func() { r.fire(taskID) }))
	r.regs[taskID] = &registration{spec: spec, entryID: entryID, enabled: true}
	r.logger.Debug("task registered", "task_id", taskID, "spec", spec.String())
	return nil
}

// Disable stops firing the task but remembers its last spec.
func (r *Registry) Disable(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[taskID]
	if !ok || !reg.enabled {
		return
	}
	r.cron.Remove(reg.entryID)
	reg.enabled = false
	reg.entryID = 0
}

// Delete forgets the task entirely.
func (r *Registry) Delete(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.regs[taskID]; ok {
		if reg.enabled {
			r.cron.Remove(reg.entryID)
		}
		delete(r.regs, taskID)
	}
}

// Lookup returns the task's registration and whether it is currently enabled.
func (r *Registry) Lookup(taskID string) (core.ScheduleSpec, bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[taskID]
	if !ok {
		return core.ScheduleSpec{}, false, false
	}
	return reg.spec, reg.enabled, true
}

// NextFire returns the instant the task's entry will fire next, if enabled.
func (r *Registry) NextFire(taskID string) (time.Time, bool) {
	r.mu.Lock()
	reg, ok := r.regs[taskID]
	if !ok || !reg.enabled {
		r.mu.Unlock()
		return time.Time{}, false
	}
	entryID := reg.entryID
	r.mu.Unlock()
	next := r.cron.Entry(entryID).Next
	return next, !next.IsZero()
}

func (r *Registry) fire(taskID string) {
	r.mu.Lock()
	reg, ok := r.regs[taskID]
	if !ok || !reg.enabled {
		r.mu.Unlock()
		return
	}
	entryID := reg.entryID
	oneShot := reg.spec.Type == core.ScheduleOneTime
	ctx := r.ctx
	r.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	if err := r.submitter.Submit(taskID); err != nil {
		r.logger.Error("submit triggered task", "task_id", taskID, "err", err)
	}
	if oneShot {
		return
	}
	next := r.cron.Entry(entryID).Next
	if next.IsZero() {
		return
	}
	nextUTC := next.UTC()
	if err := r.recorder.UpdateTaskNextRun(ctx, taskID, &nextUTC); err != nil {
		r.logger.Warn("update next execution", "task_id", taskID, "err", err)
	}
}

func (r *Registry) scheduleFor(spec core.ScheduleSpec) (cron.Schedule, error) {
	switch spec.Type {
	case core.ScheduleOneTime:
		return onceSchedule{at: spec.At}, nil
	case core.ScheduleCron:
		schedule, err := cronParser.Parse(spec.Cron)
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression: %w", err)
		}
		return schedule, nil
	case core.ScheduleInterval:
		if spec.Every <= 0 {
			return nil, fmt.Errorf("interval must be positive")
		}
		return anchoredInterval{anchor: spec.Anchor, every: spec.Every}, nil
	default:
		return nil, fmt.Errorf("unknown schedule type %q", spec.Type)
	}
}
