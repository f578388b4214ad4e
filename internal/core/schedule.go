package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron ensures the fields form a valid 5-field cron definition and returns the underlying schedule.
func ParseCron(fields CronFields) (cron.Schedule, error) {
	expr := fields.Expr()
	if strings.Contains(expr, "@") {
		return nil, fmt.Errorf("descriptors are not supported in cron fields")
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return schedule, nil
}

// ScheduleSpec is the registration handed to the trigger registry.
// Exactly one of At, Cron or Every is meaningful, selected by Type.
type ScheduleSpec struct {
	Type  ScheduleType
	At    time.Time
	Cron  string
	Every time.Duration
	// Anchor is the first fire instant of an interval schedule.
	Anchor time.Time
}

func (s ScheduleSpec) String() string {
	switch s.Type {
	case ScheduleOneTime:
		return "at " + s.At.UTC().Format(time.RFC3339)
	case ScheduleCron:
		return "cron " + s.Cron
	case ScheduleInterval:
		return fmt.Sprintf("every %s from %s", s.Every, s.Anchor.UTC().Format(time.RFC3339))
	}
	return "unknown"
}

// Translator maps a task's schedule configuration to its next fire instant.
// Cron fields are evaluated in Location.
type Translator struct {
	Location *time.Location
}

// NewTranslator returns a translator evaluating cron fields in loc (local time when nil).
func NewTranslator(loc *time.Location) Translator {
	if loc == nil {
		loc = time.Local
	}
	return Translator{Location: loc}
}

// NextFire returns the next fire instant strictly after now, or nil when the
// schedule is exhausted.
func (tr Translator) NextFire(task *Task, now time.Time) (*time.Time, error) {
	switch task.ScheduleType {
	case ScheduleOneTime:
		if task.ExecutedOnce || task.ScheduledTime == nil {
			return nil, nil
		}
		return ptrTime(task.ScheduledTime.UTC()), nil
	case ScheduleCron:
		schedule, err := ParseCron(task.Cron)
		if err != nil {
			return nil, err
		}
		next := schedule.Next(now.In(tr.location()))
		if next.IsZero() {
			return nil, nil
		}
		return ptrTime(next.UTC()), nil
	case ScheduleInterval:
		if task.IntervalSeconds == nil {
			return nil, invalid("interval_seconds", "is required for interval schedules")
		}
		every := time.Duration(*task.IntervalSeconds) * time.Second
		if task.LastExecution != nil {
			return ptrTime(task.LastExecution.Add(every).UTC()), nil
		}
		return ptrTime(now.Add(every).UTC()), nil
	default:
		return nil, invalid("schedule_type", "unknown schedule type %q", task.ScheduleType)
	}
}

// Upcoming is NextFire for registration paths: an interval anchor that
// already passed is advanced by whole intervals to the first instant after now.
func (tr Translator) Upcoming(task *Task, now time.Time) (*time.Time, error) {
	next, err := tr.NextFire(task, now)
	if err != nil || next == nil || task.ScheduleType != ScheduleInterval {
		return next, err
	}
	every := time.Duration(*task.IntervalSeconds) * time.Second
	if next.After(now) {
		return next, nil
	}
	steps := now.Sub(*next)/every + 1
	return ptrTime(next.Add(steps * every)), nil
}

// Spec builds the registry registration for task given its computed next fire.
func (tr Translator) Spec(task *Task, next *time.Time) (ScheduleSpec, error) {
	spec := ScheduleSpec{Type: task.ScheduleType}
	switch task.ScheduleType {
	case ScheduleOneTime:
		if next == nil {
			return spec, fmt.Errorf("one-time task %s has no pending fire time", task.ID)
		}
		spec.At = *next
	case ScheduleCron:
		spec.Cron = task.Cron.Expr()
	case ScheduleInterval:
		if next == nil || task.IntervalSeconds == nil {
			return spec, fmt.Errorf("interval task %s has no anchor", task.ID)
		}
		spec.Every = time.Duration(*task.IntervalSeconds) * time.Second
		spec.Anchor = *next
	default:
		return spec, invalid("schedule_type", "unknown schedule type %q", task.ScheduleType)
	}
	return spec, nil
}

// Preview returns up to n upcoming fire instants for task, starting after now.
func (tr Translator) Preview(task *Task, now time.Time, n int) ([]time.Time, error) {
	if n <= 0 {
		return nil, nil
	}
	first, err := tr.NextFire(task, now)
	if err != nil || first == nil {
		return nil, err
	}
	times := []time.Time{*first}
	switch task.ScheduleType {
	case ScheduleCron:
		schedule, err := ParseCron(task.Cron)
		if err != nil {
			return nil, err
		}
		next := first.In(tr.location())
		for len(times) < n {
			next = schedule.Next(next)
			if next.IsZero() {
				break
			}
			times = append(times, next.UTC())
		}
	case ScheduleInterval:
		every := time.Duration(*task.IntervalSeconds) * time.Second
		for len(times) < n {
			times = append(times, times[len(times)-1].Add(every))
		}
	}
	return times, nil
}

func (tr Translator) location() *time.Location {
	if tr.Location == nil {
		return time.Local
	}
	return tr.Location
}
