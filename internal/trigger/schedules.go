package trigger

import (
	"time"
)

// onceSchedule fires a single time at an instant. robfig/cron never fires a
// schedule whose Next returns the zero time.
type onceSchedule struct {
	at time.Time
}

func (s onceSchedule) Next(t time.Time) time.Time {
	if s.at.After(t) {
		return s.at.In(t.Location())
	}
	return time.Time{}
}

// anchoredInterval fires at anchor + k*every for k >= 0.
type anchoredInterval struct {
	anchor time.Time
	every  time.Duration
}

func (s anchoredInterval) Next(t time.Time) time.Time {
	if s.every <= 0 {
		return time.Time{}
	}
	if s.anchor.After(t) {
		return s.anchor.In(t.Location())
	}
	steps := t.Sub(s.anchor)/s.every + 1
	return s.anchor.Add(steps * s.every).In(t.Location())
}
