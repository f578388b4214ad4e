package core

import (
	"strings"
	"time"
)

// Validate checks a task's schedule configuration against now.
func Validate(task *Task, now time.Time) error {
	if strings.TrimSpace(task.Name) == "" {
		return invalid("name", "is required")
	}
	if !task.ScheduleType.Valid() {
		return invalid("schedule_type", "must be one of one_time, cron, interval")
	}
	switch task.ScheduleType {
	case ScheduleOneTime:
		if task.ScheduledTime == nil {
			return invalid("scheduled_time", "is required for one-time tasks")
		}
		if !task.ScheduledTime.After(now) {
			return invalid("scheduled_time", "must be in the future")
		}
	case ScheduleCron:
		if _, err := ParseCron(task.Cron); err != nil {
			return invalid("cron", "%v", err)
		}
	case ScheduleInterval:
		if task.IntervalSeconds == nil {
			return invalid("interval_seconds", "is required for interval tasks")
		}
		if *task.IntervalSeconds < MinIntervalSeconds {
			return invalid("interval_seconds", "must be at least %d", MinIntervalSeconds)
		}
	}
	if task.MaxRetries < 0 {
		return invalid("max_retries", "must be non-negative")
	}
	if task.RetryDelaySeconds < 0 {
		return invalid("retry_delay_seconds", "must be non-negative")
	}
	return nil
}
