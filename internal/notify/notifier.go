package notify

import (
	"context"
	"errors"

	"taskwarden/internal/core"
)

// Notifier is the notification sink interface shared with the core.
type Notifier = core.Notifier

// MultiNotifier fans out to several sinks. Every sink is attempted; their
// failures are joined.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

func (m *MultiNotifier) Notify(ctx context.Context, n core.Notification) error {
	var errs []error
	for _, sink := range m.notifiers {
		if err := sink.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoOpNotifier does nothing.
type NoOpNotifier struct{}

func (NoOpNotifier) Notify(context.Context, core.Notification) error {
	return nil
}

var priorityRank = map[core.NotificationPriority]int{
	core.PriorityLow:      0,
	core.PriorityMedium:   1,
	core.PriorityHigh:     2,
	core.PriorityCritical: 3,
}

// MinPriority forwards only notifications at or above min.
type MinPriority struct {
	Min  core.NotificationPriority
	Next Notifier
}

func (p MinPriority) Notify(ctx context.Context, n core.Notification) error {
	if priorityRank[n.Priority] < priorityRank[p.Min] {
		return nil
	}
	return p.Next.Notify(ctx, n)
}
