package notify

import (
	"context"

	"taskwarden/internal/core"
)

// InboxStore persists notifications.
type InboxStore interface {
	InsertNotification(ctx context.Context, n *core.Notification) error
}

// Inbox records every notification so it can be listed and marked read later.
type Inbox struct {
	store InboxStore
}

func NewInbox(store InboxStore) *Inbox {
	return &Inbox{store: store}
}

func (i *Inbox) Notify(ctx context.Context, n core.Notification) error {
	return i.store.InsertNotification(ctx, &n)
}
