package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"taskwarden/internal/core"
)

// BarkNotifier sends notifications via Bark app.
type BarkNotifier struct {
	baseURL string
	client  *http.Client
}

// NewBarkNotifier creates a new Bark notifier.
func NewBarkNotifier(baseURL string) (*BarkNotifier, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("bark url is empty")
	}
	return &BarkNotifier{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

func (b *BarkNotifier) Notify(ctx context.Context, n core.Notification) error {
	form := url.Values{}
	form.Set("title", n.Title)
	form.Set("body", n.Message)
	form.Set("group", "taskwarden")
	form.Set("level", barkLevel(n.Priority))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL, nil)
	if err != nil {
		return fmt.Errorf("create bark request: %w", err)
	}
	req.URL.RawQuery = form.Encode()

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("send bark notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("bark api returned status: %d", resp.StatusCode)
	}
	return nil
}

// barkLevel maps priorities onto Bark interruption levels.
func barkLevel(p core.NotificationPriority) string {
	switch p {
	case core.PriorityCritical:
		return "critical"
	case core.PriorityHigh:
		return "timeSensitive"
	case core.PriorityLow:
		return "passive"
	default:
		return "active"
	}
}
