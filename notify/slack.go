package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/slack-go/slack"

	"github.com/machinist-ai/machinist/runtime/fault"
)

// defaultWebhookTimeout bounds a single webhook post. Alert handlers run on
// bus workers; a hung webhook must not hold a worker for long.
const defaultWebhookTimeout = 10 * time.Second

// SlackNotifier posts notifications to a Slack incoming webhook.
type SlackNotifier struct {
	url     string
	channel string
	client  *http.Client
}

// SlackOption customizes a SlackNotifier.
type SlackOption func(*SlackNotifier)

// WithHTTPClient overrides the HTTP client used to post webhooks.
func WithHTTPClient(c *http.Client) SlackOption {
	return func(n *SlackNotifier) { n.client = c }
}

// WithSlackChannel overrides the webhook's default channel.
func WithSlackChannel(channel string) SlackOption {
	return func(n *SlackNotifier) { n.channel = channel }
}

// NewSlackNotifier builds a webhook-backed notifier.
func NewSlackNotifier(webhookURL string, opts ...SlackOption) (*SlackNotifier, error) {
	if webhookURL == "" {
		return nil, fault.Validation(errors.New("notify: webhook URL is required"))
	}
	n := &SlackNotifier{
		url:    webhookURL,
		client: &http.Client{Timeout: defaultWebhookTimeout},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Channel returns "slack".
func (n *SlackNotifier) Channel() string { return "slack" }

// Send posts the notification as a webhook message with one attachment. Any
// delivery failure is classified transient: webhook errors do not
// distinguish a bad payload from a flaky endpoint, and the caller's retry
// budget is small.
func (n *SlackNotifier) Send(ctx context.Context, msg Notification) error {
	fields := make([]slack.AttachmentField, 0, len(msg.Metadata))
	for _, k := range sortedKeys(msg.Metadata) {
		fields = append(fields, slack.AttachmentField{Title: k, Value: msg.Metadata[k], Short: true})
	}
	wm := slack.WebhookMessage{
		Channel: n.channel,
		Text:    msg.Subject,
		Attachments: []slack.Attachment{{
			Color:  severityColor(msg.Severity),
			Text:   msg.Body,
			Fields: fields,
		}},
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, n.url, n.client, &wm); err != nil {
		return fault.Transient(fmt.Errorf("notify: slack webhook: %w", err))
	}
	return nil
}

// severityColor maps alert severity to the attachment sidebar color.
func severityColor(severity int) string {
	switch {
	case severity >= 4:
		return "danger"
	case severity == 3:
		return "warning"
	default:
		return "#439FE0"
	}
}
