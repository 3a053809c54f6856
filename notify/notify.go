// Package notify delivers alert notifications to operators. It exposes a
// single Notifier interface; production wiring composes the Slack webhook
// sender with a circuit breaker, development and tests use the log sink.
package notify

import (
	"context"
	"sort"

	"github.com/machinist-ai/machinist/runtime/telemetry"
)

// Notification is one alert delivery.
type Notification struct {
	// Subject is the one-line summary.
	Subject string
	// Body is the full human-readable message.
	Body string
	// Severity grades the underlying alert from 1 (info) to 5 (critical).
	Severity int
	// Metadata carries structured details such as the sensor ID, the alert
	// ID and the model that fired.
	Metadata map[string]string
}

// Notifier delivers notifications to one channel. Implementations must be
// safe for concurrent use.
type Notifier interface {
	// Send delivers the notification. Failures that may clear on retry are
	// classified fault.Transient.
	Send(ctx context.Context, n Notification) error
	// Channel names the delivery channel for logs and events.
	Channel() string
}

// LogNotifier writes notifications to the structured log. It is the default
// sink when no webhook is configured.
type LogNotifier struct {
	logger telemetry.Logger
}

// NewLogNotifier builds a log-backed notifier. A nil logger falls back to
// the no-op logger.
func NewLogNotifier(logger telemetry.Logger) *LogNotifier {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &LogNotifier{logger: logger}
}

// Channel returns "log".
func (n *LogNotifier) Channel() string { return "log" }

// Send writes the notification at warn level so it stands out from routine
// traffic.
func (n *LogNotifier) Send(ctx context.Context, msg Notification) error {
	keyvals := []any{
		"subject", msg.Subject,
		"severity", msg.Severity,
		"body", msg.Body,
	}
	for _, k := range sortedKeys(msg.Metadata) {
		keyvals = append(keyvals, k, msg.Metadata[k])
	}
	n.logger.Warn(ctx, "alert notification", keyvals...)
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
