package agents

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/machinist-ai/machinist/notify"
	"github.com/machinist-ai/machinist/runtime/agent"
	"github.com/machinist-ai/machinist/runtime/bus"
	"github.com/machinist-ai/machinist/runtime/events"
	"github.com/machinist-ai/machinist/runtime/fault"
	"github.com/machinist-ai/machinist/storage"
)

const notificationName = "notification-agent"

// NotificationAgent is the last golden-path stage: it persists the alert
// row first, then dispatches the notification. Dispatch is gated per sensor
// by a token bucket and by an evidence-hash dedup window. Both gates run on
// the first delivery attempt only, so bus retries of a failed dispatch go
// straight back to the notifier instead of being re-suppressed.
type NotificationAgent struct {
	alerts   storage.AlertStore
	notifier notify.Notifier
	pub      Publisher
	o        options

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	sent     map[string]time.Time

	health healthState
}

// NewNotificationAgent builds the agent over the alert store and notifier.
func NewNotificationAgent(alerts storage.AlertStore, notifier notify.Notifier, pub Publisher, opts ...Option) *NotificationAgent {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &NotificationAgent{
		alerts:   alerts,
		notifier: notifier,
		pub:      pub,
		o:        o,
		limiters: make(map[string]*rate.Limiter),
		sent:     make(map[string]time.Time),
	}
}

// Name implements agent.Agent.
func (a *NotificationAgent) Name() string { return notificationName }

// Start implements agent.Agent.
func (a *NotificationAgent) Start(context.Context) error { a.health.start(); return nil }

// Stop implements agent.Agent.
func (a *NotificationAgent) Stop(context.Context) error { a.health.stopped(); return nil }

// Health implements agent.Agent.
func (a *NotificationAgent) Health(context.Context) agent.Health { return a.health.report() }

// Subscriptions implements agent.Agent.
func (a *NotificationAgent) Subscriptions() []agent.SubscriptionSpec {
	return []agent.SubscriptionSpec{{
		EventType: events.TypeAnomalyDetected,
		Handler:   bus.HandlerFunc(a.handle),
	}}
}

func (a *NotificationAgent) handle(ctx context.Context, e events.Event) error {
	detected, ok := e.(*events.AnomalyDetected)
	if !ok {
		return fault.Permanent(fmt.Errorf("agents: %s cannot handle %s", notificationName, e.Type()))
	}
	now := a.o.now()

	// The alert ID is the detection event ID, so redeliveries collapse
	// into the same row and the row exists before any dispatch attempt.
	alert := storage.AnomalyAlert{
		ID:                 detected.EventID(),
		SensorID:           detected.SensorID,
		Kind:               detected.Kind,
		Severity:           detected.Severity,
		Confidence:         detected.Confidence,
		Description:        detected.Description,
		Evidence:           detected.Evidence,
		RecommendedActions: detected.RecommendedActions,
		Status:             storage.AlertOpen,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := a.alerts.Insert(ctx, alert); err != nil {
		a.health.fail(err)
		return err
	}

	hash := evidenceHash(detected)
	if e.Attempt() <= 1 {
		if until, dup := a.sentWithin(hash, now); dup {
			a.o.metrics.IncCounter("notifications_deduplicated_total", 1)
			a.o.logger.Info(ctx, "notification suppressed by dedup",
				"alert_id", alert.ID, "sensor_id", alert.SensorID, "until", until.Format(time.RFC3339))
			return nil
		}
		if !a.limiter(alert.SensorID).AllowN(now, 1) {
			a.o.metrics.IncCounter("notifications_rate_limited_total", 1)
			a.o.logger.Info(ctx, "notification suppressed by rate limit",
				"alert_id", alert.ID, "sensor_id", alert.SensorID)
			return nil
		}
	}

	msg := notify.Notification{
		Subject:  fmt.Sprintf("[severity %d] anomaly on %s", alert.Severity, alert.SensorID),
		Body:     alert.Description,
		Severity: alert.Severity,
		Metadata: notificationMetadata(alert),
	}
	if err := a.notifier.Send(ctx, msg); err != nil {
		a.health.fail(err)
		return err
	}
	a.markSent(hash, now)

	dispatched := events.NewNotificationDispatched(e.CorrelationID(), notificationName,
		alert.ID, alert.SensorID, alert.Severity, a.notifier.Channel())
	if err := a.pub.Publish(ctx, dispatched); err != nil {
		// The operator already has the message; failing the delivery here
		// would re-notify on retry.
		a.o.logger.Error(ctx, "dispatched event publish failed", "alert_id", alert.ID, "err", err)
	}
	a.health.ok()
	a.o.metrics.IncCounter("notifications_sent_total", 1,
		"channel", a.notifier.Channel(), "severity", strconv.Itoa(alert.Severity))
	return nil
}

// sentWithin reports whether an identical notification went out within the
// dedup window, and until when the suppression holds.
func (a *NotificationAgent) sentWithin(hash string, now time.Time) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	at, ok := a.sent[hash]
	if !ok {
		return time.Time{}, false
	}
	if now.Sub(at) >= a.o.dedupWindow {
		delete(a.sent, hash)
		return time.Time{}, false
	}
	return at.Add(a.o.dedupWindow), true
}

func (a *NotificationAgent) markSent(hash string, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for h, at := range a.sent {
		if now.Sub(at) >= a.o.dedupWindow {
			delete(a.sent, h)
		}
	}
	a.sent[hash] = now
}

func (a *NotificationAgent) limiter(sensorID string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.limiters[sensorID]
	if !ok {
		interval := a.o.notifyWindow / time.Duration(a.o.notifyPerWindow)
		l = rate.NewLimiter(rate.Every(interval), a.o.notifyPerWindow)
		a.limiters[sensorID] = l
	}
	return l
}

// evidenceHash fingerprints a detection for dedup: same sensor, kind and
// evidence within the window means the operator already saw it.
func evidenceHash(d *events.AnomalyDetected) string {
	h := sha256.New()
	io.WriteString(h, d.SensorID)
	io.WriteString(h, "\x00")
	io.WriteString(h, d.Kind)
	keys := make([]string, 0, len(d.Evidence))
	for k := range d.Evidence {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		io.WriteString(h, "\x00")
		io.WriteString(h, k)
		io.WriteString(h, "=")
		io.WriteString(h, d.Evidence[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func notificationMetadata(a storage.AnomalyAlert) map[string]string {
	md := make(map[string]string, len(a.Evidence)+3)
	for k, v := range a.Evidence {
		md[k] = v
	}
	md["alert_id"] = a.ID
	md["sensor_id"] = a.SensorID
	md["kind"] = a.Kind
	return md
}
