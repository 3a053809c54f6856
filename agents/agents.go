// Package agents hosts the runtime's analytical workers: the golden path
// (acquisition, validation, anomaly detection, notification), the scheduled
// drift checker, the retraining coordinator, and the feedback recorder.
// Every agent implements agent.Agent; the registry in runtime/agent owns
// wiring and lifecycle. Handlers are idempotent because the bus delivers
// at-least-once.
package agents

import (
	"context"
	"sync"
	"time"

	"github.com/machinist-ai/machinist/runtime/agent"
	"github.com/machinist-ai/machinist/runtime/events"
	"github.com/machinist-ai/machinist/runtime/telemetry"
	"github.com/machinist-ai/machinist/storage"
)

// Publisher is the bus surface agents publish through.
type Publisher interface {
	Publish(ctx context.Context, e events.Event) error
}

// MonitoredPair binds a sensor to the model that serves it. The scheduled
// drift checker iterates the configured pairs; the anomaly agent resolves
// models through the same mapping before falling back to the per-type
// convention.
type MonitoredPair struct {
	SensorID  string
	ModelName string
}

// ModelNameForType is the convention the anomaly agent falls back to when a
// sensor has no configured pair: one model per sensor type.
func ModelNameForType(t storage.SensorType) string { return "anomaly-" + string(t) }

// options is one bag shared by every agent constructor; each agent reads
// the fields it cares about and ignores the rest.
type options struct {
	logger  telemetry.Logger
	metrics telemetry.Metrics
	now     func() time.Time

	// validation agent
	maxSkew         time.Duration
	futureTolerance time.Duration

	// anomaly agent
	scoreThreshold float64
	cacheSize      int

	// notification agent
	notifyPerWindow int
	notifyWindow    time.Duration
	dedupWindow     time.Duration

	// drift scheduler
	driftWindow time.Duration

	// retrain agent
	retrainEnabled       bool
	cooldown             time.Duration
	maxConcurrent        int
	trainTimeout         time.Duration
	improvementThreshold float64
	trainingWindow       time.Duration
}

func defaultOptions() options {
	return options{
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		now:     func() time.Time { return time.Now().UTC() },

		maxSkew:         24 * time.Hour,
		futureTolerance: 60 * time.Second,

		scoreThreshold: 0.9,
		cacheSize:      8,

		notifyPerWindow: 1,
		notifyWindow:    5 * time.Minute,
		dedupWindow:     60 * time.Second,

		driftWindow: 360 * time.Minute,

		retrainEnabled:       true,
		cooldown:             24 * time.Hour,
		maxConcurrent:        1,
		trainTimeout:         60 * time.Minute,
		improvementThreshold: 0,
	}
}

// Option configures an agent. Options that do not apply to the constructed
// agent are ignored.
type Option func(*options)

// WithLogger sets the agent logger.
func WithLogger(l telemetry.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the agent metrics sink.
func WithMetrics(m telemetry.Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithClock overrides the time source. Tests use this to drive rate limits,
// dedup windows and cooldowns without sleeping.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithMaxSkew sets how far in the past a reading's timestamp may lie before
// the validation agent rejects it.
func WithMaxSkew(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.maxSkew = d
		}
	}
}

// WithFutureTolerance sets how far ahead of now a timestamp may lie and
// still be clamped instead of rejected.
func WithFutureTolerance(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.futureTolerance = d
		}
	}
}

// WithScoreThreshold sets the anomaly score above which the anomaly agent
// raises AnomalyDetected.
func WithScoreThreshold(v float64) Option {
	return func(o *options) {
		if v >= 0 {
			o.scoreThreshold = v
		}
	}
}

// WithModelCacheSize bounds the anomaly agent's warm model cache.
func WithModelCacheSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.cacheSize = n
		}
	}
}

// WithNotifyRate sets the per-sensor notification budget: n dispatches per
// window, linearly replenished.
func WithNotifyRate(n int, window time.Duration) Option {
	return func(o *options) {
		if n > 0 && window > 0 {
			o.notifyPerWindow = n
			o.notifyWindow = window
		}
	}
}

// WithDedupWindow sets how long identical anomalies are suppressed after a
// dispatch.
func WithDedupWindow(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.dedupWindow = d
		}
	}
}

// WithDriftWindow sets the W in the scheduler's reference [now-2W, now-W)
// versus current [now-W, now] comparison.
func WithDriftWindow(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.driftWindow = d
		}
	}
}

// WithRetrainEnabled toggles the retrain agent's first gate.
func WithRetrainEnabled(enabled bool) Option {
	return func(o *options) { o.retrainEnabled = enabled }
}

// WithCooldown sets the quiet period after a completed retraining attempt.
func WithCooldown(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.cooldown = d
		}
	}
}

// WithMaxConcurrentRetrains bounds trainings in flight across all models.
func WithMaxConcurrentRetrains(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrent = n
		}
	}
}

// WithTrainTimeout bounds one training run.
func WithTrainTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.trainTimeout = d
		}
	}
}

// WithImprovementThreshold sets how much the candidate's holdout score must
// exceed the incumbent's before the new version is registered.
func WithImprovementThreshold(v float64) Option {
	return func(o *options) {
		if v >= 0 {
			o.improvementThreshold = v
		}
	}
}

// WithTrainingWindow bounds the data window handed to the trainer. Zero
// keeps the trainer's own default.
func WithTrainingWindow(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.trainingWindow = d
		}
	}
}

// healthState tracks an agent's self-reported condition. The last handler
// failure keeps the agent degraded until the next success clears it; a
// note carries informational detail on an otherwise healthy agent.
type healthState struct {
	mu      sync.Mutex
	started bool
	lastErr string
	detail  string
}

func (h *healthState) start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = true
}

func (h *healthState) stopped() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = false
}

func (h *healthState) ok() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastErr = ""
}

func (h *healthState) fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastErr = err.Error()
}

func (h *healthState) note(detail string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detail = detail
}

func (h *healthState) report() agent.Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case !h.started:
		return agent.Unhealthy("not started")
	case h.lastErr != "":
		return agent.Degraded(h.lastErr)
	case h.detail != "":
		return agent.Health{Status: agent.StatusHealthy, Detail: h.detail}
	default:
		return agent.Healthy()
	}
}

// cloneMetadata copies m with room for extra keys. Events share readings by
// value; mutating a shared map would leak across subscribers.
func cloneMetadata(m map[string]string, extra int) map[string]string {
	out := make(map[string]string, len(m)+extra)
	for k, v := range m {
		out[k] = v
	}
	return out
}
