// Package framework assembles the complete runtime in process for the
// integration scenarios: the bus, every agent, the in-memory stores, the
// model registry and the HTTP API served over httptest. Tests submit real
// HTTP requests and watch the resulting event flow through a bus probe; a
// hand-driven clock shared by all agents moves dedup windows, rate limits
// and cooldowns without sleeping.
package framework

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"github.com/machinist-ai/machinist/agents"
	"github.com/machinist-ai/machinist/httpapi"
	"github.com/machinist-ai/machinist/ingest"
	"github.com/machinist-ai/machinist/ml/drift"
	"github.com/machinist-ai/machinist/ml/model"
	"github.com/machinist-ai/machinist/notify"
	"github.com/machinist-ai/machinist/runtime/agent"
	"github.com/machinist-ai/machinist/runtime/bus"
	"github.com/machinist-ai/machinist/runtime/events"
	"github.com/machinist-ai/machinist/storage"
	"github.com/machinist-ai/machinist/storage/inmem"
)

// DefaultStart is the instant stack clocks begin at. Scenario readings carry
// timestamps at or after this instant so timestamp plausibility checks see
// no skew.
var DefaultStart = time.Date(2025, 8, 22, 10, 0, 0, 0, time.UTC)

// retrainAgentName matches the retrain agent's registry name, used to poll
// its health for idleness.
const retrainAgentName = "retrain-agent"

// Stack is the whole runtime wired over in-memory backends. Every field is
// exported so tests can seed stores, publish events and inspect outcomes
// directly.
type Stack struct {
	Bus      *bus.Bus
	Registry *agent.Registry
	Ingestor *ingest.Ingestor
	Detector *drift.Detector

	Readings *inmem.ReadingStore
	Sensors  *inmem.SensorStore
	Alerts   *inmem.AlertStore
	Retrains *inmem.RetrainLog
	Feedback *inmem.FeedbackStore
	Models   *model.MemoryRegistry

	Trainer  *CountingTrainer
	Notifier *CaptureNotifier
	DLQ      *bus.MemoryDLQ
	Metrics  *Metrics
	Clock    *Clock
	Probe    *Probe

	Server *httptest.Server
}

type config struct {
	start time.Time
	pairs []agents.MonitoredPair
}

// Option configures a Stack.
type Option func(*config)

// WithStart overrides the initial clock instant.
func WithStart(at time.Time) Option {
	return func(c *config) { c.start = at }
}

// WithPairs binds sensors to models for the anomaly agent and the scheduled
// drift checker.
func WithPairs(pairs ...agents.MonitoredPair) Option {
	return func(c *config) { c.pairs = append(c.pairs, pairs...) }
}

// New assembles and starts the runtime. Shutdown is registered on t and
// mirrors the production order: stop HTTP intake, drain the bus through the
// still subscribed handlers, then stop the agents.
func New(t *testing.T, opts ...Option) *Stack {
	t.Helper()
	cfg := config{start: DefaultStart}
	for _, opt := range opts {
		opt(&cfg)
	}

	clock := NewClock(cfg.start)
	metrics := NewMetrics()
	dlq := bus.NewMemoryDLQ(128)
	b := bus.New(bus.WithDLQStore(dlq))

	readings := inmem.NewReadingStore()
	sensors := inmem.NewSensorStore()
	alerts := inmem.NewAlertStore()
	retrains := inmem.NewRetrainLog()
	feedback := inmem.NewFeedbackStore()
	models := model.NewMemoryRegistry()
	trainer := NewCountingTrainer(t, 20, 1, 0.99)
	notifier := &CaptureNotifier{}

	idem := ingest.NewMemoryStore()
	t.Cleanup(idem.Close)

	detector := drift.NewDetector(readings)
	ingestor := ingest.NewIngestor(readings, sensors, idem, b)

	// The production cadence; its first real-time tick lands hours after any
	// test finishes, so scheduled runs never interfere with scenarios.
	schedule, err := cron.ParseStandard("0 */6 * * *")
	require.NoError(t, err)

	common := []agents.Option{agents.WithClock(clock.Now), agents.WithMetrics(metrics)}
	reg := agent.NewRegistry(b)
	all := []agent.Agent{
		agents.NewAcquisitionAgent(sensors, b, common...),
		agents.NewValidationAgent(sensors, b, common...),
		agents.NewAnomalyDetectionAgent(models, b, cfg.pairs, common...),
		agents.NewNotificationAgent(alerts, notifier, b, common...),
		agents.NewDriftScheduleAgent(detector, b, cfg.pairs, schedule, common...),
		agents.NewRetrainAgent(models, trainer, retrains, nil, b, common...),
		agents.NewFeedbackAgent(feedback, common...),
	}
	for _, a := range all {
		require.NoError(t, reg.Register(a))
	}

	probe := &Probe{}
	for _, typ := range allEventTypes {
		_, err := b.Subscribe(typ, bus.HandlerFunc(probe.record), bus.WithSubscriberName("probe"))
		require.NoError(t, err)
	}

	ctx := log.Context(context.Background())
	require.NoError(t, reg.StartAll(ctx))

	api := httpapi.New(ingestor, detector, httpapi.WithHealthChecks(b, models))
	srv := httptest.NewServer(api.Handler(ctx))

	s := &Stack{
		Bus:      b,
		Registry: reg,
		Ingestor: ingestor,
		Detector: detector,
		Readings: readings,
		Sensors:  sensors,
		Alerts:   alerts,
		Retrains: retrains,
		Feedback: feedback,
		Models:   models,
		Trainer:  trainer,
		Notifier: notifier,
		DLQ:      dlq,
		Metrics:  metrics,
		Clock:    clock,
		Probe:    probe,
		Server:   srv,
	}
	t.Cleanup(func() {
		srv.Close()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, b.Close(sctx))
		require.NoError(t, reg.StopAll(sctx))
	})
	return s
}

// IngestReading posts one reading and decodes the response. An empty
// idempotency key omits the header.
func (s *Stack) IngestReading(t *testing.T, body string, idemKey string) (int, ingest.Result) {
	t.Helper()
	headers := map[string]string{}
	if idemKey != "" {
		headers["Idempotency-Key"] = idemKey
	}
	var res ingest.Result
	status := s.postJSON(t, "/v1/data/ingest", body, headers, &res)
	return status, res
}

// DriftReport is the decoded check_drift response body.
type DriftReport struct {
	DriftDetected    bool     `json:"drift_detected"`
	PValue           *float64 `json:"p_value"`
	KSStatistic      *float64 `json:"ks_statistic"`
	ReferenceCount   int      `json:"reference_count"`
	CurrentCount     int      `json:"current_count"`
	InsufficientData bool     `json:"insufficient_data"`
	RequestID        string   `json:"request_id"`
}

// CheckDrift posts one ad hoc drift check and decodes the report.
func (s *Stack) CheckDrift(t *testing.T, body string) (int, DriftReport) {
	t.Helper()
	var rep DriftReport
	status := s.postJSON(t, "/v1/ml/check_drift", body, nil, &rep)
	return status, rep
}

func (s *Stack) postJSON(t *testing.T, path, body string, headers map[string]string, out any) int {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, s.Server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.Server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < http.StatusMultipleChoices {
		require.NoError(t, goahttp.ResponseDecoder(resp).Decode(out))
	}
	return resp.StatusCode
}

// SeedModel registers a single-feature z-score model and promotes it to
// production. Score = |value-mean| / (stddev * 5), capped at 1.
func (s *Stack) SeedModel(t *testing.T, name string, mean, stddev, holdout float64) model.Version {
	t.Helper()
	artifact, err := model.EncodeScorerArtifact(&model.ZScoreScorer{
		Means:   []float64{mean},
		Stddevs: []float64{stddev},
	})
	require.NoError(t, err)
	ctx := context.Background()
	v, err := s.Models.Register(ctx, name, artifact, []string{"value"},
		map[string]float64{model.MetricHoldout: holdout})
	require.NoError(t, err)
	require.NoError(t, s.Models.Transition(ctx, name, v.Version, model.StageProduction))
	return v
}

// SeedReadings inserts values for the sensor directly into the repository,
// one reading every interval starting at start. Drift checks window on wall
// clock time, so drift scenarios seed relative to time.Now.
func (s *Stack) SeedReadings(t *testing.T, sensorID string, typ storage.SensorType, start time.Time, interval time.Duration, values []float64) {
	t.Helper()
	ctx := context.Background()
	for i, v := range values {
		err := s.Readings.Insert(ctx, storage.SensorReading{
			SensorID:   sensorID,
			SensorType: typ,
			Value:      v,
			Timestamp:  start.Add(time.Duration(i) * interval).UTC().Truncate(time.Microsecond),
		})
		require.NoError(t, err)
	}
}

// AwaitRetrainIdle blocks until the retrain agent reports no training in
// flight. The agent clears its health detail after releasing the per-model
// lock, so returning here guarantees the next trigger is gated by cooldown,
// not by in_progress.
func (s *Stack) AwaitRetrainIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		h := s.Registry.Health(context.Background())[retrainAgentName]
		return h.Status == agent.StatusHealthy && h.Detail == ""
	}, 5*time.Second, 10*time.Millisecond)
}

// Clock is the hand-driven time source shared by every agent in a Stack.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock builds a clock frozen at the given instant.
func NewClock(at time.Time) *Clock { return &Clock{t: at.UTC()} }

// Now returns the current instant.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// CaptureNotifier records notifications instead of delivering them.
type CaptureNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

// Send implements notify.Notifier.
func (n *CaptureNotifier) Send(_ context.Context, msg notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

// Channel implements notify.Notifier.
func (n *CaptureNotifier) Channel() string { return "capture" }

// Count reports recorded notifications.
func (n *CaptureNotifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

// Sent returns a copy of the recorded notifications in dispatch order.
func (n *CaptureNotifier) Sent() []notify.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Notification, len(n.sent))
	copy(out, n.sent)
	return out
}

// CountingTrainer returns a canned fit and counts invocations, so cooldown
// scenarios can assert how many trainings actually ran.
type CountingTrainer struct {
	mu     sync.Mutex
	calls  int
	result model.TrainingResult
}

// NewCountingTrainer builds a trainer whose every fit yields a single-feature
// z-score model with the given parameters and holdout score.
func NewCountingTrainer(t *testing.T, mean, stddev, holdout float64) *CountingTrainer {
	t.Helper()
	artifact, err := model.EncodeScorerArtifact(&model.ZScoreScorer{
		Means:   []float64{mean},
		Stddevs: []float64{stddev},
	})
	require.NoError(t, err)
	return &CountingTrainer{result: model.TrainingResult{
		Artifact:     artifact,
		FeatureNames: []string{"value"},
		Metrics:      map[string]float64{model.MetricHoldout: holdout},
	}}
}

// Train implements model.Trainer.
func (tr *CountingTrainer) Train(context.Context, model.TrainingRequest) (model.TrainingResult, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.calls++
	return tr.result, nil
}

// Calls reports how many trainings ran.
func (tr *CountingTrainer) Calls() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.calls
}

// Metrics sums counter increments by name across every component in the
// stack.
type Metrics struct {
	mu     sync.Mutex
	counts map[string]float64
}

// NewMetrics builds an empty sink.
func NewMetrics() *Metrics {
	return &Metrics{counts: make(map[string]float64)}
}

// IncCounter implements telemetry.Metrics.
func (m *Metrics) IncCounter(name string, value float64, _ ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[name] += value
}

// RecordTimer implements telemetry.Metrics.
func (m *Metrics) RecordTimer(string, time.Duration, ...string) {}

// RecordGauge implements telemetry.Metrics.
func (m *Metrics) RecordGauge(string, float64, ...string) {}

// Counter returns the summed increments for the metric.
func (m *Metrics) Counter(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name]
}

// allEventTypes is every variant the probe watches.
var allEventTypes = []events.Type{
	events.TypeSensorReadingIngested,
	events.TypeDataAcquired,
	events.TypeDataValidated,
	events.TypeValidationFailed,
	events.TypeAnomalyDetected,
	events.TypeNotificationDispatched,
	events.TypeDriftDetected,
	events.TypeRetrainScheduled,
	events.TypeRetrainSkipped,
	events.TypeRetrainCompleted,
	events.TypeSystemFeedbackReceived,
}

// Probe subscribes to every event type and records what the bus delivers.
type Probe struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *Probe) record(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

// Count reports observed events of the type.
func (p *Probe) Count(typ events.Type) int {
	return len(p.OfType(typ))
}

// OfType returns observed events of the type in delivery order.
func (p *Probe) OfType(typ events.Type) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.Type() == typ {
			out = append(out, e)
		}
	}
	return out
}

// One returns the single observed event of the type.
func (p *Probe) One(t *testing.T, typ events.Type) events.Event {
	t.Helper()
	got := p.OfType(typ)
	require.Len(t, got, 1)
	return got[0]
}

// Wait blocks until at least n events of the type have been observed.
func (p *Probe) Wait(t *testing.T, typ events.Type, n int, within time.Duration) {
	t.Helper()
	require.Eventuallyf(t, func() bool { return p.Count(typ) >= n }, within, 5*time.Millisecond,
		"want %d %s events", n, typ)
}
