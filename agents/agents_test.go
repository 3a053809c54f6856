package agents

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/machinist-ai/machinist/ml/model"
	"github.com/machinist-ai/machinist/runtime/events"
	"github.com/machinist-ai/machinist/storage"
)

// capturePublisher records published events; a non-nil err fails every
// publish instead.
type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *capturePublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

func (p *capturePublisher) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func (p *capturePublisher) ofType(t events.Type) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.Type() == t {
			out = append(out, e)
		}
	}
	return out
}

// one returns the single published event of the given type.
func (p *capturePublisher) one(t *testing.T, typ events.Type) events.Event {
	t.Helper()
	got := p.ofType(typ)
	require.Len(t, got, 1)
	return got[0]
}

// captureMetrics sums counter increments by metric name.
type captureMetrics struct {
	mu     sync.Mutex
	counts map[string]float64
}

func newCaptureMetrics() *captureMetrics {
	return &captureMetrics{counts: make(map[string]float64)}
}

func (m *captureMetrics) IncCounter(name string, value float64, _ ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[name] += value
}

func (m *captureMetrics) RecordTimer(string, time.Duration, ...string) {}
func (m *captureMetrics) RecordGauge(string, float64, ...string)      {}

func (m *captureMetrics) count(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name]
}

// testClock is a hand-driven time source.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(at time.Time) *testClock { return &testClock{t: at} }

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testReading(sensorID string, typ storage.SensorType, value float64, ts time.Time) storage.SensorReading {
	return storage.SensorReading{
		SensorID:   sensorID,
		SensorType: typ,
		Value:      value,
		Unit:       "mm/s",
		Timestamp:  ts,
	}
}

// seedScorer registers a single-feature z-score model and promotes it to
// production. Score = |value-mean| / (stddev * 5), capped at 1.
func seedScorer(t *testing.T, reg *model.MemoryRegistry, name string, mean, stddev, holdout float64) model.Version {
	t.Helper()
	artifact, err := model.EncodeScorerArtifact(&model.ZScoreScorer{
		Means:   []float64{mean},
		Stddevs: []float64{stddev},
	})
	require.NoError(t, err)
	v, err := reg.Register(context.Background(), name, artifact, []string{"value"},
		map[string]float64{model.MetricHoldout: holdout})
	require.NoError(t, err)
	require.NoError(t, reg.Transition(context.Background(), name, v.Version, model.StageProduction))
	return v
}
