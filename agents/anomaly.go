package agents

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/machinist-ai/machinist/ml/model"
	"github.com/machinist-ai/machinist/runtime/agent"
	"github.com/machinist-ai/machinist/runtime/bus"
	"github.com/machinist-ai/machinist/runtime/events"
	"github.com/machinist-ai/machinist/runtime/fault"
	"github.com/machinist-ai/machinist/storage"
)

const anomalyName = "anomaly-agent"

// scorerBundle is one cached, ready-to-score model version: the decoded
// scorer, the compiled feature schema, and the persisted feature order.
type scorerBundle struct {
	scorer   model.Scorer
	schema   *jsonschema.Schema
	features []string
}

// AnomalyDetectionAgent scores validated readings against the active model
// for the sensor and raises AnomalyDetected when the score crosses the
// threshold. Model versions are cached warm behind an LRU bound; a sensor
// with no serving model is skipped silently until one is promoted.
type AnomalyDetectionAgent struct {
	models model.RegistryClient
	pub    Publisher
	pairs  map[string]string
	cache  *model.Cache[*scorerBundle]
	o      options
	health healthState
}

// NewAnomalyDetectionAgent builds the agent. pairs overrides the per-type
// model convention for individual sensors.
func NewAnomalyDetectionAgent(models model.RegistryClient, pub Publisher, pairs []MonitoredPair, opts ...Option) *AnomalyDetectionAgent {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	byID := make(map[string]string, len(pairs))
	for _, p := range pairs {
		byID[p.SensorID] = p.ModelName
	}
	return &AnomalyDetectionAgent{
		models: models,
		pub:    pub,
		pairs:  byID,
		cache:  model.NewCache[*scorerBundle](o.cacheSize),
		o:      o,
	}
}

// Name implements agent.Agent.
func (a *AnomalyDetectionAgent) Name() string { return anomalyName }

// Start implements agent.Agent.
func (a *AnomalyDetectionAgent) Start(context.Context) error { a.health.start(); return nil }

// Stop implements agent.Agent.
func (a *AnomalyDetectionAgent) Stop(context.Context) error { a.health.stopped(); return nil }

// Health implements agent.Agent.
func (a *AnomalyDetectionAgent) Health(context.Context) agent.Health { return a.health.report() }

// Subscriptions implements agent.Agent.
func (a *AnomalyDetectionAgent) Subscriptions() []agent.SubscriptionSpec {
	return []agent.SubscriptionSpec{{
		EventType: events.TypeDataValidated,
		Handler:   bus.HandlerFunc(a.handle),
	}}
}

func (a *AnomalyDetectionAgent) modelFor(r storage.SensorReading) string {
	if name, ok := a.pairs[r.SensorID]; ok {
		return name
	}
	return ModelNameForType(r.SensorType)
}

func (a *AnomalyDetectionAgent) handle(ctx context.Context, e events.Event) error {
	validated, ok := e.(*events.DataValidated)
	if !ok {
		return fault.Permanent(fmt.Errorf("agents: %s cannot handle %s", anomalyName, e.Type()))
	}
	r := validated.Reading
	name := a.modelFor(r)

	active, err := a.models.GetActive(ctx, name)
	if errors.Is(err, model.ErrNotFound) {
		// No serving version yet; scoring resumes once one is promoted.
		a.o.metrics.IncCounter("anomaly_skipped_no_model_total", 1, "model", name)
		return nil
	}
	if err != nil {
		a.health.fail(err)
		return err
	}

	key := model.Key{Name: active.Name, Version: active.Version}
	bundle, err := a.cache.GetOrLoad(key, func() (*scorerBundle, error) {
		return a.loadBundle(ctx, active)
	})
	if err != nil {
		if fault.IsIntegrity(err) {
			a.quarantine(ctx, active)
		}
		a.health.fail(err)
		return err
	}

	payload := featurePayload(r)
	if verr := bundle.schema.Validate(payload); verr != nil {
		a.o.metrics.IncCounter("anomaly_feature_schema_mismatch_total", 1, "model", active.Name)
		return fault.Permanent(fmt.Errorf("agents: reading does not satisfy %s v%d feature schema: %w", active.Name, active.Version, verr))
	}

	vector := make([]float64, len(bundle.features))
	for i, f := range bundle.features {
		v, ok := payload[f].(float64)
		if !ok {
			return fault.Permanent(fmt.Errorf("agents: feature %q missing after schema validation", f))
		}
		vector[i] = v
	}
	score, err := bundle.scorer.Score(vector)
	if err != nil {
		a.health.fail(err)
		return err
	}

	if score <= a.o.scoreThreshold {
		a.health.ok()
		return nil
	}

	severity := severityFor(score)
	detected := events.NewAnomalyDetected(e.CorrelationID(), anomalyName, events.AnomalyDetected{
		SensorID:   r.SensorID,
		Kind:       "spike",
		Severity:   severity,
		Confidence: score,
		Description: fmt.Sprintf("%s reading %s scored %.3f against %s v%d",
			r.SensorType, formatFloat(r.Value), score, active.Name, active.Version),
		Evidence: map[string]string{
			"score":         formatFloat(score),
			"threshold":     formatFloat(a.o.scoreThreshold),
			"value":         formatFloat(r.Value),
			"model_version": strconv.Itoa(active.Version),
		},
		RecommendedActions: recommendedActions(severity),
		ModelName:          active.Name,
		ModelVersion:       active.Version,
		ObservedAt:         r.Timestamp,
	})
	if err := a.pub.Publish(ctx, detected); err != nil {
		a.health.fail(err)
		return err
	}
	a.health.ok()
	a.o.metrics.IncCounter("anomalies_detected_total", 1,
		"model", active.Name, "severity", strconv.Itoa(severity))
	return nil
}

func (a *AnomalyDetectionAgent) loadBundle(ctx context.Context, v model.Version) (*scorerBundle, error) {
	scorer, err := a.models.LoadArtifact(ctx, v.Name, v.Version)
	if err != nil {
		return nil, err
	}
	schema, err := compileFeatureSchema(v)
	if err != nil {
		return nil, err
	}
	return &scorerBundle{scorer: scorer, schema: schema, features: v.FeatureNames}, nil
}

// quarantine takes a version whose artifact failed hash verification out of
// serving rotation.
func (a *AnomalyDetectionAgent) quarantine(ctx context.Context, v model.Version) {
	a.o.metrics.IncCounter("model_integrity_violations_total", 1, "model", v.Name)
	a.o.logger.Error(ctx, "artifact hash mismatch, quarantining version",
		"model", v.Name, "version", v.Version)
	if err := a.models.Transition(ctx, v.Name, v.Version, model.StageQuarantined); err != nil {
		a.o.logger.Error(ctx, "quarantine transition failed",
			"model", v.Name, "version", v.Version, "err", err)
	}
	a.cache.Remove(model.Key{Name: v.Name, Version: v.Version})
}

// compileFeatureSchema builds the JSON schema a payload must satisfy to be
// scored by the version: every declared feature present and numeric.
func compileFeatureSchema(v model.Version) (*jsonschema.Schema, error) {
	props := make(map[string]any, len(v.FeatureNames))
	required := make([]any, 0, len(v.FeatureNames))
	for _, f := range v.FeatureNames {
		props[f] = map[string]any{"type": "number"}
		required = append(required, f)
	}
	doc := map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
	url := fmt.Sprintf("%s-v%d-features.json", v.Name, v.Version)
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fault.Permanent(fmt.Errorf("agents: feature schema for %s v%d: %w", v.Name, v.Version, err))
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fault.Permanent(fmt.Errorf("agents: compile feature schema for %s v%d: %w", v.Name, v.Version, err))
	}
	return schema, nil
}

// featurePayload projects a reading into the flat numeric document models
// score: the value, the quality when present, and any numeric metadata.
// Reserved keys win over metadata of the same name.
func featurePayload(r storage.SensorReading) map[string]any {
	payload := make(map[string]any, len(r.Metadata)+2)
	for k, v := range r.Metadata {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			payload[k] = f
		}
	}
	payload["value"] = r.Value
	if r.Quality != nil {
		payload["quality"] = *r.Quality
	}
	return payload
}

func severityFor(score float64) int {
	switch {
	case score >= 0.98:
		return 5
	case score >= 0.95:
		return 4
	default:
		return 3
	}
}

func recommendedActions(severity int) []string {
	if severity >= 4 {
		return []string{"inspect the sensor and its machine", "schedule maintenance"}
	}
	return []string{"monitor the sensor for recurrence"}
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }
