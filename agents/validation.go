package agents

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/machinist-ai/machinist/runtime/agent"
	"github.com/machinist-ai/machinist/runtime/bus"
	"github.com/machinist-ai/machinist/runtime/events"
	"github.com/machinist-ai/machinist/runtime/fault"
	"github.com/machinist-ai/machinist/storage"
)

const validationName = "validation-agent"

// Reason codes carried by ValidationFailed events. Every failed check is
// reported, not just the first.
const (
	ReasonValueNotFinite    = "value_not_finite"
	ReasonTypeMismatch      = "sensor_type_mismatch"
	ReasonTimestampTooOld   = "timestamp_skew_exceeded"
	ReasonTimestampInFuture = "future_timestamp"
	ReasonSensorUnknown     = "sensor_not_registered"
)

// ValidationAgent is the second golden-path stage. It checks that the value
// is finite, the sensor type matches the registration, and the timestamp is
// plausible. Timestamps slightly ahead of now are clamped and marked;
// anything failing produces a ValidationFailed event and stops propagation
// without erroring the delivery.
type ValidationAgent struct {
	catalog storage.SensorCatalog
	pub     Publisher
	o       options
	health  healthState
}

// NewValidationAgent builds the agent over the sensor catalog.
func NewValidationAgent(catalog storage.SensorCatalog, pub Publisher, opts ...Option) *ValidationAgent {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &ValidationAgent{catalog: catalog, pub: pub, o: o}
}

// Name implements agent.Agent.
func (a *ValidationAgent) Name() string { return validationName }

// Start implements agent.Agent.
func (a *ValidationAgent) Start(context.Context) error { a.health.start(); return nil }

// Stop implements agent.Agent.
func (a *ValidationAgent) Stop(context.Context) error { a.health.stopped(); return nil }

// Health implements agent.Agent.
func (a *ValidationAgent) Health(context.Context) agent.Health { return a.health.report() }

// Subscriptions implements agent.Agent.
func (a *ValidationAgent) Subscriptions() []agent.SubscriptionSpec {
	return []agent.SubscriptionSpec{{
		EventType: events.TypeDataAcquired,
		Handler:   bus.HandlerFunc(a.handle),
	}}
}

func (a *ValidationAgent) handle(ctx context.Context, e events.Event) error {
	acquired, ok := e.(*events.DataAcquired)
	if !ok {
		return fault.Permanent(fmt.Errorf("agents: %s cannot handle %s", validationName, e.Type()))
	}

	r := acquired.Reading
	now := a.o.now()
	var reasons []string

	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		reasons = append(reasons, ReasonValueNotFinite)
	}

	sensor, err := a.catalog.Get(ctx, r.SensorID)
	switch {
	case errors.Is(err, storage.ErrSensorNotFound):
		reasons = append(reasons, ReasonSensorUnknown)
	case err != nil:
		a.health.fail(err)
		return err
	case sensor.Type != r.SensorType:
		reasons = append(reasons, ReasonTypeMismatch)
	}

	if now.Sub(r.Timestamp) > a.o.maxSkew {
		reasons = append(reasons, ReasonTimestampTooOld)
	}
	if ahead := r.Timestamp.Sub(now); ahead > 0 {
		if ahead <= a.o.futureTolerance {
			r.Timestamp = now.Truncate(time.Microsecond)
			r.Metadata = cloneMetadata(r.Metadata, 1)
			r.Metadata["clamped"] = "true"
		} else {
			reasons = append(reasons, ReasonTimestampInFuture)
		}
	}

	if len(reasons) > 0 {
		a.o.metrics.IncCounter("validation_failed_total", 1, "reason", reasons[0])
		a.o.logger.Info(ctx, "reading rejected",
			"sensor_id", r.SensorID, "reasons", strings.Join(reasons, ","))
		// The failure event carries the reading as submitted, not the
		// clamped copy.
		if err := a.pub.Publish(ctx, events.NewValidationFailed(e.CorrelationID(), validationName, acquired.Reading, reasons)); err != nil {
			a.health.fail(err)
			return err
		}
		a.health.ok()
		return nil
	}

	if err := a.pub.Publish(ctx, events.NewDataValidated(e.CorrelationID(), validationName, r)); err != nil {
		a.health.fail(err)
		return err
	}
	a.health.ok()
	a.o.metrics.IncCounter("agent_events_processed_total", 1, "agent", validationName)
	return nil
}
