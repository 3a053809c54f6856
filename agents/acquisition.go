package agents

import (
	"context"
	"errors"
	"fmt"

	"github.com/machinist-ai/machinist/runtime/agent"
	"github.com/machinist-ai/machinist/runtime/bus"
	"github.com/machinist-ai/machinist/runtime/events"
	"github.com/machinist-ai/machinist/runtime/fault"
	"github.com/machinist-ai/machinist/storage"
)

const acquisitionName = "acquisition-agent"

// AcquisitionAgent is the first golden-path stage: it enriches accepted
// readings with sensor master data from the catalog and republishes them as
// DataAcquired. Stateless.
type AcquisitionAgent struct {
	catalog storage.SensorCatalog
	pub     Publisher
	o       options
	health  healthState
}

// NewAcquisitionAgent builds the agent over the sensor catalog.
func NewAcquisitionAgent(catalog storage.SensorCatalog, pub Publisher, opts ...Option) *AcquisitionAgent {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &AcquisitionAgent{catalog: catalog, pub: pub, o: o}
}

// Name implements agent.Agent.
func (a *AcquisitionAgent) Name() string { return acquisitionName }

// Start implements agent.Agent. The agent has no background work.
func (a *AcquisitionAgent) Start(context.Context) error { a.health.start(); return nil }

// Stop implements agent.Agent.
func (a *AcquisitionAgent) Stop(context.Context) error { a.health.stopped(); return nil }

// Health implements agent.Agent.
func (a *AcquisitionAgent) Health(context.Context) agent.Health { return a.health.report() }

// Subscriptions implements agent.Agent.
func (a *AcquisitionAgent) Subscriptions() []agent.SubscriptionSpec {
	return []agent.SubscriptionSpec{{
		EventType: events.TypeSensorReadingIngested,
		Handler:   bus.HandlerFunc(a.handle),
	}}
}

func (a *AcquisitionAgent) handle(ctx context.Context, e events.Event) error {
	ingested, ok := e.(*events.SensorReadingIngested)
	if !ok {
		return fault.Permanent(fmt.Errorf("agents: %s cannot handle %s", acquisitionName, e.Type()))
	}

	sensor, err := a.catalog.Get(ctx, ingested.Reading.SensorID)
	if err != nil {
		a.health.fail(err)
		if errors.Is(err, storage.ErrSensorNotFound) {
			// Ingestion registers sensors before publishing; a missing row
			// here is an invariant break, not a retry candidate.
			return fault.Permanent(fmt.Errorf("agents: sensor %q vanished after ingestion: %w", ingested.Reading.SensorID, err))
		}
		return err
	}

	enriched := ingested.Reading
	enriched.Metadata = cloneMetadata(ingested.Reading.Metadata, 2)
	if sensor.Location != "" {
		enriched.Metadata["sensor_location"] = sensor.Location
	}
	enriched.Metadata["sensor_status"] = string(sensor.Status)

	if err := a.pub.Publish(ctx, events.NewDataAcquired(e.CorrelationID(), acquisitionName, enriched)); err != nil {
		a.health.fail(err)
		return err
	}
	a.health.ok()
	a.o.metrics.IncCounter("agent_events_processed_total", 1, "agent", acquisitionName)
	return nil
}
