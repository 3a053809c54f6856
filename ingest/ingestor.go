package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/machinist-ai/machinist/runtime/correlation"
	"github.com/machinist-ai/machinist/runtime/events"
	"github.com/machinist-ai/machinist/runtime/fault"
	"github.com/machinist-ai/machinist/runtime/telemetry"
	"github.com/machinist-ai/machinist/storage"
)

type (
	// Request is one reading submitted for ingestion, already decoded from
	// the transport.
	Request struct {
		SensorID   string
		SensorType string
		Value      float64
		Unit       string
		Timestamp  time.Time
		Quality    *float64
		Metadata   map[string]string
		// IdempotencyKey, when present, makes replays of this request
		// collapse into the original reading for the key's TTL.
		IdempotencyKey string
	}

	// Status is the ingestion outcome reported to the caller.
	Status string

	// Result is the successful outcome of Ingest.
	Result struct {
		Status        Status `json:"status"`
		EventID       string `json:"event_id,omitempty"`
		CorrelationID string `json:"correlation_id"`
	}

	// Publisher is the slice of the bus Ingest needs.
	Publisher interface {
		Publish(ctx context.Context, e events.Event) error
	}

	// Ingestor drives a reading through correlation, idempotency,
	// validation, persistence and publication.
	Ingestor struct {
		readings storage.ReadingRepository
		sensors  storage.SensorCatalog
		idem     Store
		pub      Publisher
		o        ingestorOptions
	}
)

const (
	// StatusAccepted is a first-time reading: persisted and announced.
	StatusAccepted Status = "accepted"
	// StatusDuplicate is a recognized replay, by idempotency key or by
	// natural-key collision. Nothing was written or published.
	StatusDuplicate Status = "duplicate_ignored"
)

// PublishError reports a reading that was persisted but whose announcement
// failed. The row remains for reconciliation; the caller must not report
// success.
type PublishError struct {
	EventID string
	Err     error
}

// Error implements error.
func (e *PublishError) Error() string {
	return fmt.Sprintf("ingest: reading %s persisted but publish failed: %v", e.EventID, e.Err)
}

// Unwrap exposes the bus error for classification.
func (e *PublishError) Unwrap() error { return e.Err }

type ingestorOptions struct {
	ttl           time.Duration
	autoRegister  bool
	retryAttempts int
	retryBase     time.Duration
	source        string
	logger        telemetry.Logger
	metrics       telemetry.Metrics
}

// IngestorOption configures an Ingestor.
type IngestorOption func(*ingestorOptions)

// WithTTL sets the idempotency reservation TTL.
func WithTTL(d time.Duration) IngestorOption {
	return func(o *ingestorOptions) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// WithAutoRegister controls whether unknown sensors are registered on first
// contact. When off, readings for unknown sensors are validation failures.
func WithAutoRegister(enabled bool) IngestorOption {
	return func(o *ingestorOptions) { o.autoRegister = enabled }
}

// WithInsertRetry tunes the transient-failure retry on repository inserts.
func WithInsertRetry(attempts int, base time.Duration) IngestorOption {
	return func(o *ingestorOptions) {
		if attempts > 0 {
			o.retryAttempts = attempts
		}
		if base > 0 {
			o.retryBase = base
		}
	}
}

// WithSource names the event source for published readings.
func WithSource(source string) IngestorOption {
	return func(o *ingestorOptions) {
		if source != "" {
			o.source = source
		}
	}
}

// WithIngestLogger sets the logger.
func WithIngestLogger(l telemetry.Logger) IngestorOption {
	return func(o *ingestorOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithIngestMetrics sets the metrics sink.
func WithIngestMetrics(m telemetry.Metrics) IngestorOption {
	return func(o *ingestorOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

// NewIngestor builds the orchestrator over its collaborators.
func NewIngestor(readings storage.ReadingRepository, sensors storage.SensorCatalog, idem Store, pub Publisher, opts ...IngestorOption) *Ingestor {
	o := ingestorOptions{
		ttl:           DefaultTTL,
		autoRegister:  true,
		retryAttempts: 3,
		retryBase:     100 * time.Millisecond,
		source:        "ingest",
		logger:        telemetry.NewNoopLogger(),
		metrics:       telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Ingestor{readings: readings, sensors: sensors, idem: idem, pub: pub, o: o}
}

// Ingest takes a reading end to end. It never reports success without a
// persisted row or a recognized duplicate, and it never publishes a reading
// it did not persist.
func (i *Ingestor) Ingest(ctx context.Context, req Request) (Result, error) {
	ctx, corrID := correlation.Ensure(ctx)
	res := Result{CorrelationID: corrID}

	if err := validate(req); err != nil {
		i.o.metrics.IncCounter("ingest_validation_failures_total", 1)
		return res, err
	}

	reading := storage.SensorReading{
		SensorID:   req.SensorID,
		SensorType: storage.SensorType(req.SensorType),
		Value:      req.Value,
		Unit:       req.Unit,
		Timestamp:  req.Timestamp.UTC().Truncate(time.Microsecond),
		Quality:    req.Quality,
		Metadata:   req.Metadata,
	}

	if i.o.autoRegister {
		if _, err := i.sensors.EnsureActive(ctx, reading.SensorID, reading.SensorType); err != nil {
			return res, fmt.Errorf("ingest: register sensor %s: %w", reading.SensorID, err)
		}
	} else {
		if _, err := i.sensors.Get(ctx, reading.SensorID); err != nil {
			if errors.Is(err, storage.ErrSensorNotFound) {
				i.o.metrics.IncCounter("ingest_validation_failures_total", 1)
				return res, fault.Validation(fmt.Errorf("ingest: unknown sensor %q", reading.SensorID))
			}
			return res, fmt.Errorf("ingest: look up sensor %s: %w", reading.SensorID, err)
		}
	}

	// The event is built before the reservation so the candidate ID the
	// key maps to is the ID that will be published.
	e := events.NewSensorReadingIngested(corrID, i.o.source, reading)

	if req.IdempotencyKey != "" {
		r, err := i.idem.Reserve(ctx, req.IdempotencyKey, e.EventID(), i.o.ttl)
		if err != nil {
			return res, fmt.Errorf("ingest: reserve %q: %w", req.IdempotencyKey, err)
		}
		if !r.FirstTime {
			i.o.metrics.IncCounter("ingest_duplicates_total", 1, "kind", "idempotency_key")
			i.o.logger.Info(ctx, "duplicate ingest ignored",
				"sensor_id", reading.SensorID, "original_event_id", r.EventID)
			res.Status = StatusDuplicate
			res.EventID = r.EventID
			return res, nil
		}
	}

	if err := i.insertWithRetry(ctx, reading); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			// The original event ID is not recoverable from the row;
			// duplicates by natural key report only the status.
			i.o.metrics.IncCounter("ingest_duplicates_total", 1, "kind", "natural_key")
			res.Status = StatusDuplicate
			return res, nil
		}
		return res, fmt.Errorf("ingest: insert reading for %s: %w", reading.SensorID, err)
	}

	if err := i.pub.Publish(ctx, e); err != nil {
		i.o.metrics.IncCounter("ingest_publish_failures_total", 1)
		i.o.logger.Error(ctx, "reading persisted but publish failed",
			"sensor_id", reading.SensorID, "event_id", e.EventID(), "err", err)
		return res, &PublishError{EventID: e.EventID(), Err: err}
	}

	i.o.metrics.IncCounter("ingest_accepted_total", 1, "sensor_type", string(reading.SensorType))
	res.Status = StatusAccepted
	res.EventID = e.EventID()
	return res, nil
}

func (i *Ingestor) insertWithRetry(ctx context.Context, r storage.SensorReading) error {
	backoff := i.o.retryBase
	for attempt := 1; ; attempt++ {
		err := i.readings.Insert(ctx, r)
		if err == nil {
			return nil
		}
		if !fault.Retryable(err) || attempt >= i.o.retryAttempts {
			return err
		}
		i.o.metrics.IncCounter("ingest_insert_retries_total", 1)
		select {
		case <-time.After(jitter(backoff)):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
}

// jitter spreads a backoff step by ±25% so synchronized retries fan out.
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.75 + rand.Float64()*0.5))
}

func validate(req Request) error {
	var reasons []string
	if req.SensorID == "" {
		reasons = append(reasons, "sensor_id is required")
	} else if len(req.SensorID) > storage.MaxSensorIDLength {
		reasons = append(reasons, fmt.Sprintf("sensor_id exceeds %d characters", storage.MaxSensorIDLength))
	}
	if !storage.SensorType(req.SensorType).Valid() {
		reasons = append(reasons, fmt.Sprintf("sensor_type %q is not recognized", req.SensorType))
	}
	if math.IsNaN(req.Value) || math.IsInf(req.Value, 0) {
		reasons = append(reasons, "value must be finite")
	}
	if req.Timestamp.IsZero() {
		reasons = append(reasons, "timestamp is required")
	}
	if req.Quality != nil && (*req.Quality < 0 || *req.Quality > 1) {
		reasons = append(reasons, "quality must be in [0, 1]")
	}
	if len(reasons) > 0 {
		return fault.Validation(errors.New("ingest: " + strings.Join(reasons, "; ")))
	}
	return nil
}
