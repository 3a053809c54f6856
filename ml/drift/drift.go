// Package drift detects distribution shift in a sensor's recent readings
// with a two-sample Kolmogorov-Smirnov test: the trailing window against the
// window before it. A positive detection is the trigger for model
// retraining.
package drift

import (
	"context"
	"errors"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/machinist-ai/machinist/runtime/correlation"
	"github.com/machinist-ai/machinist/runtime/fault"
	"github.com/machinist-ai/machinist/runtime/telemetry"
	"github.com/machinist-ai/machinist/storage"
)

const (
	// DefaultPValueThreshold is the significance cutoff for detection.
	DefaultPValueThreshold = 0.05
	// DefaultMinSamples is the per-window sample floor below which the
	// test is not run.
	DefaultMinSamples = 30
	// DefaultHardCap bounds rows read per window.
	DefaultHardCap = 100000
)

type (
	// Request describes one drift check. Nil optional fields take the
	// detector's defaults; explicit zeros keep their literal meaning
	// (a zero threshold never detects drift).
	Request struct {
		SensorID string
		// Window is W in reference [now-2W, now-W) vs current
		// [now-W, now].
		Window          time.Duration
		PValueThreshold *float64
		MinSamples      *int
	}

	// Report is the outcome of one drift check. KSStatistic and PValue
	// are nil when the test did not run.
	Report struct {
		SensorID string `json:"sensor_id"`
		// ModelName is bound by the scheduled driver when the check
		// targets a model; ad hoc checks leave it empty.
		ModelName        string     `json:"model_name,omitempty"`
		ReferenceCount   int        `json:"reference_count"`
		CurrentCount     int        `json:"current_count"`
		KSStatistic      *float64   `json:"ks_statistic"`
		PValue           *float64   `json:"p_value"`
		Threshold        float64    `json:"threshold"`
		DriftDetected    bool       `json:"drift_detected"`
		InsufficientData bool       `json:"insufficient_data"`
		EvaluatedAt      time.Time  `json:"evaluated_at"`
		CorrelationID    string     `json:"correlation_id"`
	}

	// Detector runs drift checks against the reading repository.
	Detector struct {
		readings storage.ReadingRepository
		o        options
	}

	options struct {
		threshold  float64
		minSamples int
		hardCap    int
		logger     telemetry.Logger
		metrics    telemetry.Metrics
	}

	// Option configures a Detector.
	Option func(*options)
)

// WithThreshold sets the default p-value cutoff.
func WithThreshold(p float64) Option {
	return func(o *options) {
		if p >= 0 {
			o.threshold = p
		}
	}
}

// WithMinSamples sets the default per-window sample floor.
func WithMinSamples(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.minSamples = n
		}
	}
}

// WithHardCap bounds rows read per window.
func WithHardCap(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.hardCap = n
		}
	}
}

// WithLogger sets the detector logger.
func WithLogger(l telemetry.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the detector metrics sink.
func WithMetrics(m telemetry.Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// NewDetector builds a detector over the repository.
func NewDetector(readings storage.ReadingRepository, opts ...Option) *Detector {
	o := options{
		threshold:  DefaultPValueThreshold,
		minSamples: DefaultMinSamples,
		hardCap:    DefaultHardCap,
		logger:     telemetry.NewNoopLogger(),
		metrics:    telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Detector{readings: readings, o: o}
}

// Check runs one drift check. Insufficient data is a successful outcome,
// not an error; errors mean the repository could not be read.
func (d *Detector) Check(ctx context.Context, req Request) (Report, error) {
	ctx, corrID := correlation.Ensure(ctx)

	rep := Report{
		SensorID:      req.SensorID,
		Threshold:     d.o.threshold,
		EvaluatedAt:   time.Now().UTC(),
		CorrelationID: corrID,
	}
	if req.PValueThreshold != nil {
		rep.Threshold = *req.PValueThreshold
	}
	minSamples := d.o.minSamples
	if req.MinSamples != nil {
		minSamples = *req.MinSamples
	}

	if req.SensorID == "" {
		return rep, fault.Validation(errors.New("drift: sensor_id is required"))
	}
	if req.Window <= 0 {
		rep.InsufficientData = true
		return rep, nil
	}

	now := time.Now().UTC()
	refFrom := now.Add(-2 * req.Window)
	refTo := now.Add(-req.Window)
	reference, err := d.readings.Range(ctx, req.SensorID, refFrom, refTo.Add(-time.Microsecond), d.o.hardCap)
	if err != nil {
		return rep, err
	}
	current, err := d.readings.Range(ctx, req.SensorID, refTo, now, d.o.hardCap)
	if err != nil {
		return rep, err
	}
	rep.ReferenceCount = len(reference)
	rep.CurrentCount = len(current)

	if len(reference) == 0 || len(current) == 0 ||
		len(reference) < minSamples || len(current) < minSamples {
		rep.InsufficientData = true
		d.o.metrics.IncCounter("drift_checks_total", 1, "outcome", "insufficient_data")
		return rep, nil
	}

	ks := stat.KolmogorovSmirnov(values(reference), nil, values(current), nil)
	p := kolmogorovPValue(ks, len(reference), len(current))
	rep.KSStatistic = &ks
	rep.PValue = &p
	rep.DriftDetected = p < rep.Threshold

	outcome := "no_drift"
	if rep.DriftDetected {
		outcome = "drift"
		d.o.logger.Info(ctx, "drift detected",
			"sensor_id", req.SensorID, "ks", ks, "p_value", p,
			"reference", len(reference), "current", len(current))
	}
	d.o.metrics.IncCounter("drift_checks_total", 1, "outcome", outcome)
	return rep, nil
}

// values extracts sorted reading values for the KS test.
func values(readings []storage.SensorReading) []float64 {
	out := make([]float64, len(readings))
	for i, r := range readings {
		out[i] = r.Value
	}
	sort.Float64s(out)
	return out
}
