// Package httpapi adapts the ingestion orchestrator, the drift detector,
// and the dependency health checks to HTTP. Handlers are hand-written on
// the goa muxer; decoding and encoding stop at this boundary so the
// services underneath stay transport-free.
package httpapi

import (
	"context"
	"errors"
	"net/http"

	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"github.com/machinist-ai/machinist/ingest"
	"github.com/machinist-ai/machinist/ml/drift"
	"github.com/machinist-ai/machinist/runtime/correlation"
	"github.com/machinist-ai/machinist/runtime/fault"
)

type (
	// Ingestor is the slice of the ingestion orchestrator the API calls.
	Ingestor interface {
		Ingest(ctx context.Context, req ingest.Request) (ingest.Result, error)
	}

	// DriftChecker runs ad hoc drift checks.
	DriftChecker interface {
		Check(ctx context.Context, req drift.Request) (drift.Report, error)
	}

	// API owns the HTTP handlers.
	API struct {
		ingestor Ingestor
		checker  DriftChecker
		limits   *keyLimiters
		o        options
	}

	options struct {
		pingers     []health.Pinger
		driftPerMin int
		debug       bool
	}

	// Option configures the API.
	Option func(*options)

	// errorBody is the envelope every non-2xx response carries. Logs hold
	// the full error chain keyed by correlation ID; responses never do.
	errorBody struct {
		Code          string `json:"code"`
		Message       string `json:"message"`
		CorrelationID string `json:"correlation_id"`
	}
)

const defaultDriftPerMin = 10

// WithHealthChecks registers the dependencies /health/ready reports on.
func WithHealthChecks(pingers ...health.Pinger) Option {
	return func(o *options) {
		o.pingers = append(o.pingers, pingers...)
	}
}

// WithDriftRateLimit caps per-key drift checks per minute.
func WithDriftRateLimit(perMin int) Option {
	return func(o *options) {
		if perMin > 0 {
			o.driftPerMin = perMin
		}
	}
}

// WithDebug mounts the pprof and log-level endpoints and logs payloads when
// debug logging is on.
func WithDebug(enabled bool) Option {
	return func(o *options) {
		o.debug = enabled
	}
}

// New builds the API around the orchestrator and the detector.
func New(ing Ingestor, checker DriftChecker, opts ...Option) *API {
	o := options{driftPerMin: defaultDriftPerMin}
	for _, opt := range opts {
		opt(&o)
	}
	return &API{ingestor: ing, checker: checker, limits: newKeyLimiters(o.driftPerMin), o: o}
}

// Mount registers every route on mux.
func (a *API) Mount(mux goahttp.Muxer) {
	mux.Handle("POST", "/v1/data/ingest", a.handleIngest)
	mux.Handle("POST", "/v1/ml/check_drift", a.handleCheckDrift)
	mux.Handle("GET", "/health", handleLive)
	mux.Handle("GET", "/health/ready", health.Handler(health.NewChecker(a.o.pingers...)))
}

// Handler returns the root handler: routes, optional debug surfaces, and
// request logging.
func (a *API) Handler(ctx context.Context) http.Handler {
	mux := goahttp.NewMuxer()
	a.Mount(mux)
	if a.o.debug {
		debug.MountPprofHandlers(debug.Adapt(mux))
		debug.MountDebugLogEnabler(debug.Adapt(mux))
	}
	var handler http.Handler = mux
	if a.o.debug {
		handler = debug.HTTP()(handler)
	}
	return log.HTTP(ctx)(handler)
}

// handleLive answers liveness probes. Readiness is the checker's job.
func handleLive(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// requestContext binds the caller's X-Request-ID, or a fresh UUID when the
// header is absent, to the context as the correlation ID.
func requestContext(r *http.Request) (context.Context, string) {
	ctx := correlation.WithID(r.Context(), r.Header.Get("X-Request-ID"))
	corrID, _ := correlation.ID(ctx)
	return ctx, corrID
}

func respond(ctx context.Context, w http.ResponseWriter, corrID string, status int, body any) {
	enc := goahttp.ResponseEncoder(ctx, w)
	w.Header().Set("X-Request-ID", corrID)
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := enc.Encode(body); err != nil {
		log.Errorf(ctx, err, "encode response")
	}
}

func respondError(ctx context.Context, w http.ResponseWriter, corrID string, err error) {
	status, code, msg := classify(err)
	if status >= http.StatusInternalServerError {
		log.Errorf(ctx, err, "request failed")
	} else {
		log.Debugf(ctx, "request rejected: %v", err)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	respond(ctx, w, corrID, status, errorBody{Code: code, Message: msg, CorrelationID: corrID})
}

// classify maps a service error to its wire status, code, and caller-safe
// message. Validation details help the caller fix the request; everything
// else gets a generic message with the detail in the log.
func classify(err error) (int, string, string) {
	var pub *ingest.PublishError
	if errors.As(err, &pub) {
		// A full queue is still backpressure even when the row is already
		// persisted; the reading survives for reconciliation either way.
		if fault.IsCapacity(err) {
			return http.StatusServiceUnavailable, "queue_full", "ingestion queue is full"
		}
		return http.StatusInternalServerError, "publish_failed",
			"reading persisted but announcement failed; replay with the same idempotency key"
	}
	switch fault.KindOf(err) {
	case fault.KindValidation:
		return http.StatusBadRequest, "validation", err.Error()
	case fault.KindCapacity:
		return http.StatusServiceUnavailable, "queue_full", "ingestion queue is full"
	case fault.KindTransient:
		return http.StatusServiceUnavailable, "unavailable", "a backing service is unavailable"
	default:
		return http.StatusInternalServerError, "internal", "internal error"
	}
}
