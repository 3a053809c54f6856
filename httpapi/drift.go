package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	goahttp "goa.design/goa/v3/http"

	"github.com/machinist-ai/machinist/ml/drift"
	"github.com/machinist-ai/machinist/runtime/fault"
)

type (
	driftCheckRequestBody struct {
		SensorID        string   `json:"sensor_id"`
		WindowMinutes   int      `json:"window_minutes"`
		PValueThreshold *float64 `json:"p_value_threshold,omitempty"`
		MinSamples      *int     `json:"min_samples,omitempty"`
	}

	driftCheckResponseBody struct {
		DriftDetected    bool      `json:"drift_detected"`
		PValue           *float64  `json:"p_value"`
		KSStatistic      *float64  `json:"ks_statistic"`
		ReferenceCount   int       `json:"reference_count"`
		CurrentCount     int       `json:"current_count"`
		RequestID        string    `json:"request_id"`
		EvaluatedAt      time.Time `json:"evaluated_at"`
		InsufficientData bool      `json:"insufficient_data"`
	}
)

// handleCheckDrift runs an on-demand drift check, rate limited per API key.
// A zero window or thresholds keep their literal meaning; the detector
// reports insufficient data rather than guessing defaults.
func (a *API) handleCheckDrift(w http.ResponseWriter, r *http.Request) {
	ctx, corrID := requestContext(r)

	if !a.limits.allow(r.Header.Get("X-API-Key")) {
		w.Header().Set("Retry-After", strconv.Itoa(a.limits.retryAfter()))
		respond(ctx, w, corrID, http.StatusTooManyRequests, errorBody{
			Code:          "rate_limited",
			Message:       "drift check rate limit exceeded",
			CorrelationID: corrID,
		})
		return
	}

	var body driftCheckRequestBody
	if err := goahttp.RequestDecoder(r).Decode(&body); err != nil {
		respondError(ctx, w, corrID, fault.Validation(fmt.Errorf("decode request: %w", err)))
		return
	}

	rep, err := a.checker.Check(ctx, drift.Request{
		SensorID:        body.SensorID,
		Window:          time.Duration(body.WindowMinutes) * time.Minute,
		PValueThreshold: body.PValueThreshold,
		MinSamples:      body.MinSamples,
	})
	if err != nil {
		respondError(ctx, w, corrID, err)
		return
	}

	respond(ctx, w, corrID, http.StatusOK, driftCheckResponseBody{
		DriftDetected:    rep.DriftDetected,
		PValue:           rep.PValue,
		KSStatistic:      rep.KSStatistic,
		ReferenceCount:   rep.ReferenceCount,
		CurrentCount:     rep.CurrentCount,
		RequestID:        corrID,
		EvaluatedAt:      rep.EvaluatedAt,
		InsufficientData: rep.InsufficientData,
	})
}
