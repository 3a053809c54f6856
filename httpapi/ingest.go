package httpapi

import (
	"fmt"
	"net/http"
	"time"

	goahttp "goa.design/goa/v3/http"

	"github.com/machinist-ai/machinist/ingest"
	"github.com/machinist-ai/machinist/runtime/fault"
)

type ingestRequestBody struct {
	SensorID   string            `json:"sensor_id"`
	SensorType string            `json:"sensor_type"`
	Value      float64           `json:"value"`
	Unit       string            `json:"unit,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Quality    *float64          `json:"quality,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// handleIngest accepts one reading: 202 on first sight, 200 on a recognized
// replay. The Idempotency-Key header makes replays explicit; X-Request-ID
// becomes the correlation ID and is echoed on the response.
func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx, corrID := requestContext(r)

	var body ingestRequestBody
	if err := goahttp.RequestDecoder(r).Decode(&body); err != nil {
		respondError(ctx, w, corrID, fault.Validation(fmt.Errorf("decode request: %w", err)))
		return
	}

	res, err := a.ingestor.Ingest(ctx, ingest.Request{
		SensorID:       body.SensorID,
		SensorType:     body.SensorType,
		Value:          body.Value,
		Unit:           body.Unit,
		Timestamp:      body.Timestamp,
		Quality:        body.Quality,
		Metadata:       body.Metadata,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		respondError(ctx, w, corrID, err)
		return
	}

	status := http.StatusAccepted
	if res.Status == ingest.StatusDuplicate {
		status = http.StatusOK
	}
	respond(ctx, w, corrID, status, res)
}
