package tests

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/machinist-ai/machinist/ingest"
	"github.com/machinist-ai/machinist/integration_tests/framework"
	"github.com/machinist-ai/machinist/runtime/events"
	"github.com/machinist-ai/machinist/storage"
)

func readingBody(sensorID string, value float64, ts time.Time) string {
	return fmt.Sprintf(`{"sensor_id":%q,"sensor_type":"temperature","value":%v,"timestamp":%q}`,
		sensorID, value, ts.Format(time.RFC3339Nano))
}

// A routine reading flows through acquisition, validation and anomaly
// detection without raising anything.
func TestGoldenPathReachesAllStages(t *testing.T) {
	s := framework.New(t)
	start := framework.DefaultStart

	status, res := s.IngestReading(t, readingBody("s1", 22.5, start), "")
	require.Equal(t, http.StatusAccepted, status)
	require.Equal(t, ingest.StatusAccepted, res.Status)
	require.NotEmpty(t, res.EventID)

	// Acquisition and validation republish; the anomaly agent has no model
	// for the sensor yet and records the skip.
	require.Eventually(t, func() bool {
		return s.Probe.Count(events.TypeSensorReadingIngested) == 1 &&
			s.Probe.Count(events.TypeDataAcquired) == 1 &&
			s.Probe.Count(events.TypeDataValidated) == 1 &&
			s.Metrics.Counter("anomaly_skipped_no_model_total") == 1
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, 0, s.Probe.Count(events.TypeValidationFailed))
	require.Equal(t, 0, s.Probe.Count(events.TypeAnomalyDetected))
	require.Equal(t, 0, s.Notifier.Count())

	require.Equal(t, 1, s.Readings.Count("s1"))
	sensor, err := s.Sensors.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, storage.SensorTemperature, sensor.Type)
	require.Equal(t, storage.SensorActive, sensor.Status)

	acquired := s.Probe.One(t, events.TypeDataAcquired).(*events.DataAcquired)
	require.Equal(t, res.EventID, s.Probe.One(t, events.TypeSensorReadingIngested).EventID())
	require.Equal(t, 22.5, acquired.Reading.Value)
	require.Equal(t, string(storage.SensorActive), acquired.Reading.Metadata["sensor_status"])
}

// Replaying a request under the same idempotency key reports the original
// event and writes nothing new.
func TestIdempotentReplayCollapses(t *testing.T) {
	s := framework.New(t)
	body := readingBody("s1", 22.5, framework.DefaultStart)

	status, first := s.IngestReading(t, body, "k1")
	require.Equal(t, http.StatusAccepted, status)
	require.Equal(t, ingest.StatusAccepted, first.Status)
	require.NotEmpty(t, first.EventID)

	status, second := s.IngestReading(t, body, "k1")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, ingest.StatusDuplicate, second.Status)
	require.Equal(t, first.EventID, second.EventID)

	// The replay short-circuited before publish, so exactly one event chain
	// ran and exactly one row landed.
	s.Probe.Wait(t, events.TypeSensorReadingIngested, 1, time.Second)
	s.Probe.Wait(t, events.TypeDataValidated, 1, time.Second)
	require.Equal(t, 1, s.Readings.Count("s1"))
	require.Equal(t, 1, s.Probe.Count(events.TypeSensorReadingIngested))
}

// An anomalous reading notifies exactly once; an identical anomaly inside
// the dedup window is suppressed, and one past the notification window
// dispatches again.
func TestAnomalyNotificationDedupAndRedispatch(t *testing.T) {
	s := framework.New(t)
	start := framework.DefaultStart
	ctx := context.Background()

	s.SeedModel(t, "anomaly-temperature", 22.5, 1, 0.9)

	status, _ := s.IngestReading(t, readingBody("s1", 150.0, start), "")
	require.Equal(t, http.StatusAccepted, status)

	s.Probe.Wait(t, events.TypeNotificationDispatched, 1, time.Second)
	require.Equal(t, 1, s.Notifier.Count())
	sent := s.Notifier.Sent()[0]
	require.Equal(t, 5, sent.Severity)
	require.Equal(t, "s1", sent.Metadata["sensor_id"])
	dispatched := s.Probe.One(t, events.TypeNotificationDispatched).(*events.NotificationDispatched)
	require.Equal(t, "capture", dispatched.Channel)

	// Identical anomaly 30 seconds later: persisted, not re-notified.
	s.Clock.Advance(30 * time.Second)
	status, _ = s.IngestReading(t, readingBody("s1", 150.0, start.Add(30*time.Second)), "")
	require.Equal(t, http.StatusAccepted, status)
	require.Eventually(t, func() bool {
		return s.Metrics.Counter("notifications_deduplicated_total") == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, s.Notifier.Count())

	// Past both the dedup window and the per-sensor budget: dispatches.
	s.Clock.Advance(5*time.Minute + 30*time.Second)
	status, _ = s.IngestReading(t, readingBody("s1", 150.0, start.Add(6*time.Minute)), "")
	require.Equal(t, http.StatusAccepted, status)
	s.Probe.Wait(t, events.TypeNotificationDispatched, 2, time.Second)
	require.Equal(t, 2, s.Notifier.Count())

	// Every detection landed as its own alert row, dispatched or not.
	require.Equal(t, 3, s.Probe.Count(events.TypeAnomalyDetected))
	alerts, err := s.Alerts.ListRecent(ctx, "s1", start)
	require.NoError(t, err)
	require.Len(t, alerts, 3)
	for _, a := range alerts {
		require.Equal(t, storage.AlertOpen, a.Status)
		require.Equal(t, 5, a.Severity)
	}
}
