package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/machinist-ai/machinist/storage"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, 600*time.Second, cfg.IdempotencyTTL)
	require.True(t, cfg.IngestAutoRegister)
	require.Equal(t, 10000, cfg.BusQueueCapacity)
	require.Equal(t, 3, cfg.BusMaxAttempts)
	require.Equal(t, 2*time.Second, cfg.BusBackoffMin)
	require.Equal(t, 6*time.Second, cfg.BusBackoffMax)
	require.Equal(t, "0 */6 * * *", cfg.DriftSchedule)
	require.Equal(t, 0.05, cfg.DriftPValueThreshold)
	require.Equal(t, 6*time.Hour, cfg.DriftWindow)
	require.True(t, cfg.RetrainEnabled)
	require.Equal(t, 24*time.Hour, cfg.RetrainCooldown)
	require.Equal(t, time.Hour, cfg.RetrainTimeout)
	require.Equal(t, 0.9, cfg.AnomalyScoreThreshold)
	require.Equal(t, 8, cfg.ModelCacheSize)
	require.Equal(t, 24*time.Hour, cfg.ValidationMaxSkew)
	require.Equal(t, time.Minute, cfg.ValidationFutureTolerance)
	require.Equal(t, "machinist", cfg.MongoDatabase)
	require.Empty(t, cfg.PostgresURL)
	require.Empty(t, cfg.MonitoredPairs)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", "127.0.0.1:9090")
	t.Setenv("TTL_IDEMPOTENCY_SECONDS", "45")
	t.Setenv("BUS_QUEUE_CAPACITY", "128")
	t.Setenv("BUS_BACKOFF_MIN_MS", "100")
	t.Setenv("BUS_BACKOFF_MAX_MS", "250")
	t.Setenv("DRIFT_WINDOW_MINUTES", "15")
	t.Setenv("RETRAIN_ENABLED", "false")
	t.Setenv("RETRAIN_COOLDOWN_HOURS", "1")
	t.Setenv("ANOMALY_SCORE_THRESHOLD", "0.75")
	t.Setenv("POSTGRES_URL", "postgres://machinist@localhost/machinist")
	t.Setenv("MONITORED_PAIRS", "pump-1:anomaly-vibration, fan-2:anomaly-temperature")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:9090", cfg.HTTPAddr)
	require.Equal(t, 45*time.Second, cfg.IdempotencyTTL)
	require.Equal(t, 128, cfg.BusQueueCapacity)
	require.Equal(t, 100*time.Millisecond, cfg.BusBackoffMin)
	require.Equal(t, 250*time.Millisecond, cfg.BusBackoffMax)
	require.Equal(t, 15*time.Minute, cfg.DriftWindow)
	require.False(t, cfg.RetrainEnabled)
	require.Equal(t, time.Hour, cfg.RetrainCooldown)
	require.Equal(t, 0.75, cfg.AnomalyScoreThreshold)
	require.Equal(t, "postgres://machinist@localhost/machinist", cfg.PostgresURL)
	require.Equal(t, []MonitoredPair{
		{SensorID: "pump-1", ModelName: "anomaly-vibration"},
		{SensorID: "fan-2", ModelName: "anomaly-temperature"},
	}, cfg.MonitoredPairs)
}

func TestLoadReportsEveryBadValue(t *testing.T) {
	t.Setenv("BUS_QUEUE_CAPACITY", "many")
	t.Setenv("ANOMALY_SCORE_THRESHOLD", "1.5")
	t.Setenv("DRIFT_SCHEDULE", "whenever")
	t.Setenv("RETRAIN_ENABLED", "nope")

	_, err := Load()
	require.Error(t, err)
	require.ErrorContains(t, err, "BUS_QUEUE_CAPACITY")
	require.ErrorContains(t, err, "ANOMALY_SCORE_THRESHOLD")
	require.ErrorContains(t, err, "DRIFT_SCHEDULE")
	require.ErrorContains(t, err, "RETRAIN_ENABLED")
}

func TestLoadRejectsUnorderedBackoff(t *testing.T) {
	t.Setenv("BUS_BACKOFF_MIN_MS", "5000")
	t.Setenv("BUS_BACKOFF_MAX_MS", "1000")

	_, err := Load()
	require.ErrorContains(t, err, "BUS_BACKOFF_MIN_MS")
}

func TestLoadRejectsMalformedPairs(t *testing.T) {
	t.Setenv("MONITORED_PAIRS", "pump-1,fan-2:anomaly-temperature")

	_, err := Load()
	require.ErrorContains(t, err, "MONITORED_PAIRS")
	require.ErrorContains(t, err, "pump-1")
}

func TestLoadSensorCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensors.yaml")
	doc := `sensors:
  - sensor_id: pump-1
    type: vibration
    location: line-3/pump-A
    status: active
  - sensor_id: fan-2
    type: temperature
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	sensors, err := LoadSensorCatalog(path)
	require.NoError(t, err)
	require.Len(t, sensors, 2)

	require.Equal(t, "pump-1", sensors[0].SensorID)
	require.Equal(t, storage.SensorVibration, sensors[0].Type)
	require.Equal(t, "line-3/pump-A", sensors[0].Location)
	require.Equal(t, storage.SensorActive, sensors[0].Status)

	// Status defaults to active when the inventory omits it.
	require.Equal(t, storage.SensorActive, sensors[1].Status)
	require.Equal(t, storage.SensorTemperature, sensors[1].Type)
}

func TestLoadSensorCatalogRejectsUnknownType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensors.yaml")
	doc := `sensors:
  - sensor_id: pump-1
    type: telepathy
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	_, err := LoadSensorCatalog(path)
	require.ErrorContains(t, err, "telepathy")
}

func TestLoadSensorCatalogRejectsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensors.yaml")
	doc := `sensors:
  - sensor_id: pump-1
    type: vibration
  - sensor_id: pump-1
    type: pressure
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	_, err := LoadSensorCatalog(path)
	require.ErrorContains(t, err, "duplicate sensor")
}

func TestLoadSensorCatalogMissingFile(t *testing.T) {
	_, err := LoadSensorCatalog(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
