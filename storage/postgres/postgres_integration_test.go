package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/machinist-ai/machinist/runtime/fault"
	"github.com/machinist-ai/machinist/storage"
)

// startPostgres runs a disposable server and applies the schema. Tests skip
// when Docker is not available.
func startPostgres(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()

	var (
		container testcontainers.Container
		err       error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("docker not available: %v", r)
			}
		}()
		container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "postgres:16-alpine",
				ExposedPorts: []string{"5432/tcp"},
				Env: map[string]string{
					"POSTGRES_USER":     "machinist",
					"POSTGRES_PASSWORD": "machinist",
					"POSTGRES_DB":       "machinist_test",
				},
				Tmpfs:      map[string]string{"/var/lib/postgresql/data": "rw"},
				WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			},
			Started: true,
		})
	}()
	if err != nil {
		t.Skipf("docker not available, skipping postgres test: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	url := fmt.Sprintf("postgres://machinist:machinist@%s:%s/machinist_test?sslmode=disable", host, port.Port())
	db, err := Open(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, EnsureSchema(ctx, db))
	// Schema application is idempotent.
	require.NoError(t, EnsureSchema(ctx, db))
	return db
}

func TestPostgresRoundTrip(t *testing.T) {
	db := startPostgres(t)
	ctx := context.Background()

	sensors := NewSensors(db)
	readings := NewReadings(db)
	alerts := NewAlerts(db)
	retrain := NewRetrainLog(db)

	// Registration is idempotent and races resolve to the stored row.
	first, err := sensors.EnsureActive(ctx, "pump-1", storage.SensorVibration)
	require.NoError(t, err)
	again, err := sensors.EnsureActive(ctx, "pump-1", storage.SensorTemperature)
	require.NoError(t, err)
	require.Equal(t, first.Type, again.Type)

	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, readings.Insert(ctx, storage.SensorReading{
			SensorID:   "pump-1",
			SensorType: storage.SensorVibration,
			Value:      40 + float64(i),
			Unit:       "mm/s",
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
			Metadata:   map[string]string{"source": "gateway"},
		}))
	}

	// Replaying the natural key is a recognized duplicate.
	err = readings.Insert(ctx, storage.SensorReading{
		SensorID:   "pump-1",
		SensorType: storage.SensorVibration,
		Value:      99,
		Timestamp:  base,
	})
	require.ErrorIs(t, err, storage.ErrDuplicateKey)
	require.True(t, fault.IsDuplicate(err))

	// Unregistered sensors fail the reference check.
	err = readings.Insert(ctx, storage.SensorReading{
		SensorID:   "ghost-9",
		SensorType: storage.SensorVibration,
		Value:      1,
		Timestamp:  base,
	})
	require.True(t, fault.IsPermanent(err))

	got, err := readings.Range(ctx, "pump-1", base, base.Add(10*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i := 1; i < len(got); i++ {
		require.True(t, got[i-1].Timestamp.Before(got[i].Timestamp))
	}
	require.Equal(t, map[string]string{"source": "gateway"}, got[0].Metadata)

	limited, err := readings.Range(ctx, "pump-1", base, base.Add(10*time.Minute), 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)

	alert := storage.AnomalyAlert{
		ID:          "evt-1",
		SensorID:    "pump-1",
		Kind:        "anomaly_detection",
		Severity:    4,
		Confidence:  0.95,
		Description: "anomaly on pump-1",
		Evidence:    map[string]string{"score": "0.95"},
		Status:      storage.AlertOpen,
		CreatedAt:   base,
		UpdatedAt:   base,
	}
	require.NoError(t, alerts.Insert(ctx, alert))
	require.NoError(t, alerts.Insert(ctx, alert))
	listed, err := alerts.ListRecent(ctx, "pump-1", base.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, listed, 1)

	require.NoError(t, alerts.SetStatus(ctx, "evt-1", storage.AlertAcknowledged))
	listed, err = alerts.ListRecent(ctx, "pump-1", base.Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, storage.AlertAcknowledged, listed[0].Status)

	skip := storage.RetrainRecord{
		ID: "rec-skip", ModelName: "anomaly-vibration", TriggeredBy: "evt-2",
		StartedAt: base, Outcome: storage.RetrainSkip, Reason: "cooldown",
	}
	ended := base.Add(time.Minute)
	done := storage.RetrainRecord{
		ID: "rec-done", ModelName: "anomaly-vibration", TriggeredBy: "evt-3",
		StartedAt: base.Add(-time.Hour), EndedAt: &ended, Outcome: storage.RetrainFailure,
		Reason: "trainer: only 3 readings",
	}
	require.NoError(t, retrain.Append(ctx, skip))
	require.NoError(t, retrain.Append(ctx, done))

	last, err := retrain.LastCompleted(ctx, "anomaly-vibration")
	require.NoError(t, err)
	require.NotNil(t, last)
	require.Equal(t, "rec-done", last.ID)

	all, err := retrain.List(ctx, "anomaly-vibration", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "rec-skip", all[0].ID)
}
