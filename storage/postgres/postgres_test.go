package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/machinist-ai/machinist/runtime/fault"
	"github.com/machinist-ai/machinist/storage"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return db, mock
}

func TestReadingsInsert(t *testing.T) {
	db, mock := newMock(t)
	ts := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	quality := 0.87

	mock.ExpectExec("INSERT INTO sensor_readings").
		WithArgs(ts, "pump-1", "vibration", 42.5, "mm/s", quality, []byte(`{"source":"gateway"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewReadings(db)
	err := repo.Insert(context.Background(), storage.SensorReading{
		SensorID:   "pump-1",
		SensorType: storage.SensorVibration,
		Value:      42.5,
		Unit:       "mm/s",
		Timestamp:  ts,
		Quality:    &quality,
		Metadata:   map[string]string{"source": "gateway"},
	})
	require.NoError(t, err)
}

func TestReadingsInsertDuplicateKey(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec("INSERT INTO sensor_readings").
		WillReturnError(&pgconn.PgError{Code: "23505"})

	repo := NewReadings(db)
	err := repo.Insert(context.Background(), storage.SensorReading{
		SensorID:   "pump-1",
		SensorType: storage.SensorVibration,
		Value:      1,
		Timestamp:  time.Now().UTC(),
	})
	require.ErrorIs(t, err, storage.ErrDuplicateKey)
	require.True(t, fault.IsDuplicate(err))
	require.False(t, fault.Retryable(err))
}

func TestReadingsInsertUnknownSensorIsPermanent(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec("INSERT INTO sensor_readings").
		WillReturnError(&pgconn.PgError{Code: "23503"})

	repo := NewReadings(db)
	err := repo.Insert(context.Background(), storage.SensorReading{
		SensorID:   "ghost-9",
		SensorType: storage.SensorVibration,
		Value:      1,
		Timestamp:  time.Now().UTC(),
	})
	require.True(t, fault.IsPermanent(err))
}

func TestReadingsInsertConnectionLossIsTransient(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec("INSERT INTO sensor_readings").
		WillReturnError(&pgconn.PgError{Code: "08006"})

	repo := NewReadings(db)
	err := repo.Insert(context.Background(), storage.SensorReading{
		SensorID:   "pump-1",
		SensorType: storage.SensorVibration,
		Value:      1,
		Timestamp:  time.Now().UTC(),
	})
	require.True(t, fault.IsTransient(err))
	require.True(t, fault.Retryable(err))
}

func TestReadingsRange(t *testing.T) {
	db, mock := newMock(t)
	from := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	to := from.Add(time.Hour)

	rows := sqlmock.NewRows([]string{"timestamp", "sensor_id", "sensor_type", "value", "unit", "quality", "metadata"}).
		AddRow(from.Add(time.Minute), "pump-1", "vibration", 41.0, "mm/s", nil, nil).
		AddRow(from.Add(2*time.Minute), "pump-1", "vibration", 42.0, "mm/s", 0.9, []byte(`{"firmware":"2.1.0"}`))
	mock.ExpectQuery("SELECT (.+) FROM sensor_readings").
		WithArgs("pump-1", from, to, 50).
		WillReturnRows(rows)

	repo := NewReadings(db)
	got, err := repo.Range(context.Background(), "pump-1", from, to, 50)
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.Equal(t, storage.SensorVibration, got[0].SensorType)
	require.Nil(t, got[0].Quality)
	require.Nil(t, got[0].Metadata)

	require.NotNil(t, got[1].Quality)
	require.Equal(t, 0.9, *got[1].Quality)
	require.Equal(t, map[string]string{"firmware": "2.1.0"}, got[1].Metadata)
	require.Equal(t, time.UTC, got[1].Timestamp.Location())
}

func TestReadingsRecentUsesTrailingWindow(t *testing.T) {
	db, mock := newMock(t)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT (.+) FROM sensor_readings").
		WithArgs("pump-1", now.Add(-time.Hour), now).
		WillReturnRows(sqlmock.NewRows([]string{"timestamp", "sensor_id", "sensor_type", "value", "unit", "quality", "metadata"}))

	repo := NewReadings(db)
	repo.now = func() time.Time { return now }
	got, err := repo.Recent(context.Background(), "pump-1", time.Hour)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestSensorsEnsureActiveReturnsStoredRow(t *testing.T) {
	db, mock := newMock(t)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	created := now.Add(-48 * time.Hour)

	// The row already existed with a different type and status; the upsert
	// must hand back what is stored, not what was attempted.
	mock.ExpectQuery("INSERT INTO sensors").
		WithArgs("pump-1", "vibration", "active", now).
		WillReturnRows(sqlmock.NewRows([]string{"sensor_id", "type", "location", "status", "created_at"}).
			AddRow("pump-1", "temperature", "line-1", "maintenance", created))

	repo := NewSensors(db)
	repo.now = func() time.Time { return now }
	got, err := repo.EnsureActive(context.Background(), "pump-1", storage.SensorVibration)
	require.NoError(t, err)
	require.Equal(t, storage.SensorTemperature, got.Type)
	require.Equal(t, storage.SensorMaintenance, got.Status)
	require.Equal(t, created, got.CreatedAt)
}

func TestSensorsGetUnknown(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery("SELECT (.+) FROM sensors").
		WithArgs("ghost-9").
		WillReturnError(sql.ErrNoRows)

	repo := NewSensors(db)
	_, err := repo.Get(context.Background(), "ghost-9")
	require.ErrorIs(t, err, storage.ErrSensorNotFound)
	require.True(t, fault.IsValidation(err))
}

func TestSensorsSetStatusUnknown(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec("UPDATE sensors SET status").
		WithArgs("ghost-9", "inactive").
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewSensors(db)
	err := repo.SetStatus(context.Background(), "ghost-9", storage.SensorInactive)
	require.ErrorIs(t, err, storage.ErrSensorNotFound)
}

func TestAlertsInsertIgnoresExistingRow(t *testing.T) {
	db, mock := newMock(t)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	// ON CONFLICT DO NOTHING affects zero rows on a replay; still success.
	mock.ExpectExec("INSERT INTO anomaly_alerts").
		WithArgs("evt-1", "pump-1", "anomaly_detection", 4, 0.95, "anomaly on pump-1",
			[]byte(`{"score":"0.95"}`), []byte(`["inspect bearing"]`), "open", now, now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewAlerts(db)
	err := repo.Insert(context.Background(), storage.AnomalyAlert{
		ID:                 "evt-1",
		SensorID:           "pump-1",
		Kind:               "anomaly_detection",
		Severity:           4,
		Confidence:         0.95,
		Description:        "anomaly on pump-1",
		Evidence:           map[string]string{"score": "0.95"},
		RecommendedActions: []string{"inspect bearing"},
		Status:             storage.AlertOpen,
		CreatedAt:          now,
		UpdatedAt:          now,
	})
	require.NoError(t, err)
}

func TestAlertsSetStatus(t *testing.T) {
	db, mock := newMock(t)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE anomaly_alerts SET status").
		WithArgs("evt-1", "acknowledged", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewAlerts(db)
	repo.now = func() time.Time { return now }
	require.NoError(t, repo.SetStatus(context.Background(), "evt-1", storage.AlertAcknowledged))
}

func TestAlertsListRecent(t *testing.T) {
	db, mock := newMock(t)
	since := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	created := since.Add(2 * time.Hour)

	rows := sqlmock.NewRows([]string{"id", "sensor_id", "kind", "severity", "confidence", "description",
		"evidence", "recommended_actions", "status", "created_at", "updated_at"}).
		AddRow("evt-2", "pump-1", "anomaly_detection", 5, 1.0, "critical anomaly",
			[]byte(`{"threshold":"0.9"}`), []byte(`["schedule maintenance"]`), "open", created, created)
	mock.ExpectQuery("SELECT (.+) FROM anomaly_alerts").
		WithArgs("pump-1", since).
		WillReturnRows(rows)

	repo := NewAlerts(db)
	got, err := repo.ListRecent(context.Background(), "pump-1", since)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, storage.AlertOpen, got[0].Status)
	require.Equal(t, map[string]string{"threshold": "0.9"}, got[0].Evidence)
	require.Equal(t, []string{"schedule maintenance"}, got[0].RecommendedActions)
}

func TestRetrainAppend(t *testing.T) {
	db, mock := newMock(t)
	started := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	ended := started.Add(3 * time.Minute)
	version := 2

	mock.ExpectExec("INSERT INTO retrain_records").
		WithArgs("rec-1", "anomaly-vibration", "evt-7", started, ended, "success", int64(2), "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	log := NewRetrainLog(db)
	err := log.Append(context.Background(), storage.RetrainRecord{
		ID:          "rec-1",
		ModelName:   "anomaly-vibration",
		TriggeredBy: "evt-7",
		StartedAt:   started,
		EndedAt:     &ended,
		Outcome:     storage.RetrainSuccess,
		NewVersion:  &version,
	})
	require.NoError(t, err)
}

func TestRetrainLastCompletedIgnoresSkips(t *testing.T) {
	db, mock := newMock(t)
	started := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	ended := started.Add(time.Minute)

	mock.ExpectQuery("SELECT (.+) FROM retrain_records").
		WithArgs("anomaly-vibration", "skipped").
		WillReturnRows(sqlmock.NewRows([]string{"id", "model_name", "triggered_by", "started_at", "ended_at", "outcome", "new_version", "reason"}).
			AddRow("rec-1", "anomaly-vibration", "evt-7", started, ended, "failure", nil, "trainer: only 3 readings"))

	log := NewRetrainLog(db)
	rec, err := log.LastCompleted(context.Background(), "anomaly-vibration")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, storage.RetrainFailure, rec.Outcome)
	require.NotNil(t, rec.EndedAt)
	require.Nil(t, rec.NewVersion)
}

func TestRetrainLastCompletedEmpty(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery("SELECT (.+) FROM retrain_records").
		WithArgs("anomaly-vibration", "skipped").
		WillReturnError(sql.ErrNoRows)

	log := NewRetrainLog(db)
	rec, err := log.LastCompleted(context.Background(), "anomaly-vibration")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestRetrainListHonorsLimit(t *testing.T) {
	db, mock := newMock(t)
	started := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT (.+) FROM retrain_records").
		WithArgs("anomaly-vibration", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "model_name", "triggered_by", "started_at", "ended_at", "outcome", "new_version", "reason"}).
			AddRow("rec-2", "anomaly-vibration", "evt-9", started, nil, "skipped", nil, "cooldown"))

	log := NewRetrainLog(db)
	recs, err := log.List(context.Background(), "anomaly-vibration", 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, storage.RetrainSkip, recs[0].Outcome)
	require.Nil(t, recs[0].EndedAt)
}

func TestMapErrorPassthrough(t *testing.T) {
	require.NoError(t, mapError("op", nil))

	plain := errors.New("syntax error")
	err := mapError("op", plain)
	require.ErrorIs(t, err, plain)
	require.Equal(t, fault.KindUnknown, fault.KindOf(err))
}
