package agents

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/machinist-ai/machinist/ml/model"
	"github.com/machinist-ai/machinist/runtime/events"
	"github.com/machinist-ai/machinist/storage"
	"github.com/machinist-ai/machinist/storage/inmem"
)

type trainerFunc func(ctx context.Context, req model.TrainingRequest) (model.TrainingResult, error)

func (f trainerFunc) Train(ctx context.Context, req model.TrainingRequest) (model.TrainingResult, error) {
	return f(ctx, req)
}

func driftTrigger(modelName, sensorID string) *events.DriftDetected {
	return events.NewDriftDetected("corr-1", "test", events.DriftDetected{
		SensorID:      sensorID,
		ModelName:     modelName,
		Statistic:     0.42,
		PValue:        0.001,
		Threshold:     0.05,
		ReferenceSize: 120,
		CurrentSize:   115,
	})
}

func trainingResult(t *testing.T, holdout float64) model.TrainingResult {
	t.Helper()
	artifact, err := model.EncodeScorerArtifact(&model.ZScoreScorer{
		Means:   []float64{50},
		Stddevs: []float64{2},
	})
	require.NoError(t, err)
	return model.TrainingResult{
		Artifact:     artifact,
		FeatureNames: []string{"value"},
		Metrics:      map[string]float64{model.MetricHoldout: holdout},
	}
}

func lastRecord(t *testing.T, records *inmem.RetrainLog, modelName string) storage.RetrainRecord {
	t.Helper()
	rows, err := records.List(context.Background(), modelName, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	return rows[0]
}

func TestRetrainRegistersAndStagesImprovedCandidate(t *testing.T) {
	reg := model.NewMemoryRegistry()
	records := inmem.NewRetrainLog()
	pub := &capturePublisher{}
	trainer := trainerFunc(func(_ context.Context, req model.TrainingRequest) (model.TrainingResult, error) {
		require.Equal(t, "anomaly-vibration", req.ModelName)
		require.Equal(t, "pump-1", req.SensorID)
		return trainingResult(t, 0.9), nil
	})
	a := NewRetrainAgent(reg, trainer, records, nil, pub)

	require.NoError(t, a.handle(context.Background(), driftTrigger("anomaly-vibration", "pump-1")))
	pub.one(t, events.TypeRetrainScheduled)

	require.Eventually(t, func() bool {
		return len(pub.ofType(events.TypeRetrainCompleted)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	completed := pub.one(t, events.TypeRetrainCompleted).(*events.RetrainCompleted)
	require.Equal(t, string(storage.RetrainSuccess), completed.Outcome)
	require.Equal(t, 1, completed.NewVersion)
	require.InDelta(t, 0.9, completed.Improvement, 1e-9)

	versions, err := reg.ListVersions(context.Background(), "anomaly-vibration")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	require.Equal(t, model.StageStaging, versions[0].Stage)

	rec := lastRecord(t, records, "anomaly-vibration")
	require.Equal(t, storage.RetrainSuccess, rec.Outcome)
	require.NotNil(t, rec.NewVersion)
	require.Equal(t, 1, *rec.NewVersion)
	require.NotNil(t, rec.EndedAt)
}

func TestRetrainRejectsNonImprovingCandidate(t *testing.T) {
	reg := model.NewMemoryRegistry()
	seedScorer(t, reg, "anomaly-vibration", 50, 2, 0.95)
	records := inmem.NewRetrainLog()
	pub := &capturePublisher{}
	trainer := trainerFunc(func(context.Context, model.TrainingRequest) (model.TrainingResult, error) {
		return trainingResult(t, 0.90), nil
	})
	a := NewRetrainAgent(reg, trainer, records, nil, pub)

	require.NoError(t, a.handle(context.Background(), driftTrigger("anomaly-vibration", "pump-1")))

	require.Eventually(t, func() bool {
		return len(pub.ofType(events.TypeRetrainCompleted)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	completed := pub.one(t, events.TypeRetrainCompleted).(*events.RetrainCompleted)
	require.Equal(t, string(storage.RetrainNoImprovement), completed.Outcome)
	require.InDelta(t, -0.05, completed.Improvement, 1e-9)
	require.Zero(t, completed.NewVersion)

	versions, err := reg.ListVersions(context.Background(), "anomaly-vibration")
	require.NoError(t, err)
	require.Len(t, versions, 1, "rejected candidates are never registered")
}

func TestRetrainSkipsWhenDisabled(t *testing.T) {
	var trained atomic.Bool
	trainer := trainerFunc(func(context.Context, model.TrainingRequest) (model.TrainingResult, error) {
		trained.Store(true)
		return model.TrainingResult{}, nil
	})
	records := inmem.NewRetrainLog()
	pub := &capturePublisher{}
	a := NewRetrainAgent(model.NewMemoryRegistry(), trainer, records, nil, pub,
		WithRetrainEnabled(false))

	require.NoError(t, a.handle(context.Background(), driftTrigger("anomaly-vibration", "pump-1")))

	skipped := pub.one(t, events.TypeRetrainSkipped).(*events.RetrainSkipped)
	require.Equal(t, SkipDisabled, skipped.Reason)
	require.Nil(t, skipped.NextEligibleAt)
	require.False(t, trained.Load())

	rec := lastRecord(t, records, "anomaly-vibration")
	require.Equal(t, storage.RetrainSkip, rec.Outcome)
	require.Equal(t, SkipDisabled, rec.Reason)
	require.Nil(t, rec.EndedAt)
}

func TestRetrainSkipsWhileModelInProgress(t *testing.T) {
	lock := NewMemoryRetrainLock()
	held, err := lock.TryAcquire(context.Background(), "anomaly-vibration")
	require.NoError(t, err)
	require.True(t, held)

	records := inmem.NewRetrainLog()
	pub := &capturePublisher{}
	a := NewRetrainAgent(model.NewMemoryRegistry(), nil, records, lock, pub)

	require.NoError(t, a.handle(context.Background(), driftTrigger("anomaly-vibration", "pump-1")))

	skipped := pub.one(t, events.TypeRetrainSkipped).(*events.RetrainSkipped)
	require.Equal(t, SkipInProgress, skipped.Reason)

	// The foreign holder keeps the lock.
	held, err = lock.TryAcquire(context.Background(), "anomaly-vibration")
	require.NoError(t, err)
	require.False(t, held)
}

func TestRetrainSkipsDuringCooldown(t *testing.T) {
	start := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	clock := newTestClock(start)
	records := inmem.NewRetrainLog()
	ended := start.Add(-time.Hour)
	require.NoError(t, records.Append(context.Background(), storage.RetrainRecord{
		ID:        "prior",
		ModelName: "anomaly-vibration",
		StartedAt: ended.Add(-time.Minute),
		EndedAt:   &ended,
		Outcome:   storage.RetrainFailure,
	}))

	lock := NewMemoryRetrainLock()
	pub := &capturePublisher{}
	var trained atomic.Bool
	trainer := trainerFunc(func(context.Context, model.TrainingRequest) (model.TrainingResult, error) {
		trained.Store(true)
		return trainingResult(t, 0.9), nil
	})
	a := NewRetrainAgent(model.NewMemoryRegistry(), trainer, records, lock, pub, WithClock(clock.now))

	require.NoError(t, a.handle(context.Background(), driftTrigger("anomaly-vibration", "pump-1")))

	skipped := pub.one(t, events.TypeRetrainSkipped).(*events.RetrainSkipped)
	require.Equal(t, SkipCooldown, skipped.Reason)
	require.NotNil(t, skipped.NextEligibleAt)
	require.Equal(t, ended.Add(24*time.Hour), *skipped.NextEligibleAt)
	require.False(t, trained.Load())

	// The gate released the in-progress lock on its way out.
	held, err := lock.TryAcquire(context.Background(), "anomaly-vibration")
	require.NoError(t, err)
	require.True(t, held)
	require.NoError(t, lock.Release(context.Background(), "anomaly-vibration"))

	// Past the cooldown the same trigger trains.
	clock.advance(24 * time.Hour)
	require.NoError(t, a.handle(context.Background(), driftTrigger("anomaly-vibration", "pump-1")))
	require.Eventually(t, func() bool { return trained.Load() }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx))
}

func TestRetrainSkipsAtCapacity(t *testing.T) {
	release := make(chan struct{})
	trainer := trainerFunc(func(context.Context, model.TrainingRequest) (model.TrainingResult, error) {
		<-release
		return trainingResult(t, 0.9), nil
	})
	records := inmem.NewRetrainLog()
	pub := &capturePublisher{}
	a := NewRetrainAgent(model.NewMemoryRegistry(), trainer, records, nil, pub,
		WithMaxConcurrentRetrains(1))

	require.NoError(t, a.handle(context.Background(), driftTrigger("anomaly-vibration", "pump-1")))
	require.NoError(t, a.handle(context.Background(), driftTrigger("anomaly-temperature", "oven-2")))

	skipped := pub.one(t, events.TypeRetrainSkipped).(*events.RetrainSkipped)
	require.Equal(t, SkipCapacity, skipped.Reason)
	require.Equal(t, "anomaly-temperature", skipped.ModelName)

	close(release)
	require.Eventually(t, func() bool {
		last, err := records.LastCompleted(context.Background(), "anomaly-vibration")
		return err == nil && last != nil && last.Outcome == storage.RetrainSuccess
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx))
}

func TestRetrainTimesOut(t *testing.T) {
	trainer := trainerFunc(func(ctx context.Context, _ model.TrainingRequest) (model.TrainingResult, error) {
		<-ctx.Done()
		return model.TrainingResult{}, ctx.Err()
	})
	records := inmem.NewRetrainLog()
	pub := &capturePublisher{}
	a := NewRetrainAgent(model.NewMemoryRegistry(), trainer, records, nil, pub,
		WithTrainTimeout(10*time.Millisecond))

	require.NoError(t, a.handle(context.Background(), driftTrigger("anomaly-vibration", "pump-1")))

	require.Eventually(t, func() bool {
		return len(pub.ofType(events.TypeRetrainCompleted)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	completed := pub.one(t, events.TypeRetrainCompleted).(*events.RetrainCompleted)
	require.Equal(t, string(storage.RetrainTimeout), completed.Outcome)
	require.NotEmpty(t, completed.Error)

	rec := lastRecord(t, records, "anomaly-vibration")
	require.Equal(t, storage.RetrainTimeout, rec.Outcome)
}

func TestRetrainRecordsTrainerFailure(t *testing.T) {
	trainer := trainerFunc(func(context.Context, model.TrainingRequest) (model.TrainingResult, error) {
		return model.TrainingResult{}, errors.New("only 3 readings in window")
	})
	records := inmem.NewRetrainLog()
	pub := &capturePublisher{}
	a := NewRetrainAgent(model.NewMemoryRegistry(), trainer, records, nil, pub)

	require.NoError(t, a.handle(context.Background(), driftTrigger("anomaly-vibration", "pump-1")))

	require.Eventually(t, func() bool {
		return len(pub.ofType(events.TypeRetrainCompleted)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	completed := pub.one(t, events.TypeRetrainCompleted).(*events.RetrainCompleted)
	require.Equal(t, string(storage.RetrainFailure), completed.Outcome)
	require.Contains(t, completed.Error, "only 3 readings")

	rec := lastRecord(t, records, "anomaly-vibration")
	require.Equal(t, storage.RetrainFailure, rec.Outcome)
	require.Contains(t, rec.Reason, "only 3 readings")

	// Stop drains the attempt so its lock is released before the retrigger.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx))

	// A completed failure still arms the cooldown for the next trigger.
	require.NoError(t, a.handle(context.Background(), driftTrigger("anomaly-vibration", "pump-1")))
	skipped := pub.one(t, events.TypeRetrainSkipped).(*events.RetrainSkipped)
	require.Equal(t, SkipCooldown, skipped.Reason)
}
