package agents

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/machinist-ai/machinist/ml/model"
	"github.com/machinist-ai/machinist/runtime/agent"
	"github.com/machinist-ai/machinist/runtime/bus"
	"github.com/machinist-ai/machinist/runtime/correlation"
	"github.com/machinist-ai/machinist/runtime/events"
	"github.com/machinist-ai/machinist/runtime/fault"
	"github.com/machinist-ai/machinist/storage"
)

const retrainName = "retrain-agent"

// Gate names recorded on skips, ordered as evaluated.
const (
	SkipDisabled   = "disabled"
	SkipInProgress = "in_progress"
	SkipCooldown   = "cooldown"
	SkipCapacity   = "capacity"
)

// RetrainAgent turns drift detections into retraining attempts. Every
// trigger passes a gate chain before training starts: the enabled switch,
// the per-model in-progress lock, the cooldown since the last completed
// attempt, and the global concurrency cap. Rejections are audited and
// announced just like completed runs; admitted attempts train
// asynchronously so the bus worker is never held for the duration of a fit.
type RetrainAgent struct {
	models  model.RegistryClient
	trainer model.Trainer
	records storage.RetrainLog
	lock    RetrainLock
	pub     Publisher
	o       options

	mu       sync.Mutex
	inFlight int
	wg       sync.WaitGroup
	health   healthState
}

// NewRetrainAgent builds the agent. A nil lock defaults to the in-memory
// implementation, the right choice for single-process deployments.
func NewRetrainAgent(models model.RegistryClient, trainer model.Trainer, records storage.RetrainLog, lock RetrainLock, pub Publisher, opts ...Option) *RetrainAgent {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if lock == nil {
		lock = NewMemoryRetrainLock()
	}
	return &RetrainAgent{
		models:  models,
		trainer: trainer,
		records: records,
		lock:    lock,
		pub:     pub,
		o:       o,
	}
}

// Name implements agent.Agent.
func (a *RetrainAgent) Name() string { return retrainName }

// Start implements agent.Agent.
func (a *RetrainAgent) Start(context.Context) error { a.health.start(); return nil }

// Stop waits for in-flight trainings within the context budget. The bus
// stops delivering new triggers before agents stop, so no new training can
// start during the wait.
func (a *RetrainAgent) Stop(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		a.health.stopped()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health implements agent.Agent.
func (a *RetrainAgent) Health(context.Context) agent.Health { return a.health.report() }

// Subscriptions implements agent.Agent.
func (a *RetrainAgent) Subscriptions() []agent.SubscriptionSpec {
	return []agent.SubscriptionSpec{{
		EventType: events.TypeDriftDetected,
		Handler:   bus.HandlerFunc(a.handle),
	}}
}

func (a *RetrainAgent) handle(ctx context.Context, e events.Event) error {
	dd, ok := e.(*events.DriftDetected)
	if !ok {
		return fault.Permanent(fmt.Errorf("agents: %s cannot handle %s", retrainName, e.Type()))
	}

	if !a.o.retrainEnabled {
		return a.skip(ctx, dd, SkipDisabled, nil)
	}

	acquired, err := a.lock.TryAcquire(ctx, dd.ModelName)
	if err != nil {
		a.health.fail(err)
		return fmt.Errorf("acquire retrain lock for %q: %w", dd.ModelName, err)
	}
	if !acquired {
		return a.skip(ctx, dd, SkipInProgress, nil)
	}
	// The lock is released here on every outcome except admission; an
	// admitted attempt hands ownership to the training goroutine.
	admitted := false
	defer func() {
		if admitted {
			return
		}
		if rerr := a.lock.Release(ctx, dd.ModelName); rerr != nil {
			a.o.logger.Error(ctx, "retrain lock release failed", "model", dd.ModelName, "err", rerr)
		}
	}()

	last, err := a.records.LastCompleted(ctx, dd.ModelName)
	if err != nil {
		a.health.fail(err)
		return fmt.Errorf("load last retrain for %q: %w", dd.ModelName, err)
	}
	if last != nil {
		end := last.StartedAt
		if last.EndedAt != nil {
			end = *last.EndedAt
		}
		next := end.Add(a.o.cooldown)
		if a.o.now().Before(next) {
			a.health.note("cooldown until " + next.UTC().Format(time.RFC3339))
			return a.skip(ctx, dd, SkipCooldown, &next)
		}
	}

	a.mu.Lock()
	if a.inFlight >= a.o.maxConcurrent {
		a.mu.Unlock()
		return a.skip(ctx, dd, SkipCapacity, nil)
	}
	a.inFlight++
	inFlight := a.inFlight
	a.mu.Unlock()
	admitted = true
	a.health.note(fmt.Sprintf("%d retraining in flight", inFlight))

	scheduled := events.NewRetrainScheduled(dd.CorrelationID(), retrainName, dd.ModelName, dd.SensorID, dd.EventID(), "drift_detected")
	if err := a.pub.Publish(ctx, scheduled); err != nil {
		// Advisory only: the attempt is already admitted.
		a.o.logger.Error(ctx, "retrain scheduled publish failed", "model", dd.ModelName, "err", err)
	}
	a.o.metrics.IncCounter("retrain_triggered_total", 1, "model", dd.ModelName)

	a.wg.Add(1)
	go a.run(dd.CorrelationID(), dd)
	return nil
}

// skip audits and announces a gate rejection. The record must land; the
// event is advisory.
func (a *RetrainAgent) skip(ctx context.Context, dd *events.DriftDetected, reason string, nextEligible *time.Time) error {
	a.o.metrics.IncCounter("retrain_skipped_total", 1, "reason", reason)
	rec := storage.RetrainRecord{
		ID:          uuid.NewString(),
		ModelName:   dd.ModelName,
		TriggeredBy: dd.EventID(),
		StartedAt:   a.o.now(),
		Outcome:     storage.RetrainSkip,
		Reason:      reason,
	}
	if err := a.records.Append(ctx, rec); err != nil {
		a.health.fail(err)
		return fmt.Errorf("record retrain skip for %q: %w", dd.ModelName, err)
	}

	skipped := events.NewRetrainSkipped(dd.CorrelationID(), retrainName, dd.ModelName, reason, dd.EventID())
	skipped.NextEligibleAt = nextEligible
	if err := a.pub.Publish(ctx, skipped); err != nil {
		a.o.logger.Error(ctx, "retrain skipped publish failed", "model", dd.ModelName, "err", err)
	}
	a.o.logger.Info(ctx, "retrain skipped", "model", dd.ModelName, "reason", reason)
	return nil
}

// run executes one admitted attempt. It owns the per-model lock and the
// in-flight slot, runs on its own context so bus delivery deadlines do not
// cancel training, and always leaves behind exactly one audit record and
// one RetrainCompleted event.
func (a *RetrainAgent) run(corrID string, dd *events.DriftDetected) {
	defer a.wg.Done()

	ctx := correlation.WithID(context.Background(), corrID)
	defer func() {
		if err := a.lock.Release(ctx, dd.ModelName); err != nil {
			a.o.logger.Error(ctx, "retrain lock release failed", "model", dd.ModelName, "err", err)
		}
		a.mu.Lock()
		a.inFlight--
		left := a.inFlight
		a.mu.Unlock()
		if left == 0 {
			a.health.note("")
		} else {
			a.health.note(fmt.Sprintf("%d retraining in flight", left))
		}
	}()

	started := a.o.now()
	outcome, newVersion, improvement, trainErr := a.train(ctx, dd)
	ended := a.o.now()

	rec := storage.RetrainRecord{
		ID:          uuid.NewString(),
		ModelName:   dd.ModelName,
		TriggeredBy: dd.EventID(),
		StartedAt:   started,
		EndedAt:     &ended,
		Outcome:     outcome,
		NewVersion:  newVersion,
	}
	if trainErr != nil {
		rec.Reason = trainErr.Error()
	}
	if err := a.records.Append(ctx, rec); err != nil {
		a.health.fail(err)
		a.o.logger.Error(ctx, "retrain record append failed", "model", dd.ModelName, "err", err)
	}

	completed := events.NewRetrainCompleted(corrID, retrainName, events.RetrainCompleted{
		ModelName:   dd.ModelName,
		Outcome:     string(outcome),
		NewVersion:  versionOrZero(newVersion),
		Improvement: improvement,
		Duration:    ended.Sub(started),
		Error:       rec.Reason,
	})
	if err := a.pub.Publish(ctx, completed); err != nil {
		a.o.logger.Error(ctx, "retrain completed publish failed", "model", dd.ModelName, "err", err)
	}

	a.o.metrics.IncCounter("retrain_completed_total", 1, "outcome", string(outcome))
	a.o.metrics.RecordTimer("retrain_duration", ended.Sub(started))

	switch outcome {
	case storage.RetrainSuccess:
		a.health.ok()
		a.o.logger.Info(ctx, "retrain succeeded",
			"model", dd.ModelName, "version", versionOrZero(newVersion), "improvement", improvement)
	case storage.RetrainNoImprovement:
		a.health.ok()
		a.o.logger.Info(ctx, "retrain rejected, no improvement",
			"model", dd.ModelName, "improvement", improvement)
	default:
		a.health.fail(trainErr)
		a.o.logger.Error(ctx, "retrain failed",
			"model", dd.ModelName, "outcome", string(outcome), "err", trainErr)
	}
}

// train fits a candidate and decides its fate against the incumbent. The
// candidate is registered and staged only when its holdout score beats the
// incumbent's by strictly more than the improvement threshold.
func (a *RetrainAgent) train(ctx context.Context, dd *events.DriftDetected) (storage.RetrainOutcome, *int, float64, error) {
	trainCtx, cancel := context.WithTimeout(ctx, a.o.trainTimeout)
	defer cancel()

	result, err := a.trainer.Train(trainCtx, model.TrainingRequest{
		ModelName: dd.ModelName,
		SensorID:  dd.SensorID,
		Window:    a.o.trainingWindow,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(trainCtx.Err(), context.DeadlineExceeded) {
			return storage.RetrainTimeout, nil, 0, fmt.Errorf("training exceeded %s: %w", a.o.trainTimeout, err)
		}
		return storage.RetrainFailure, nil, 0, err
	}

	incumbentScore := 0.0
	incumbent, err := a.models.GetActive(ctx, dd.ModelName)
	switch {
	case errors.Is(err, model.ErrNotFound):
		// First model for this name: the candidate competes against zero.
	case err != nil:
		return storage.RetrainFailure, nil, 0, fmt.Errorf("resolve incumbent for %q: %w", dd.ModelName, err)
	default:
		incumbentScore = incumbent.Metrics[model.MetricHoldout]
	}

	improvement := result.Metrics[model.MetricHoldout] - incumbentScore
	if improvement <= a.o.improvementThreshold {
		return storage.RetrainNoImprovement, nil, improvement, nil
	}

	version, err := a.models.Register(ctx, dd.ModelName, result.Artifact, result.FeatureNames, result.Metrics)
	if err != nil {
		return storage.RetrainFailure, nil, improvement, fmt.Errorf("register candidate for %q: %w", dd.ModelName, err)
	}
	if err := a.models.Transition(ctx, dd.ModelName, version.Version, model.StageStaging); err != nil {
		return storage.RetrainFailure, nil, improvement, fmt.Errorf("stage %s v%d: %w", dd.ModelName, version.Version, err)
	}
	return storage.RetrainSuccess, &version.Version, improvement, nil
}

func versionOrZero(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
