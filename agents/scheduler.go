package agents

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/machinist-ai/machinist/ml/drift"
	"github.com/machinist-ai/machinist/runtime/agent"
	"github.com/machinist-ai/machinist/runtime/correlation"
	"github.com/machinist-ai/machinist/runtime/events"
	"github.com/machinist-ai/machinist/runtime/fault"
)

const driftSchedulerName = "drift-scheduler"

// DriftChecker runs one drift evaluation. *drift.Detector implements it.
type DriftChecker interface {
	Check(ctx context.Context, req drift.Request) (drift.Report, error)
}

// DriftScheduleAgent drives periodic drift checks over the monitored pairs.
// Runs never overlap: a tick landing while the previous run still executes
// is skipped and counted. Pairs are checked serially within a run, so the
// same pair is never checked twice concurrently. Each run gets a fresh
// correlation ID.
type DriftScheduleAgent struct {
	checker  DriftChecker
	pub      Publisher
	pairs    []MonitoredPair
	schedule cron.Schedule
	o        options

	running  atomic.Bool
	started  atomic.Bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	health   healthState
}

// NewDriftScheduleAgent builds the scheduler. The schedule usually comes
// from cron.ParseStandard over the configured expression; tests inject
// fixed-interval fakes.
func NewDriftScheduleAgent(checker DriftChecker, pub Publisher, pairs []MonitoredPair, schedule cron.Schedule, opts ...Option) *DriftScheduleAgent {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &DriftScheduleAgent{
		checker:  checker,
		pub:      pub,
		pairs:    append([]MonitoredPair(nil), pairs...),
		schedule: schedule,
		o:        o,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Name implements agent.Agent.
func (a *DriftScheduleAgent) Name() string { return driftSchedulerName }

// Start launches the timer loop. The loop runs on a background context of
// its own; the registry's start context ends with StartAll.
func (a *DriftScheduleAgent) Start(context.Context) error {
	if a.schedule == nil {
		return fault.Validation(errors.New("agents: drift scheduler needs a schedule"))
	}
	if !a.started.CompareAndSwap(false, true) {
		return nil
	}
	a.health.start()
	go a.loop()
	return nil
}

// Stop halts the timer loop and waits for an in-flight run to finish,
// within the context budget.
func (a *DriftScheduleAgent) Stop(ctx context.Context) error {
	if !a.started.Load() {
		return nil
	}
	a.stopOnce.Do(func() { close(a.stop) })
	select {
	case <-a.done:
	case <-ctx.Done():
		return ctx.Err()
	}
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
func (a *DriftScheduleAgent) Health(context.Context) agent.Health { return a.health.report() }

// Subscriptions implements agent.Agent. The scheduler consumes no events.
func (a *DriftScheduleAgent) Subscriptions() []agent.SubscriptionSpec { return nil }

func (a *DriftScheduleAgent) loop() {
	defer close(a.done)
	for {
		now := a.o.now()
		timer := time.NewTimer(a.schedule.Next(now).Sub(now))
		select {
		case <-a.stop:
			timer.Stop()
			return
		case <-timer.C:
		}
		if !a.running.CompareAndSwap(false, true) {
			a.o.metrics.IncCounter("drift_schedule_overlap_total", 1)
			continue
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer a.running.Store(false)
			a.runOnce()
		}()
	}
}

// runOnce checks every monitored pair and publishes DriftDetected for
// positive detections only.
func (a *DriftScheduleAgent) runOnce() {
	ctx, corrID := correlation.Ensure(context.Background())
	started := a.o.now()
	failed := false

	for _, p := range a.pairs {
		select {
		case <-a.stop:
			return
		default:
		}

		report, err := a.checker.Check(ctx, drift.Request{SensorID: p.SensorID, Window: a.o.driftWindow})
		if err != nil {
			failed = true
			a.health.fail(err)
			a.o.logger.Error(ctx, "drift check failed",
				"sensor_id", p.SensorID, "model", p.ModelName, "err", err)
			continue
		}
		if report.InsufficientData || !report.DriftDetected {
			continue
		}

		ev := events.NewDriftDetected(corrID, driftSchedulerName, events.DriftDetected{
			SensorID:      p.SensorID,
			ModelName:     p.ModelName,
			Statistic:     *report.KSStatistic,
			PValue:        *report.PValue,
			Threshold:     report.Threshold,
			ReferenceSize: report.ReferenceCount,
			CurrentSize:   report.CurrentCount,
		})
		if err := a.pub.Publish(ctx, ev); err != nil {
			failed = true
			a.health.fail(err)
			a.o.logger.Error(ctx, "drift event publish failed",
				"sensor_id", p.SensorID, "err", err)
		}
	}

	if !failed {
		a.health.ok()
	}
	a.o.metrics.RecordTimer("drift_schedule_run_duration", a.o.now().Sub(started))
}
