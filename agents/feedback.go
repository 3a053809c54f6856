package agents

import (
	"context"
	"fmt"

	"github.com/machinist-ai/machinist/runtime/agent"
	"github.com/machinist-ai/machinist/runtime/bus"
	"github.com/machinist-ai/machinist/runtime/events"
	"github.com/machinist-ai/machinist/runtime/fault"
	"github.com/machinist-ai/machinist/storage"
)

const feedbackName = "feedback-agent"

// FeedbackAgent archives operator verdicts on alerts. It sits off the
// golden path: recording failures never affect detection or notification.
type FeedbackAgent struct {
	store  storage.FeedbackStore
	o      options
	health healthState
}

// NewFeedbackAgent builds the agent over the feedback store.
func NewFeedbackAgent(store storage.FeedbackStore, opts ...Option) *FeedbackAgent {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &FeedbackAgent{store: store, o: o}
}

// Name implements agent.Agent.
func (a *FeedbackAgent) Name() string { return feedbackName }

// Start implements agent.Agent.
func (a *FeedbackAgent) Start(context.Context) error { a.health.start(); return nil }

// Stop implements agent.Agent.
func (a *FeedbackAgent) Stop(context.Context) error { a.health.stopped(); return nil }

// Health implements agent.Agent.
func (a *FeedbackAgent) Health(context.Context) agent.Health { return a.health.report() }

// Subscriptions implements agent.Agent.
func (a *FeedbackAgent) Subscriptions() []agent.SubscriptionSpec {
	return []agent.SubscriptionSpec{{
		EventType: events.TypeSystemFeedbackReceived,
		Handler:   bus.HandlerFunc(a.handle),
	}}
}

func (a *FeedbackAgent) handle(ctx context.Context, e events.Event) error {
	fb, ok := e.(*events.SystemFeedbackReceived)
	if !ok {
		return fault.Permanent(fmt.Errorf("agents: %s cannot handle %s", feedbackName, e.Type()))
	}

	rec := storage.FeedbackRecord{
		ID:            fb.EventID(),
		AlertID:       fb.AlertID,
		Verdict:       fb.Verdict,
		Comment:       fb.Comment,
		ReportedBy:    fb.ReportedBy,
		CorrelationID: fb.CorrelationID(),
		ReceivedAt:    a.o.now(),
	}
	if err := a.store.Append(ctx, rec); err != nil {
		a.health.fail(err)
		return err
	}
	a.health.ok()
	a.o.metrics.IncCounter("feedback_received_total", 1, "verdict", fb.Verdict)
	return nil
}
