// Package agent defines the contract analytical agents implement and the
// registry that owns their wiring and lifecycle. Agents never subscribe to
// the bus themselves: they declare subscriptions and the registry wires,
// starts, stops and health-checks them as a group.
package agent

import (
	"context"

	"github.com/machinist-ai/machinist/runtime/bus"
	"github.com/machinist-ai/machinist/runtime/events"
)

type (
	// Agent is a long-lived worker coordinated by the registry.
	Agent interface {
		// Name uniquely identifies the agent within a registry.
		Name() string
		// Start brings up background work (tickers, schedulers).
		// Subscription handlers are wired by the registry and may
		// begin receiving events before Start is called.
		Start(ctx context.Context) error
		// Stop halts background work. In-flight handler calls finish
		// under the bus's drain rules.
		Stop(ctx context.Context) error
		// Health reports the agent's own view of its condition.
		Health(ctx context.Context) Health
		// Subscriptions declares the event feeds the agent consumes.
		Subscriptions() []SubscriptionSpec
	}

	// SubscriptionSpec names one event feed an agent consumes. The
	// registry subscribes the handler under the agent's name unless the
	// options override it.
	SubscriptionSpec struct {
		EventType events.Type
		Handler   bus.Handler
		Options   []bus.SubscribeOption
	}

	// Status grades an agent's condition.
	Status string

	// Health is an agent's self-reported condition plus optional detail
	// ("cooldown until 14:05", "breaker open").
	Health struct {
		Status Status `json:"status"`
		Detail string `json:"detail,omitempty"`
	}
)

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Healthy is the zero-detail healthy report.
func Healthy() Health { return Health{Status: StatusHealthy} }

// Degraded reports a functioning agent with a named impairment.
func Degraded(detail string) Health { return Health{Status: StatusDegraded, Detail: detail} }

// Unhealthy reports a non-functioning agent.
func Unhealthy(detail string) Health { return Health{Status: StatusUnhealthy, Detail: detail} }
