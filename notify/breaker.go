package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/machinist-ai/machinist/runtime/fault"
	"github.com/machinist-ai/machinist/runtime/telemetry"
)

// Breaker wraps a Notifier with a circuit breaker so a dead endpoint sheds
// deliveries quickly instead of holding bus workers on timeouts. Rejections
// while the circuit is open are transient: the alert row is already
// persisted and the bus retry path picks the delivery back up.
type Breaker struct {
	next Notifier
	cb   *gobreaker.CircuitBreaker
}

// BreakerSettings tunes the circuit.
type BreakerSettings struct {
	// FailureThreshold is the consecutive failure count that opens the
	// circuit. Defaults to 5.
	FailureThreshold uint32
	// OpenFor is how long the circuit stays open before probing with a
	// single request. Defaults to 30s.
	OpenFor time.Duration
	// Logger receives state transition warnings.
	Logger telemetry.Logger
}

// NewBreaker wraps next with a circuit breaker.
func NewBreaker(next Notifier, s BreakerSettings) *Breaker {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.OpenFor == 0 {
		s.OpenFor = 30 * time.Second
	}
	logger := s.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    next.Channel() + "-notifier",
		Timeout: s.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn(context.Background(), "notifier circuit state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Breaker{next: next, cb: cb}
}

// Channel returns the wrapped notifier's channel.
func (b *Breaker) Channel() string { return b.next.Channel() }

// Send delivers through the circuit. An open circuit rejects immediately.
func (b *Breaker) Send(ctx context.Context, msg Notification) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.next.Send(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fault.Transient(fmt.Errorf("notify: %s circuit open: %w", b.next.Channel(), err))
	}
	return err
}
