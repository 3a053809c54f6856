// Package bus implements the single-process event bus the agents communicate
// over. Publication is asynchronous through a bounded queue; each
// subscription runs its own workers with per-delivery retry and a dead-letter
// queue for events that exhaust their attempts. Delivery is at-least-once:
// subscribers are expected to be idempotent.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/machinist-ai/machinist/runtime/correlation"
	"github.com/machinist-ai/machinist/runtime/events"
	"github.com/machinist-ai/machinist/runtime/fault"
)

// Handler consumes events delivered by the bus. A non-nil error reschedules
// the delivery until the subscription's attempts are exhausted.
type Handler interface {
	HandleEvent(ctx context.Context, e events.Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, e events.Event) error

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(ctx context.Context, e events.Event) error { return f(ctx, e) }

var (
	// ErrQueueFull reports a publish that could not enqueue within the
	// publish timeout. The queue bound is the backpressure mechanism:
	// callers decide whether to shed or surface the overload.
	ErrQueueFull = fault.Capacity(errors.New("bus: publish queue full"))

	// ErrClosed reports an operation on a closed bus.
	ErrClosed = fault.Permanent(errors.New("bus: closed"))
)

// subscriptionBuffer is the per-subscription hand-off buffer. It is kept
// small on purpose: the publish queue is the real bound, and a slow
// subscriber must push back on publishers rather than grow private backlog.
const subscriptionBuffer = 1

// Bus is the in-process event bus. The zero value is not usable; construct
// with New.
type Bus struct {
	o options

	queue chan events.Event
	quit  chan struct{}
	done  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	seq    int
	closed bool

	closeOnce sync.Once
}

// New builds a bus and starts its dispatcher.
func New(opts ...Option) *Bus {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		o:      o,
		queue:  make(chan events.Event, o.queueCapacity),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[*Subscription]struct{}),
	}
	go b.dispatch()
	return b
}

// Publish enqueues the event for delivery to every subscription of its
// type. It blocks until the event is enqueued, the context is done, or the
// publish timeout elapses, in which case it returns ErrQueueFull.
func (b *Bus) Publish(ctx context.Context, e events.Event) error {
	if e == nil {
		return fault.Validation(errors.New("bus: nil event"))
	}
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	timer := time.NewTimer(b.o.publishTimeout)
	defer timer.Stop()
	select {
	case b.queue <- e:
		b.o.metrics.IncCounter("bus_events_published_total", 1, "event_type", string(e.Type()))
		b.o.metrics.RecordGauge("bus_queue_depth", float64(len(b.queue)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		b.o.metrics.IncCounter("bus_publish_queue_full_total", 1, "event_type", string(e.Type()))
		return fmt.Errorf("%w: %s not enqueued within %s", ErrQueueFull, e.Type(), b.o.publishTimeout)
	}
}

// Subscribe registers a handler for one event type and starts its workers.
func (b *Bus) Subscribe(typ events.Type, h Handler, opts ...SubscribeOption) (*Subscription, error) {
	if h == nil {
		return nil, fault.Validation(errors.New("bus: nil handler"))
	}
	so := b.o.subDefaults()
	for _, opt := range opts {
		opt(&so)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.seq++
	if so.name == "" {
		so.name = fmt.Sprintf("%s-subscriber-%d", typ, b.seq)
	}
	s := &Subscription{
		bus:       b,
		eventType: typ,
		handler:   h,
		o:         so,
		ch:        make(chan events.Event, subscriptionBuffer),
		stop:      make(chan struct{}),
	}
	for i := 0; i < so.parallelism; i++ {
		s.wg.Add(1)
		go s.work()
	}
	b.subs[s] = struct{}{}
	return s, nil
}

// Depth reports the number of events waiting in the publish queue.
func (b *Bus) Depth() int { return len(b.queue) }

// Name identifies the bus in readiness reports.
func (b *Bus) Name() string { return "bus" }

// Ping reports whether the bus still accepts publishes.
func (b *Bus) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close drains the bus: queued events are dispatched and in-flight handlers
// are given the drain grace period to finish, after which their contexts are
// cancelled and remaining deliveries fail over to the dead-letter path.
func (b *Bus) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		subs := make([]*Subscription, 0, len(b.subs))
		for s := range b.subs {
			subs = append(subs, s)
		}
		b.mu.Unlock()

		close(b.quit)

		drained := make(chan struct{})
		go func() {
			<-b.done
			for _, s := range subs {
				close(s.ch)
			}
			for _, s := range subs {
				s.wg.Wait()
			}
			close(drained)
		}()

		grace := time.NewTimer(b.o.drainGrace)
		defer grace.Stop()
		select {
		case <-drained:
		case <-grace.C:
			b.cancel()
			<-drained
		case <-ctx.Done():
			b.cancel()
			<-drained
		}
		b.cancel()
	})
	return nil
}

// dispatch is the single fan-out loop. Events reach each subscription in
// publication order; the loop keeps running through Close until the queue
// is empty so accepted events are not dropped.
func (b *Bus) dispatch() {
	defer close(b.done)
	for {
		select {
		case e := <-b.queue:
			b.fanOut(e)
		case <-b.quit:
			for {
				select {
				case e := <-b.queue:
					b.fanOut(e)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) fanOut(e events.Event) {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		if s.eventType == e.Type() {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- e:
		case <-s.stop:
		}
	}
}

// Subscription is one handler's registration on the bus.
type Subscription struct {
	bus       *Bus
	eventType events.Type
	handler   Handler
	o         subOptions

	ch   chan events.Event
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// Name returns the subscriber name used in logs, metrics and the DLQ.
func (s *Subscription) Name() string { return s.o.name }

// Unsubscribe removes the subscription. New dispatches stop immediately;
// the delivery in flight finishes.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.stop)
	})
}

func (s *Subscription) work() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case e, ok := <-s.ch:
			if !ok {
				return
			}
			s.deliver(e)
		}
	}
}

// deliver runs the retry loop for one event. Every attempt re-enters the
// correlation context and stamps the attempt count on the subscriber's copy
// of the event.
func (s *Subscription) deliver(e events.Event) {
	b := s.bus
	ctx := correlation.WithID(b.ctx, e.CorrelationID())
	tags := []string{"event_type", string(e.Type()), "subscriber", s.o.name}

	backoff := s.o.backoffMin
	for attempt := 1; ; attempt++ {
		start := time.Now()
		err := s.handler.HandleEvent(ctx, events.WithAttempt(e, attempt))
		b.o.metrics.RecordTimer("bus_delivery_duration", time.Since(start), tags...)
		if err == nil {
			b.o.metrics.IncCounter("bus_events_delivered_total", 1, tags...)
			return
		}

		b.o.logger.Error(ctx, "event delivery failed",
			"subscriber", s.o.name,
			"event_type", string(e.Type()),
			"event_id", e.EventID(),
			"attempt", attempt,
			"err", err,
		)
		// Retrying a validation, permanent or integrity failure cannot
		// change the outcome; those go straight to the dead letter queue.
		if !retryable(err) || attempt >= s.o.maxAttempts {
			s.deadLetter(ctx, e, attempt, err)
			return
		}
		b.o.metrics.IncCounter("bus_events_retried_total", 1, tags...)

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			s.deadLetter(ctx, e, attempt, err)
			return
		}
		timer.Stop()
		backoff *= 2
		if backoff > s.o.backoffMax {
			backoff = s.o.backoffMax
		}
	}
}

// retryable reports whether another attempt could succeed. Unknown errors
// count as retryable so an unclassified outage still gets its attempts.
func retryable(err error) bool {
	switch fault.KindOf(err) {
	case fault.KindValidation, fault.KindPermanent, fault.KindIntegrity:
		return false
	}
	return true
}

func (s *Subscription) deadLetter(ctx context.Context, e events.Event, attempts int, cause error) {
	b := s.bus
	b.o.metrics.IncCounter("bus_events_dead_lettered_total", 1,
		"event_type", string(e.Type()), "subscriber", s.o.name)
	if !s.o.dlq || b.o.dlq == nil {
		return
	}
	// Archive even when the delivery context was cancelled by drain.
	ctx = context.WithoutCancel(ctx)
	entry := Entry{
		Subscriber:    s.o.name,
		Event:         e,
		Error:         cause.Error(),
		Attempts:      attempts,
		CorrelationID: e.CorrelationID(),
		FailedAt:      time.Now().UTC(),
	}
	if err := b.o.dlq.Add(ctx, entry); err != nil {
		b.o.logger.Error(ctx, "dead letter append failed",
			"subscriber", s.o.name, "event_id", e.EventID(), "err", err)
	}
}
