package bus

import (
	"time"

	"github.com/machinist-ai/machinist/runtime/telemetry"
)

const (
	defaultQueueCapacity  = 10000
	defaultPublishTimeout = 2 * time.Second
	defaultDrainGrace     = 10 * time.Second

	defaultMaxAttempts = 3
	defaultBackoffMin  = 2 * time.Second
	defaultBackoffMax  = 6 * time.Second
)

type options struct {
	queueCapacity  int
	publishTimeout time.Duration
	drainGrace     time.Duration
	maxAttempts    int
	backoffMin     time.Duration
	backoffMax     time.Duration
	dlq            DLQ
	logger         telemetry.Logger
	metrics        telemetry.Metrics
}

// Option configures the bus.
type Option func(*options)

func defaultOptions() options {
	return options{
		queueCapacity:  defaultQueueCapacity,
		publishTimeout: defaultPublishTimeout,
		drainGrace:     defaultDrainGrace,
		maxAttempts:    defaultMaxAttempts,
		backoffMin:     defaultBackoffMin,
		backoffMax:     defaultBackoffMax,
		dlq:            NewMemoryDLQ(0),
		logger:         telemetry.NewNoopLogger(),
		metrics:        telemetry.NewNoopMetrics(),
	}
}

// WithQueueCapacity bounds the publish queue. Values below 1 keep the
// default.
func WithQueueCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueCapacity = n
		}
	}
}

// WithPublishTimeout bounds how long Publish blocks on a full queue.
func WithPublishTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.publishTimeout = d
		}
	}
}

// WithDrainGrace bounds how long Close waits for in-flight deliveries.
func WithDrainGrace(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.drainGrace = d
		}
	}
}

// WithRetryDefaults sets the retry policy subscriptions inherit unless they
// override it with WithMaxAttempts or WithBackoff.
func WithRetryDefaults(attempts int, backoffMin, backoffMax time.Duration) Option {
	return func(o *options) {
		if attempts > 0 {
			o.maxAttempts = attempts
		}
		if backoffMin > 0 {
			o.backoffMin = backoffMin
		}
		if backoffMax >= o.backoffMin {
			o.backoffMax = backoffMax
		}
	}
}

// WithDLQStore replaces the in-memory dead-letter store, typically with the
// Mongo archive. Nil disables dead-lettering bus-wide.
func WithDLQStore(d DLQ) Option {
	return func(o *options) { o.dlq = d }
}

// WithLogger sets the bus logger.
func WithLogger(l telemetry.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the bus metrics sink.
func WithMetrics(m telemetry.Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

type subOptions struct {
	name        string
	maxAttempts int
	backoffMin  time.Duration
	backoffMax  time.Duration
	parallelism int
	dlq         bool
}

// SubscribeOption configures one subscription.
type SubscribeOption func(*subOptions)

// subDefaults is the starting point for new subscriptions: the bus retry
// policy plus serial delivery and dead-lettering on.
func (o options) subDefaults() subOptions {
	return subOptions{
		maxAttempts: o.maxAttempts,
		backoffMin:  o.backoffMin,
		backoffMax:  o.backoffMax,
		parallelism: 1,
		dlq:         true,
	}
}

// WithSubscriberName names the subscription in logs, metrics and the DLQ.
func WithSubscriberName(name string) SubscribeOption {
	return func(o *subOptions) {
		if name != "" {
			o.name = name
		}
	}
}

// WithMaxAttempts sets the delivery attempts before dead-lettering.
func WithMaxAttempts(n int) SubscribeOption {
	return func(o *subOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithBackoff sets the exponential retry backoff bounds.
func WithBackoff(min, max time.Duration) SubscribeOption {
	return func(o *subOptions) {
		if min > 0 {
			o.backoffMin = min
		}
		if max >= o.backoffMin {
			o.backoffMax = max
		}
	}
}

// WithParallelism sets the worker count. Parallelism above 1 forfeits the
// per-subscriber ordering guarantee.
func WithParallelism(n int) SubscribeOption {
	return func(o *subOptions) {
		if n > 0 {
			o.parallelism = n
		}
	}
}

// WithDLQ enables or disables dead-lettering for this subscription.
func WithDLQ(enabled bool) SubscribeOption {
	return func(o *subOptions) { o.dlq = enabled }
}
