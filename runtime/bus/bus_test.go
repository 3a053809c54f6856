package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/machinist-ai/machinist/runtime/correlation"
	"github.com/machinist-ai/machinist/runtime/events"
	"github.com/machinist-ai/machinist/runtime/fault"
	"github.com/machinist-ai/machinist/storage"
)

func testEvent(corr string, value float64) events.Event {
	return events.NewDataAcquired(corr, "test", storage.SensorReading{
		SensorID:   "pump-1",
		SensorType: storage.SensorVibration,
		Value:      value,
		Timestamp:  time.Now().UTC(),
	})
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) HandleEvent(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) values() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]float64, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.(*events.DataAcquired).Reading.Value)
	}
	return out
}

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	b := New()
	defer b.Close(context.Background())

	first, second, other := &recorder{}, &recorder{}, &recorder{}
	_, err := b.Subscribe(events.TypeDataAcquired, first)
	require.NoError(t, err)
	_, err = b.Subscribe(events.TypeDataAcquired, second)
	require.NoError(t, err)
	_, err = b.Subscribe(events.TypeDriftDetected, other)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), testEvent("corr-1", 1)))

	require.Eventually(t, func() bool {
		return first.len() == 1 && second.len() == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, other.len(), "subscribers only see their event type")
}

func TestPerSubscriberOrdering(t *testing.T) {
	b := New()
	defer b.Close(context.Background())

	rec := &recorder{}
	_, err := b.Subscribe(events.TypeDataAcquired, rec)
	require.NoError(t, err)

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(context.Background(), testEvent("corr", float64(i))))
	}

	require.Eventually(t, func() bool { return rec.len() == n }, 2*time.Second, 5*time.Millisecond)
	got := rec.values()
	for i := 0; i < n; i++ {
		require.Equal(t, float64(i), got[i], "delivery must preserve publication order")
	}
}

func TestRetryStampsAttempts(t *testing.T) {
	b := New()
	defer b.Close(context.Background())

	var mu sync.Mutex
	var attempts []int
	handler := HandlerFunc(func(_ context.Context, e events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, e.Attempt())
		if len(attempts) < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	_, err := b.Subscribe(events.TypeDataAcquired, handler,
		WithBackoff(time.Millisecond, 2*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), testEvent("corr", 1)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) == 3
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 2, 3}, attempts)
}

func TestRetryDefaultsFromBusOptions(t *testing.T) {
	dlq := NewMemoryDLQ(16)
	b := New(
		WithDLQStore(dlq),
		WithRetryDefaults(2, time.Millisecond, 2*time.Millisecond),
	)
	defer b.Close(context.Background())

	var mu sync.Mutex
	calls := 0
	handler := HandlerFunc(func(context.Context, events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errors.New("boom")
	})
	// No per-subscription options: the bus retry defaults apply.
	_, err := b.Subscribe(events.TypeDataAcquired, handler, WithSubscriberName("acquisition-agent"))
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), testEvent("corr", 1)))

	require.Eventually(t, func() bool {
		entries, _ := dlq.List(context.Background(), "acquisition-agent", 0)
		return len(entries) == 1
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, calls)
}

func TestDeadLetterAfterExhaustedAttempts(t *testing.T) {
	dlq := NewMemoryDLQ(16)
	b := New(WithDLQStore(dlq))
	defer b.Close(context.Background())

	var mu sync.Mutex
	calls := 0
	handler := HandlerFunc(func(context.Context, events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errors.New("boom")
	})
	_, err := b.Subscribe(events.TypeDataAcquired, handler,
		WithSubscriberName("anomaly-agent"),
		WithMaxAttempts(2),
		WithBackoff(time.Millisecond, 2*time.Millisecond))
	require.NoError(t, err)

	e := testEvent("corr-dlq", 1)
	require.NoError(t, b.Publish(context.Background(), e))

	require.Eventually(t, func() bool {
		entries, _ := dlq.List(context.Background(), "anomaly-agent", 0)
		return len(entries) == 1
	}, 2*time.Second, 5*time.Millisecond)

	entries, err := dlq.List(context.Background(), "anomaly-agent", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	entry := entries[0]
	require.Equal(t, "anomaly-agent", entry.Subscriber)
	require.Equal(t, 2, entry.Attempts)
	require.Contains(t, entry.Error, "boom")
	require.Equal(t, "corr-dlq", entry.CorrelationID)
	require.Equal(t, e.EventID(), entry.Event.EventID())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, calls, "no attempts after dead-lettering")
}

func TestNonRetryableErrorsDeadLetterImmediately(t *testing.T) {
	dlq := NewMemoryDLQ(16)
	b := New(WithDLQStore(dlq))
	defer b.Close(context.Background())

	var mu sync.Mutex
	calls := 0
	handler := HandlerFunc(func(context.Context, events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return fault.Permanent(errors.New("schema mismatch"))
	})
	_, err := b.Subscribe(events.TypeDataAcquired, handler,
		WithSubscriberName("anomaly-agent"),
		WithMaxAttempts(5),
		WithBackoff(time.Millisecond, 2*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), testEvent("corr", 1)))

	require.Eventually(t, func() bool {
		entries, _ := dlq.List(context.Background(), "anomaly-agent", 0)
		return len(entries) == 1
	}, 2*time.Second, 5*time.Millisecond)

	entries, err := dlq.List(context.Background(), "anomaly-agent", 0)
	require.NoError(t, err)
	require.Equal(t, 1, entries[0].Attempts)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls, "a permanent failure is never retried")
}

func TestDeadLetterDisabledPerSubscription(t *testing.T) {
	dlq := NewMemoryDLQ(16)
	b := New(WithDLQStore(dlq))
	defer b.Close(context.Background())

	done := make(chan struct{})
	var once sync.Once
	handler := HandlerFunc(func(_ context.Context, e events.Event) error {
		if e.Attempt() == 2 {
			once.Do(func() { close(done) })
		}
		return errors.New("boom")
	})
	_, err := b.Subscribe(events.TypeDataAcquired, handler,
		WithMaxAttempts(2),
		WithBackoff(time.Millisecond, 2*time.Millisecond),
		WithDLQ(false))
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), testEvent("corr", 1)))
	<-done
	time.Sleep(20 * time.Millisecond)

	entries, err := dlq.List(context.Background(), "", 0)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestPublishQueueFull(t *testing.T) {
	b := New(WithQueueCapacity(2), WithPublishTimeout(10*time.Millisecond))

	release := make(chan struct{})
	handler := HandlerFunc(func(context.Context, events.Event) error {
		<-release
		return nil
	})
	_, err := b.Subscribe(events.TypeDataAcquired, handler)
	require.NoError(t, err)

	var full error
	for i := 0; i < 20; i++ {
		if err := b.Publish(context.Background(), testEvent("corr", float64(i))); err != nil {
			full = err
			break
		}
	}
	require.Error(t, full)
	require.ErrorIs(t, full, ErrQueueFull)
	require.True(t, fault.IsCapacity(full))

	close(release)
	require.NoError(t, b.Close(context.Background()))
}

func TestCloseDrainsQueuedEvents(t *testing.T) {
	b := New()

	rec := &recorder{}
	slow := HandlerFunc(func(ctx context.Context, e events.Event) error {
		time.Sleep(2 * time.Millisecond)
		return rec.HandleEvent(ctx, e)
	})
	_, err := b.Subscribe(events.TypeDataAcquired, slow)
	require.NoError(t, err)

	const n = 10
	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(context.Background(), testEvent("corr", float64(i))))
	}

	require.NoError(t, b.Close(context.Background()))
	require.Equal(t, n, rec.len(), "accepted events survive shutdown")
}

func TestCloseCancelsAfterGrace(t *testing.T) {
	dlq := NewMemoryDLQ(16)
	b := New(WithDLQStore(dlq), WithDrainGrace(30*time.Millisecond))

	started := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, _ events.Event) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	_, err := b.Subscribe(events.TypeDataAcquired, handler,
		WithSubscriberName("stuck"), WithMaxAttempts(1))
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), testEvent("corr", 1)))
	<-started

	begin := time.Now()
	require.NoError(t, b.Close(context.Background()))
	require.Less(t, time.Since(begin), 2*time.Second)

	entries, err := dlq.List(context.Background(), "stuck", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1, "a delivery cut by drain counts as failed")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	defer b.Close(context.Background())

	rec := &recorder{}
	sub, err := b.Subscribe(events.TypeDataAcquired, rec)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), testEvent("corr", 1)))
	require.Eventually(t, func() bool { return rec.len() == 1 }, 2*time.Second, 5*time.Millisecond)

	sub.Unsubscribe()
	require.NoError(t, b.Publish(context.Background(), testEvent("corr", 2)))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, rec.len())
}

func TestClosedBusRejectsOperations(t *testing.T) {
	b := New()
	require.NoError(t, b.Ping(context.Background()))
	require.NoError(t, b.Close(context.Background()))

	err := b.Publish(context.Background(), testEvent("corr", 1))
	require.ErrorIs(t, err, ErrClosed)

	_, err = b.Subscribe(events.TypeDataAcquired, &recorder{})
	require.ErrorIs(t, err, ErrClosed)

	require.ErrorIs(t, b.Ping(context.Background()), ErrClosed)
}

func TestDeliveryRestoresCorrelation(t *testing.T) {
	b := New()
	defer b.Close(context.Background())

	got := make(chan string, 1)
	handler := HandlerFunc(func(ctx context.Context, _ events.Event) error {
		id, _ := correlation.ID(ctx)
		got <- id
		return nil
	})
	_, err := b.Subscribe(events.TypeDataAcquired, handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), testEvent("corr-42", 1)))
	select {
	case id := <-got:
		require.Equal(t, "corr-42", id)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestAttemptCountsAreIndependentPerSubscriber(t *testing.T) {
	b := New()
	defer b.Close(context.Background())

	var mu sync.Mutex
	var failing, steady []int
	_, err := b.Subscribe(events.TypeDataAcquired, HandlerFunc(func(_ context.Context, e events.Event) error {
		mu.Lock()
		failing = append(failing, e.Attempt())
		mu.Unlock()
		return errors.New("boom")
	}), WithMaxAttempts(3), WithBackoff(time.Millisecond, 2*time.Millisecond))
	require.NoError(t, err)
	_, err = b.Subscribe(events.TypeDataAcquired, HandlerFunc(func(_ context.Context, e events.Event) error {
		mu.Lock()
		steady = append(steady, e.Attempt())
		mu.Unlock()
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), testEvent("corr", 1)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failing) == 3 && len(steady) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 2, 3}, failing)
	require.Equal(t, []int{1}, steady)
}
