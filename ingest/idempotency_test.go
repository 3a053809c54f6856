package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/machinist-ai/machinist/runtime/fault"
)

func TestReserveFirstTimeThenDuplicate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, err := s.Reserve(ctx, "req-1", "event-a", time.Minute)
	require.NoError(t, err)
	require.True(t, first.FirstTime)
	require.Equal(t, "event-a", first.EventID)

	replay, err := s.Reserve(ctx, "req-1", "event-b", time.Minute)
	require.NoError(t, err)
	require.False(t, replay.FirstTime)
	require.Equal(t, "event-a", replay.EventID, "duplicates report the original event")

	other, err := s.Reserve(ctx, "req-2", "event-c", time.Minute)
	require.NoError(t, err)
	require.True(t, other.FirstTime)
}

func TestReserveExpiredKeyBehavesAsAbsent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, err := s.Reserve(ctx, "req-1", "event-a", 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, first.FirstTime)

	time.Sleep(30 * time.Millisecond)

	second, err := s.Reserve(ctx, "req-1", "event-b", time.Minute)
	require.NoError(t, err)
	require.True(t, second.FirstTime, "expiry must not depend on the sweeper")
	require.Equal(t, "event-b", second.EventID)
}

func TestReserveRejectsEmptyKey(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Reserve(context.Background(), "", "event-a", time.Minute)
	require.Error(t, err)
	require.True(t, fault.IsValidation(err))
}

func TestSweepReclaimsExpiredEntries(t *testing.T) {
	s := NewMemoryStore(WithSweepInterval(10 * time.Millisecond))
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Reserve(ctx, fmt.Sprintf("req-%d", i), "event", 5*time.Millisecond)
		require.NoError(t, err)
	}
	require.Equal(t, 5, s.Len())

	require.Eventually(t, func() bool { return s.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestConcurrentReservationsHaveOneWinner(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("exactly one first-time reservation per key", prop.ForAll(
		func(n int, key string) bool {
			s := NewMemoryStore()
			ctx := context.Background()

			results := make([]Reservation, n)
			start := make(chan struct{})
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					r, err := s.Reserve(ctx, key, fmt.Sprintf("event-%d", i), time.Minute)
					if err != nil {
						return
					}
					results[i] = r
				}(i)
			}
			close(start)
			wg.Wait()

			winners := 0
			var winner string
			for _, r := range results {
				if r.FirstTime {
					winners++
					winner = r.EventID
				}
			}
			if winners != 1 {
				return false
			}
			for _, r := range results {
				if !r.FirstTime && r.EventID != winner {
					return false
				}
			}
			return true
		},
		gen.IntRange(2, 32),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
