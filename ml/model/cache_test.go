package model

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCacheGetOrLoad(t *testing.T) {
	cache := NewCache[string](4)
	key := Key{Name: "pump-vibration", Version: 1}

	var loads int
	v, err := cache.GetOrLoad(key, func() (string, error) {
		loads++
		return "artifact", nil
	})
	require.NoError(t, err)
	require.Equal(t, "artifact", v)

	v, err = cache.GetOrLoad(key, func() (string, error) {
		loads++
		return "reloaded", nil
	})
	require.NoError(t, err)
	require.Equal(t, "artifact", v)
	require.Equal(t, 1, loads)

	v, ok := cache.Get(key)
	require.True(t, ok)
	require.Equal(t, "artifact", v)
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	cache := NewCache[int](2)
	a := Key{Name: "a", Version: 1}
	b := Key{Name: "b", Version: 1}
	c := Key{Name: "c", Version: 1}

	load := func(n int) func() (int, error) {
		return func() (int, error) { return n, nil }
	}
	_, err := cache.GetOrLoad(a, load(1))
	require.NoError(t, err)
	_, err = cache.GetOrLoad(b, load(2))
	require.NoError(t, err)

	// Touching a makes b the eviction candidate.
	_, ok := cache.Get(a)
	require.True(t, ok)

	_, err = cache.GetOrLoad(c, load(3))
	require.NoError(t, err)
	require.Equal(t, 2, cache.Len())

	_, ok = cache.Get(b)
	require.False(t, ok)
	_, ok = cache.Get(a)
	require.True(t, ok)
	_, ok = cache.Get(c)
	require.True(t, ok)
}

func TestCacheLoaderErrorNotCached(t *testing.T) {
	cache := NewCache[int](2)
	key := Key{Name: "pump-vibration", Version: 1}

	_, err := cache.GetOrLoad(key, func() (int, error) {
		return 0, fmt.Errorf("registry unreachable")
	})
	require.Error(t, err)
	require.Zero(t, cache.Len())

	v, err := cache.GetOrLoad(key, func() (int, error) { return 7, nil })
	require.NoError(t, err)
	require.Equal(t, 7, v)
}

func TestCacheConcurrentLoadKeepsSingleEntry(t *testing.T) {
	cache := NewCache[int64](8)
	key := Key{Name: "pump-vibration", Version: 3}

	var seq int64
	results := make([]int64, 16)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := cache.GetOrLoad(key, func() (int64, error) {
				return atomic.AddInt64(&seq, 1), nil
			})
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, cache.Len())
	first, _ := cache.Get(key)
	for _, v := range results {
		require.Equal(t, first, v)
	}
}

func TestCacheRemove(t *testing.T) {
	cache := NewCache[int](2)
	key := Key{Name: "pump-vibration", Version: 1}

	_, err := cache.GetOrLoad(key, func() (int, error) { return 1, nil })
	require.NoError(t, err)

	cache.Remove(key)
	_, ok := cache.Get(key)
	require.False(t, ok)
	require.Zero(t, cache.Len())
}
