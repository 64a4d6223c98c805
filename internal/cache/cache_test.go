package cache_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/devrev/ringdb/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    cache.Strategy
		wantErr bool
	}{
		{"", cache.StrategyNone, false},
		{"none", cache.StrategyNone, false},
		{"FIFO", cache.StrategyFIFO, false},
		{" lru ", cache.StrategyLRU, false},
		{"lfu", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := cache.ParseStrategy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFIFO_EvictsInsertionOrder(t *testing.T) {
	c := cache.New(cache.StrategyFIFO, 3, zap.NewNop())

	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))
	c.Put("c", []byte("3"))

	// Reads and re-puts do not move an entry in FIFO.
	_, ok := c.Get("a")
	require.True(t, ok)
	c.Put("a", []byte("1b"))

	c.Put("d", []byte("4"))
	assert.False(t, c.Contains("a"))
	assert.True(t, c.Contains("b"))
	assert.True(t, c.Contains("c"))
	assert.True(t, c.Contains("d"))
	assert.Equal(t, 3, c.Len())
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	c := cache.New(cache.StrategyLRU, 3, zap.NewNop())

	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))
	c.Put("c", []byte("3"))

	_, ok := c.Get("a")
	require.True(t, ok)

	c.Put("d", []byte("4"))
	assert.True(t, c.Contains("a"))
	assert.False(t, c.Contains("b"))

	// A put on an existing key also refreshes it.
	c.Put("c", []byte("3b"))
	c.Put("e", []byte("5"))
	assert.False(t, c.Contains("a"))
	assert.True(t, c.Contains("c"))

	v, ok := c.Get("c")
	require.True(t, ok)
	assert.Equal(t, []byte("3b"), v)
}

func TestCache_DeleteAndClear(t *testing.T) {
	for _, strategy := range []cache.Strategy{cache.StrategyFIFO, cache.StrategyLRU} {
		t.Run(string(strategy), func(t *testing.T) {
			c := cache.New(strategy, 4, zap.NewNop())
			c.Put("a", []byte("1"))
			c.Put("b", []byte("2"))

			c.Delete("a")
			assert.False(t, c.Contains("a"))
			c.Delete("missing")
			assert.Equal(t, 1, c.Len())

			c.Clear()
			assert.Equal(t, 0, c.Len())
			_, ok := c.Get("b")
			assert.False(t, ok)

			c.Put("x", []byte("9"))
			assert.True(t, c.Contains("x"))
		})
	}
}

func TestCache_ValuesAreCopied(t *testing.T) {
	for _, strategy := range []cache.Strategy{cache.StrategyFIFO, cache.StrategyLRU} {
		t.Run(string(strategy), func(t *testing.T) {
			c := cache.New(strategy, 4, zap.NewNop())
			in := []byte("hello")
			c.Put("k", in)
			in[0] = 'j'

			out, ok := c.Get("k")
			require.True(t, ok)
			assert.Equal(t, "hello", string(out))
			out[0] = 'y'

			again, ok := c.Get("k")
			require.True(t, ok)
			assert.Equal(t, "hello", string(again))
		})
	}
}

func TestCache_Stats(t *testing.T) {
	c := cache.New(cache.StrategyLRU, 1, zap.NewNop())
	c.Put("a", []byte("1"))
	c.Get("a")
	c.Get("zzz")
	c.Put("b", []byte("2"))

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.Evictions)
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, 1, stats.Capacity)
}

func TestNone_Bypasses(t *testing.T) {
	c := cache.New(cache.StrategyNone, 100, zap.NewNop())
	c.Put("a", []byte("1"))
	assert.False(t, c.Contains("a"))
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())

	zero := cache.New(cache.StrategyLRU, 0, nil)
	zero.Put("a", []byte("1"))
	assert.Equal(t, 0, zero.Len())
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := cache.New(cache.StrategyLRU, 64, zap.NewNop())

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("k%d", (w*31+i)%128)
				c.Put(key, []byte(key))
				c.Get(key)
				if i%7 == 0 {
					c.Delete(key)
				}
			}
		}(w)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 64)
}
