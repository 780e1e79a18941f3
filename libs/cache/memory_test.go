package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMemoryStore() (*MemoryStore, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	m := NewMemoryStore(time.Minute)
	m.now = clock.Now
	return m, clock
}

func TestMemoryStoreAddIfAbsentExpires(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestMemoryStore()

	added, err := m.AddIfAbsent(ctx, "sig-1", 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = m.AddIfAbsent(ctx, "sig-1", 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, added, "second insert within ttl must be refused")

	has, _ := m.Has(ctx, "sig-1")
	assert.True(t, has)

	clock.Advance(10 * time.Minute)
	has, _ = m.Has(ctx, "sig-1")
	assert.False(t, has, "entry must be invisible once expired")

	added, err = m.AddIfAbsent(ctx, "sig-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, added)
}

func TestMemoryStoreRejectsNonPositiveTTL(t *testing.T) {
	m, _ := newTestMemoryStore()
	_, err := m.AddIfAbsent(context.Background(), "k", 0)
	assert.ErrorIs(t, err, ErrInvalidTTL)
	assert.ErrorIs(t, m.Add(context.Background(), "k", -time.Second), ErrInvalidTTL)
}

func TestMemoryStoreAddIfAbsentIsAtomic(t *testing.T) {
	m, _ := newTestMemoryStore()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := m.AddIfAbsent(context.Background(), "same", time.Minute); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryStoreRateLimitData(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestMemoryStore()

	data, err := m.GetRateLimitData(ctx, "caller-a")
	require.NoError(t, err)
	assert.Empty(t, data)

	window := []int64{1, 2, 3}
	require.NoError(t, m.SetRateLimitData(ctx, "caller-a", window, time.Minute))
	window[0] = 99

	data, err = m.GetRateLimitData(ctx, "caller-a")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, data, "stored window must not alias the caller's slice")

	clock.Advance(time.Minute)
	data, _ = m.GetRateLimitData(ctx, "caller-a")
	assert.Empty(t, data)
}

func TestMemoryStoreSweep(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestMemoryStore()

	require.NoError(t, m.Add(ctx, "short", time.Second))
	require.NoError(t, m.Add(ctx, "long", time.Hour))
	require.NoError(t, m.SetRateLimitData(ctx, "w", []int64{1}, time.Second))
	assert.Equal(t, 3, m.Len())

	clock.Advance(2 * time.Second)
	assert.Equal(t, 2, m.Sweep())
	assert.Equal(t, 1, m.Len())
}

func TestMemoryStoreRunStopsOnCancel(t *testing.T) {
	m := NewMemoryStore(5 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
