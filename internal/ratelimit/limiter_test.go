package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// fakeClock advances only when Sleep is called.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	return nil
}

func (c *fakeClock) slept() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total time.Duration
	for _, d := range c.sleeps {
		total += d
	}
	return total
}

func tradingConfig(capacity int, refill float64, maxWait time.Duration) Config {
	return Config{
		Buckets: map[domain.RequestClass]BucketConfig{
			domain.ClassGlobal:  {Capacity: 1000, RefillPerSecond: 1000},
			domain.ClassTrading: {Capacity: capacity, RefillPerSecond: refill},
		},
		MaxWait: maxWait,
	}
}

func TestAcquireWaitsForRefill(t *testing.T) {
	clock := newFakeClock()
	l, err := New(tradingConfig(2, 1, 0), WithClock(clock))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx, domain.ClassTrading))
	require.NoError(t, l.Acquire(ctx, domain.ClassTrading))
	assert.Zero(t, clock.slept())

	require.NoError(t, l.Acquire(ctx, domain.ClassTrading))
	assert.GreaterOrEqual(t, clock.slept(), time.Second)
}

func TestAcquireConsumesGlobalToo(t *testing.T) {
	clock := newFakeClock()
	l, err := New(Config{
		Buckets: map[domain.RequestClass]BucketConfig{
			domain.ClassGlobal:     {Capacity: 1, RefillPerSecond: 0.5},
			domain.ClassMarketData: {Capacity: 10, RefillPerSecond: 10},
		},
	}, WithClock(clock))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx, domain.ClassMarketData))
	require.NoError(t, l.Acquire(ctx, domain.ClassMarketData))
	assert.GreaterOrEqual(t, clock.slept(), 2*time.Second)
}

func TestAcquireMaxWaitExceeded(t *testing.T) {
	clock := newFakeClock()
	l, err := New(tradingConfig(1, 0.1, 2*time.Second), WithClock(clock))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx, domain.ClassTrading))
	err = l.Acquire(ctx, domain.ClassTrading)
	require.ErrorIs(t, err, domain.ErrRateLimitExceeded)
	assert.Zero(t, clock.slept())
}

func TestAcquireContextCancelled(t *testing.T) {
	l, err := New(tradingConfig(1, 0.01, 0))
	require.NoError(t, err)

	require.NoError(t, l.Acquire(context.Background(), domain.ClassTrading))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = l.Acquire(ctx, domain.ClassTrading)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTokensStayWithinBounds(t *testing.T) {
	clock := newFakeClock()
	l, err := New(tradingConfig(5, 2, 0), WithClock(clock))
	require.NoError(t, err)

	ctx := context.Background()
	for i := range 40 {
		require.NoError(t, l.Acquire(ctx, domain.ClassTrading))
		if i%7 == 0 {
			_ = clock.Sleep(ctx, 10*time.Second)
		}
		// Read the buckets directly; Snapshot clamps what it reports.
		for _, class := range []domain.RequestClass{domain.ClassGlobal, domain.ClassTrading} {
			b := l.buckets[class]
			b.mu.Lock()
			raw := b.lim.TokensAt(clock.Now())
			b.mu.Unlock()
			assert.GreaterOrEqual(t, raw, 0.0, "%s after acquire %d", class, i)
			assert.LessOrEqual(t, raw, float64(b.capacity), "%s after acquire %d", class, i)
		}
	}
}

func TestConcurrentAcquireAdmitsOnlyCapacity(t *testing.T) {
	const capacity = 3
	l, err := New(tradingConfig(capacity, 0.001, 50*time.Millisecond))
	require.NoError(t, err)

	var ok, limited atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Acquire(context.Background(), domain.ClassTrading)
			switch {
			case err == nil:
				ok.Add(1)
			case assert.ErrorIs(t, err, domain.ErrRateLimitExceeded):
				limited.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(capacity), ok.Load())
	assert.Equal(t, int32(20-capacity), limited.Load())
}

func TestFromRequestsPerMinute(t *testing.T) {
	cfg := FromRequestsPerMinute(100, time.Second)
	assert.Equal(t, 100, cfg.Buckets[domain.ClassGlobal].Capacity)
	assert.Equal(t, 30, cfg.Buckets[domain.ClassTrading].Capacity)
	assert.Equal(t, 200, cfg.Buckets[domain.ClassMarketData].Capacity)
	assert.Equal(t, 20, cfg.Buckets[domain.ClassAccount].Capacity)
	assert.InDelta(t, 0.5, cfg.Buckets[domain.ClassTrading].RefillPerSecond, 1e-9)

	small := FromRequestsPerMinute(2, 0)
	assert.Equal(t, 1, small.Buckets[domain.ClassAccount].Capacity)
}

func TestNewRequiresGlobal(t *testing.T) {
	_, err := New(Config{Buckets: map[domain.RequestClass]BucketConfig{
		domain.ClassTrading: {Capacity: 1, RefillPerSecond: 1},
	}})
	require.Error(t, err)
}
