// Package ratelimit implements per-request-class token buckets with a shared
// global bucket. Refill is lazy: token counts are computed from elapsed time
// whenever a caller acquires, never by a background timer.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// BucketConfig sizes a single token bucket.
type BucketConfig struct {
	Capacity        int
	RefillPerSecond float64
}

// Config configures a Limiter. Buckets missing for a class mean that class
// is only limited by the global bucket; the global bucket is required.
type Config struct {
	Buckets map[domain.RequestClass]BucketConfig
	// MaxWait bounds how long Acquire may block. Zero waits until the
	// context is done.
	MaxWait time.Duration
}

// FromRequestsPerMinute derives the default bucket layout from the broker's
// published requests-per-minute allowance. Each bucket holds one minute of
// its own allowance.
func FromRequestsPerMinute(rpm int, maxWait time.Duration) Config {
	perMinute := func(n int) BucketConfig {
		n = max(n, 1)
		return BucketConfig{Capacity: n, RefillPerSecond: float64(n) / 60}
	}
	return Config{
		Buckets: map[domain.RequestClass]BucketConfig{
			domain.ClassGlobal:     perMinute(rpm),
			domain.ClassTrading:    perMinute(min(rpm/2, 30)),
			domain.ClassMarketData: perMinute(min(rpm*2, 200)),
			domain.ClassAccount:    perMinute(min(rpm/4, 20)),
		},
		MaxWait: maxWait,
	}
}

// Clock abstracts time so tests can drive refill deterministically.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithWaitObserver registers a callback invoked after each successful
// acquisition with the time spent waiting.
func WithWaitObserver(fn func(class domain.RequestClass, waited time.Duration)) Option {
	return func(l *Limiter) { l.observe = fn }
}

// bucket is one token bucket. x/time/rate provides the lazy refill; mu
// serialises the check-then-take sequence across both buckets.
type bucket struct {
	mu         sync.Mutex
	class      domain.RequestClass
	lim        *rate.Limiter
	capacity   int
	refill     float64
	lastRefill time.Time
}

// waitFor returns how long until the bucket holds one token. Caller holds mu.
func (b *bucket) waitFor(now time.Time) time.Duration {
	tokens := b.lim.TokensAt(now)
	if tokens >= 1 {
		return 0
	}
	if b.refill <= 0 {
		return time.Duration(math.MaxInt64)
	}
	secs := (1 - tokens) / b.refill
	return max(time.Duration(math.Ceil(secs*float64(time.Second))), time.Nanosecond)
}

// take removes one token. Caller holds mu and has checked waitFor.
func (b *bucket) take(now time.Time) {
	b.lim.AllowN(now, 1)
	b.lastRefill = now
}

// Limiter admits requests only when both the global bucket and the request's
// class bucket hold a token. It is safe for concurrent use.
type Limiter struct {
	buckets map[domain.RequestClass]*bucket
	maxWait time.Duration
	clock   Clock
	observe func(domain.RequestClass, time.Duration)
}

// New builds a Limiter. It returns an error when the global bucket is
// missing or any bucket is sized non-positively.
func New(cfg Config, opts ...Option) (*Limiter, error) {
	if _, ok := cfg.Buckets[domain.ClassGlobal]; !ok {
		return nil, fmt.Errorf("ratelimit: global bucket is required")
	}
	l := &Limiter{
		buckets: make(map[domain.RequestClass]*bucket, len(cfg.Buckets)),
		maxWait: cfg.MaxWait,
		clock:   realClock{},
	}
	for _, o := range opts {
		o(l)
	}
	now := l.clock.Now()
	for class, bc := range cfg.Buckets {
		if bc.Capacity <= 0 || bc.RefillPerSecond <= 0 {
			return nil, fmt.Errorf("ratelimit: bucket %s: capacity and refill must be positive", class)
		}
		lim := rate.NewLimiter(rate.Limit(bc.RefillPerSecond), bc.Capacity)
		l.buckets[class] = &bucket{
			class:      class,
			lim:        lim,
			capacity:   bc.Capacity,
			refill:     bc.RefillPerSecond,
			lastRefill: now,
		}
	}
	return l, nil
}

// Acquire blocks until a token is available from the global bucket and the
// bucket for class, then consumes one from each. It returns an error wrapping
// domain.ErrRateLimitExceeded when MaxWait would be exceeded, or the context
// error if ctx ends first. Tokens are not refunded if the caller's request
// later fails.
func (l *Limiter) Acquire(ctx context.Context, class domain.RequestClass) error {
	start := l.clock.Now()
	for {
		wait, ok := l.tryAcquire(class)
		if ok {
			if l.observe != nil {
				l.observe(class, l.clock.Now().Sub(start))
			}
			return nil
		}

		waited := l.clock.Now().Sub(start)
		if l.maxWait > 0 && waited+wait > l.maxWait {
			return fmt.Errorf("ratelimit: %s: %w (next token in %s, max wait %s)",
				class, domain.ErrRateLimitExceeded, wait, l.maxWait)
		}
		if err := l.clock.Sleep(ctx, wait); err != nil {
			return fmt.Errorf("ratelimit: %s: %w", class, err)
		}
	}
}

// tryAcquire takes a token from both buckets if both have one, else reports
// how long to wait. Global is always locked before the class bucket.
func (l *Limiter) tryAcquire(class domain.RequestClass) (time.Duration, bool) {
	global := l.buckets[domain.ClassGlobal]
	specific := l.buckets[class]
	if class == domain.ClassGlobal {
		specific = nil
	}

	global.mu.Lock()
	defer global.mu.Unlock()
	if specific != nil {
		specific.mu.Lock()
		defer specific.mu.Unlock()
	}

	now := l.clock.Now()
	wait := global.waitFor(now)
	if specific != nil {
		wait = max(wait, specific.waitFor(now))
	}
	if wait > 0 {
		return wait, false
	}

	global.take(now)
	if specific != nil {
		specific.take(now)
	}
	return 0, true
}

// Snapshot reports the current state of the bucket for class. If the class
// has no dedicated bucket the global bucket is reported.
func (l *Limiter) Snapshot(class domain.RequestClass) domain.RateBucket {
	b, ok := l.buckets[class]
	if !ok {
		b = l.buckets[domain.ClassGlobal]
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	tokens := b.lim.TokensAt(l.clock.Now())
	return domain.RateBucket{
		Class:      b.class.String(),
		Capacity:   b.capacity,
		Tokens:     min(max(tokens, 0), float64(b.capacity)),
		RefillRate: b.refill,
		LastRefill: b.lastRefill,
	}
}

// Snapshots reports every configured bucket in lock order.
func (l *Limiter) Snapshots() []domain.RateBucket {
	out := make([]domain.RateBucket, 0, len(l.buckets))
	for _, c := range domain.RequestClasses {
		if _, ok := l.buckets[c]; ok {
			out = append(out, l.Snapshot(c))
		}
	}
	return out
}
