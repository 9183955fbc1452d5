package gateway

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// RetryPolicy controls how the gateway repeats transient failures. It is a
// plain value so tests can swap Sleep and Rand for deterministic behaviour.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	Factor     float64
	Cap        time.Duration
	// Jitter is the +/- fraction applied to each computed delay.
	Jitter float64
	// Retryable decides whether an error may be retried. Nil means
	// domain.Retryable.
	Retryable func(error) bool
	// Sleep waits for d or until ctx is done. Nil means a timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// Rand returns a value in [0, 1). Nil means math/rand/v2.
	Rand func() float64
}

// DefaultRetryPolicy returns 5 retries starting at 1s, doubling to a 30s cap
// with 20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 5,
		Base:       time.Second,
		Factor:     2,
		Cap:        30 * time.Second,
		Jitter:     0.2,
	}
}

// Backoff returns the delay before retry n (0-based). The result never
// exceeds Cap.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(p.Base) * math.Pow(factor, float64(n))
	if p.Jitter > 0 {
		r := rand.Float64
		if p.Rand != nil {
			r = p.Rand
		}
		d += (r()*2 - 1) * p.Jitter * d
	}
	if p.Cap > 0 && d > float64(p.Cap) {
		d = float64(p.Cap)
	}
	return time.Duration(max(d, 0))
}

// delay picks the wait before retry n, preferring a server-supplied
// Retry-After bounded by Cap.
func (p RetryPolicy) delay(n int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if p.Cap > 0 {
			return min(retryAfter, p.Cap)
		}
		return retryAfter
	}
	return p.Backoff(n)
}

func (p RetryPolicy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return domain.Retryable(err)
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
