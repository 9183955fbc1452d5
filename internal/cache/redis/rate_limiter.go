package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

const (
	minQuotaWait = 10 * time.Millisecond
	maxQuotaWait = time.Second
)

// AccountQuota is a sliding-window request quota shared by every process
// using the same API key. It satisfies the gateway's Limiter and is chained
// after the local token buckets. Classes without a limit pass freely.
type AccountQuota struct {
	c       *Client
	account string
	limits  map[domain.RequestClass]int
	window  time.Duration
	script  *redis.Script
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewAccountQuota allows limits[class] requests per window for account.
func NewAccountQuota(c *Client, account string, window time.Duration, limits map[domain.RequestClass]int) *AccountQuota {
	if window <= 0 {
		window = time.Minute
	}
	return &AccountQuota{
		c:       c,
		account: account,
		limits:  limits,
		window:  window,
		script:  redis.NewScript(slidingWindowLua),
		sleep:   sleepCtx,
	}
}

// Allow counts one request for class if the window has room. wait is the
// time until the oldest counted request leaves the window.
func (q *AccountQuota) Allow(ctx context.Context, class domain.RequestClass) (ok bool, wait time.Duration, err error) {
	limit, limited := q.limits[class]
	if !limited || limit <= 0 {
		return true, 0, nil
	}
	now := time.Now().UnixMicro()
	res, err := q.script.Run(ctx, q.c.rdb,
		[]string{q.c.key("quota", q.account, class.String())},
		now, q.window.Microseconds(), limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("redis: quota %s: %w", class, err)
	}
	if len(res) < 3 {
		return false, 0, fmt.Errorf("redis: quota %s: unexpected reply length %d", class, len(res))
	}
	return res[0] == 1, time.Duration(res[2]) * time.Microsecond, nil
}

// Acquire blocks until class has room in the window or ctx is done.
func (q *AccountQuota) Acquire(ctx context.Context, class domain.RequestClass) error {
	for {
		ok, wait, err := q.Allow(ctx, class)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		wait = min(max(wait, minQuotaWait), maxQuotaWait)
		if err := q.sleep(ctx, wait); err != nil {
			return fmt.Errorf("redis: quota %s: %w", class, err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
