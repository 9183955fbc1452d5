package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// QuoteCache implements domain.QuoteCache with one hash per symbol at
// "quote:{symbol}" holding bid, ask, last, seq and ts (unix nanos). A write
// carrying a sequence number not above the cached one is ignored.
type QuoteCache struct {
	c       *Client
	ttl     time.Duration
	setEval *redis.Script
}

// setQuoteLua writes the hash only when ARGV[4] (seq) is newer.
const setQuoteLua = `
local cur = redis.call('HGET', KEYS[1], 'seq')
if cur and tonumber(cur) >= tonumber(ARGV[4]) then
    return 0
end
redis.call('HSET', KEYS[1], 'bid', ARGV[1], 'ask', ARGV[2], 'last', ARGV[3], 'seq', ARGV[4], 'ts', ARGV[5])
if tonumber(ARGV[6]) > 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[6])
end
return 1
`

// NewQuoteCache creates a QuoteCache. Entries expire after ttl; zero keeps
// them forever.
func NewQuoteCache(c *Client, ttl time.Duration) *QuoteCache {
	return &QuoteCache{c: c, ttl: ttl, setEval: redis.NewScript(setQuoteLua)}
}

// SetQuote stores q.
func (qc *QuoteCache) SetQuote(ctx context.Context, q domain.Quote) error {
	err := qc.setEval.Run(ctx, qc.c.rdb, []string{qc.c.key("quote", q.Symbol)},
		q.Bid.String(),
		q.Ask.String(),
		q.Last.String(),
		strconv.FormatUint(q.Seq, 10),
		strconv.FormatInt(q.Timestamp.UnixNano(), 10),
		qc.ttl.Milliseconds(),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis: set quote %s: %w", q.Symbol, err)
	}
	return nil
}

// GetQuote returns the cached quote or domain.ErrNotFound.
func (qc *QuoteCache) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	vals, err := qc.c.rdb.HGetAll(ctx, qc.c.key("quote", symbol)).Result()
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: get quote %s: %w", symbol, err)
	}
	return parseQuote(symbol, vals)
}

// GetQuotes fetches several symbols in one pipeline. Missing symbols are
// omitted.
func (qc *QuoteCache) GetQuotes(ctx context.Context, symbols []string) (map[string]domain.Quote, error) {
	out := make(map[string]domain.Quote, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	pipe := qc.c.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(symbols))
	for _, s := range symbols {
		cmds[s] = pipe.HGetAll(ctx, qc.c.key("quote", s))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get quotes pipeline: %w", err)
	}

	for s, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		if q, err := parseQuote(s, vals); err == nil {
			out[s] = q
		}
	}
	return out, nil
}

func parseQuote(symbol string, vals map[string]string) (domain.Quote, error) {
	if len(vals) == 0 {
		return domain.Quote{}, fmt.Errorf("redis: quote %s: %w", symbol, domain.ErrNotFound)
	}
	q := domain.Quote{Symbol: symbol}
	for field, dst := range map[string]*decimal.Decimal{"bid": &q.Bid, "ask": &q.Ask, "last": &q.Last} {
		d, err := decimal.NewFromString(vals[field])
		if err != nil {
			return domain.Quote{}, fmt.Errorf("redis: quote %s %s: %w", symbol, field, domain.ErrDataFormat)
		}
		*dst = d
	}
	seq, err := strconv.ParseUint(vals["seq"], 10, 64)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: quote %s seq: %w", symbol, domain.ErrDataFormat)
	}
	ts, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: quote %s ts: %w", symbol, domain.ErrDataFormat)
	}
	q.Seq = seq
	q.Timestamp = time.Unix(0, ts).UTC()
	return q, nil
}

var _ domain.QuoteCache = (*QuoteCache)(nil)
