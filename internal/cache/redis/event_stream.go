package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// defaultStreamMaxLen bounds each stream via XADD MAXLEN ~.
const defaultStreamMaxLen int64 = 10000

// EventStream implements domain.EventStream on Redis Streams. Appends are
// also published on a Pub/Sub channel of the same name for live tailers.
type EventStream struct {
	c      *Client
	maxLen int64
}

// NewEventStream creates an EventStream trimming each stream to roughly
// maxLen entries. Zero uses 10,000.
func NewEventStream(c *Client, maxLen int64) *EventStream {
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	return &EventStream{c: c, maxLen: maxLen}
}

// StreamAppend appends payload to stream.
func (es *EventStream) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	key := es.c.key("stream", stream)
	pipe := es.c.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: es.maxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	})
	pipe.Publish(ctx, key, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// StreamRead reads up to count entries after lastID. "0" reads from the
// beginning. An empty stream returns no messages and no error.
func (es *EventStream) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	if lastID == "" {
		lastID = "0"
	}
	results, err := es.c.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{es.c.key("stream", stream), lastID},
		Count:   int64(count),
		Block:   -1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: stream read %s: %w", stream, err)
	}

	var messages []domain.StreamMessage
	for _, s := range results {
		for _, msg := range s.Messages {
			var data []byte
			switch v := msg.Values["payload"].(type) {
			case string:
				data = []byte(v)
			case []byte:
				data = v
			default:
				continue
			}
			messages = append(messages, domain.StreamMessage{ID: msg.ID, Payload: data})
		}
	}
	return messages, nil
}

var _ domain.EventStream = (*EventStream)(nil)
