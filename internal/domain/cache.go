package domain

import "context"

// EventStream appends order events to a durable, ordered log that other
// processes can tail.
type EventStream interface {
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// StreamMessage is one entry read from an EventStream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// QuoteCache keeps the latest quote per symbol for out-of-process readers.
type QuoteCache interface {
	SetQuote(ctx context.Context, q Quote) error
	GetQuote(ctx context.Context, symbol string) (Quote, error)
}
