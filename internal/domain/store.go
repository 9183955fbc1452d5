package domain

import (
	"context"
	"time"
)

// OrderStore persists ledger orders for crash recovery. Save is an upsert
// and may be called more than once for the same state.
type OrderStore interface {
	Save(ctx context.Context, order Order) error
	Load(ctx context.Context, id string) (Order, error)
	ListOpen(ctx context.Context) ([]Order, error)
}

// OrderArchiveStore lists terminal orders for cold storage and removes them
// once archived.
type OrderArchiveStore interface {
	ListTerminalBefore(ctx context.Context, before time.Time) ([]Order, error)
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
}

// OrderEventStore keeps the transition history of every order.
type OrderEventStore interface {
	Append(ctx context.Context, ev OrderEvent) error
	ListForOrder(ctx context.Context, orderID string, limit int) ([]OrderEvent, error)
}
