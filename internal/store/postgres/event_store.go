package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// EventStore implements domain.OrderEventStore. Each ledger transition is
// one row holding the full order snapshot as JSONB.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates an EventStore backed by pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append records ev.
func (s *EventStore) Append(ctx context.Context, ev domain.OrderEvent) error {
	snapshot, err := json.Marshal(ev.Order)
	if err != nil {
		return fmt.Errorf("postgres: marshal order event: %w", err)
	}

	const query = `
		INSERT INTO order_events (order_id, seq, previous_state, state, snapshot, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err = s.pool.Exec(ctx, query,
		ev.Order.ID, int64(ev.Seq), string(ev.Previous), string(ev.Order.State), snapshot, ev.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("postgres: append order event %s: %w", ev.Order.ID, err)
	}
	return nil
}

// ListForOrder returns the history of orderID, oldest first. A limit of
// zero or less returns everything.
func (s *EventStore) ListForOrder(ctx context.Context, orderID string, limit int) ([]domain.OrderEvent, error) {
	query := `SELECT seq, previous_state, snapshot, occurred_at FROM order_events WHERE order_id = $1 ORDER BY seq`
	args := []any{orderID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list order events %s: %w", orderID, err)
	}
	defer rows.Close()

	var events []domain.OrderEvent
	for rows.Next() {
		var (
			ev       domain.OrderEvent
			seq      int64
			previous string
			snapshot []byte
		)
		if err := rows.Scan(&seq, &previous, &snapshot, &ev.At); err != nil {
			return nil, fmt.Errorf("postgres: scan order event: %w", err)
		}
		if err := json.Unmarshal(snapshot, &ev.Order); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal order event: %w", err)
		}
		ev.Seq = uint64(seq)
		ev.Previous = domain.OrderState(previous)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list order events rows: %w", err)
	}
	return events, nil
}

var _ domain.OrderEventStore = (*EventStore)(nil)
