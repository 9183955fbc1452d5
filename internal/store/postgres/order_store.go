package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// OrderStore implements domain.OrderStore and domain.OrderArchiveStore.
// Decimals travel as text so no precision is lost in either direction.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates an OrderStore backed by pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderColumns = `
	id, symbol, side, kind, quantity::text, limit_price::text, strategy_tag,
	state, reason, liquidating, stop_loss_distance::text, filled_quantity::text,
	average_fill_price::text, broker_order_id, fills, created_at, updated_at`

// Save upserts o. A row already holding a newer snapshot is left alone, so
// a delayed retry cannot roll an order back.
func (s *OrderStore) Save(ctx context.Context, o domain.Order) error {
	rec, err := newOrderRecord(o)
	if err != nil {
		return fmt.Errorf("postgres: save order %s: %w", o.ID, err)
	}

	const query = `
		INSERT INTO orders (
			id, symbol, side, kind, quantity, limit_price, strategy_tag,
			state, reason, liquidating, stop_loss_distance, filled_quantity,
			average_fill_price, broker_order_id, fills, terminal, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5::numeric, $6::numeric, $7,
			$8, $9, $10, $11::numeric, $12::numeric,
			$13::numeric, $14, $15::jsonb, $16, $17, $18
		)
		ON CONFLICT (id) DO UPDATE SET
			quantity           = EXCLUDED.quantity,
			limit_price        = EXCLUDED.limit_price,
			state              = EXCLUDED.state,
			reason             = EXCLUDED.reason,
			liquidating        = EXCLUDED.liquidating,
			filled_quantity    = EXCLUDED.filled_quantity,
			average_fill_price = EXCLUDED.average_fill_price,
			broker_order_id    = EXCLUDED.broker_order_id,
			fills              = EXCLUDED.fills,
			terminal           = EXCLUDED.terminal,
			updated_at         = EXCLUDED.updated_at
		WHERE orders.updated_at <= EXCLUDED.updated_at`

	_, err = s.pool.Exec(ctx, query,
		rec.ID, rec.Symbol, rec.Side, rec.Kind, rec.Quantity, rec.LimitPrice, rec.StrategyTag,
		rec.State, rec.Reason, rec.Liquidating, rec.StopLossDistance, rec.FilledQuantity,
		rec.AverageFillPrice, rec.BrokerOrderID, rec.Fills, rec.Terminal, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save order %s: %w", o.ID, err)
	}
	return nil
}

// Load returns the order with id, or domain.ErrOrderNotFound.
func (s *OrderStore) Load(ctx context.Context, id string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, fmt.Errorf("postgres: load order %s: %w", id, domain.ErrOrderNotFound)
		}
		return domain.Order{}, fmt.Errorf("postgres: load order %s: %w", id, err)
	}
	return o, nil
}

// ListOpen returns every non-terminal order, oldest first.
func (s *OrderStore) ListOpen(ctx context.Context) ([]domain.Order, error) {
	return s.query(ctx, "list open orders",
		`SELECT `+orderColumns+` FROM orders WHERE NOT terminal ORDER BY created_at`)
}

// ListTerminalBefore returns terminal orders last updated before before.
func (s *OrderStore) ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.Order, error) {
	return s.query(ctx, "list terminal orders",
		`SELECT `+orderColumns+` FROM orders WHERE terminal AND updated_at < $1 ORDER BY created_at`, before)
}

// DeleteTerminalBefore removes terminal orders last updated before before.
func (s *OrderStore) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM orders WHERE terminal AND updated_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete terminal orders: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *OrderStore) query(ctx context.Context, op, sql string, args ...any) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: %w", op, err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	return orders, nil
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var rec orderRecord
	err := row.Scan(
		&rec.ID, &rec.Symbol, &rec.Side, &rec.Kind, &rec.Quantity, &rec.LimitPrice, &rec.StrategyTag,
		&rec.State, &rec.Reason, &rec.Liquidating, &rec.StopLossDistance, &rec.FilledQuantity,
		&rec.AverageFillPrice, &rec.BrokerOrderID, &rec.Fills, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	return rec.order()
}

// orderRecord is the column form of a domain.Order.
type orderRecord struct {
	ID               string
	Symbol           string
	Side             string
	Kind             string
	Quantity         string
	LimitPrice       *string
	StrategyTag      string
	State            string
	Reason           string
	Liquidating      bool
	StopLossDistance string
	FilledQuantity   string
	AverageFillPrice string
	BrokerOrderID    string
	Fills            []byte
	Terminal         bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func newOrderRecord(o domain.Order) (orderRecord, error) {
	fills := o.Fills
	if fills == nil {
		fills = []domain.Fill{}
	}
	raw, err := json.Marshal(fills)
	if err != nil {
		return orderRecord{}, fmt.Errorf("encode fills: %w", err)
	}
	rec := orderRecord{
		ID:               o.ID,
		Symbol:           o.Symbol,
		Side:             string(o.Side),
		Kind:             string(o.Kind),
		Quantity:         o.Quantity.String(),
		StrategyTag:      o.StrategyTag,
		State:            string(o.State),
		Reason:           o.Reason,
		Liquidating:      o.Liquidating,
		StopLossDistance: o.StopLossDistance.String(),
		FilledQuantity:   o.FilledQuantity.String(),
		AverageFillPrice: o.AverageFillPrice.String(),
		BrokerOrderID:    o.BrokerOrderID,
		Fills:            raw,
		Terminal:         o.State.Terminal(),
		CreatedAt:        o.CreatedAt.UTC(),
		UpdatedAt:        o.UpdatedAt.UTC(),
	}
	if o.LimitPrice.Valid {
		v := o.LimitPrice.Decimal.String()
		rec.LimitPrice = &v
	}
	return rec, nil
}

func (r orderRecord) order() (domain.Order, error) {
	o := domain.Order{
		ID:            r.ID,
		Symbol:        r.Symbol,
		Side:          domain.OrderSide(r.Side),
		Kind:          domain.OrderKind(r.Kind),
		StrategyTag:   r.StrategyTag,
		State:         domain.OrderState(r.State),
		Reason:        r.Reason,
		Liquidating:   r.Liquidating,
		BrokerOrderID: r.BrokerOrderID,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	var err error
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&o.Quantity, r.Quantity},
		{&o.StopLossDistance, r.StopLossDistance},
		{&o.FilledQuantity, r.FilledQuantity},
		{&o.AverageFillPrice, r.AverageFillPrice},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return domain.Order{}, fmt.Errorf("order %s: %w: %w", r.ID, domain.ErrDataFormat, err)
		}
	}
	if r.LimitPrice != nil {
		d, err := decimal.NewFromString(*r.LimitPrice)
		if err != nil {
			return domain.Order{}, fmt.Errorf("order %s: limit price: %w: %w", r.ID, domain.ErrDataFormat, err)
		}
		o.LimitPrice = decimal.NewNullDecimal(d)
	}
	if len(r.Fills) > 0 {
		if err := json.Unmarshal(r.Fills, &o.Fills); err != nil {
			return domain.Order{}, fmt.Errorf("order %s: fills: %w: %w", r.ID, domain.ErrDataFormat, err)
		}
		if len(o.Fills) == 0 {
			o.Fills = nil
		}
	}
	return o, nil
}

var (
	_ domain.OrderStore        = (*OrderStore)(nil)
	_ domain.OrderArchiveStore = (*OrderStore)(nil)
)
