package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// OrderStream is the Redis stream order events are appended to.
const OrderStream = "orders"

// EventStats counts recorder outcomes.
type EventStats struct {
	Recorded     int64 `json:"recorded"`
	StoreErrors  int64 `json:"store_errors"`
	StreamErrors int64 `json:"stream_errors"`
}

// EventService records every order transition in the durable event history
// and on the shared event stream. Either sink may be nil.
type EventService struct {
	history domain.OrderEventStore
	stream  domain.EventStream
	timeout time.Duration
	logger  *slog.Logger

	recorded     atomic.Int64
	storeErrors  atomic.Int64
	streamErrors atomic.Int64
}

// NewEventService creates an EventService. Each write is bounded by timeout.
func NewEventService(history domain.OrderEventStore, stream domain.EventStream, timeout time.Duration, logger *slog.Logger) *EventService {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &EventService{
		history: history,
		stream:  stream,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "event_service")),
	}
}

// OnOrderEvent writes ev to both sinks. Failures are counted and logged;
// the ledger's own store remains the source of truth.
func (s *EventService) OnOrderEvent(ev domain.OrderEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	s.Record(ctx, ev)
}

// Record writes ev using ctx.
func (s *EventService) Record(ctx context.Context, ev domain.OrderEvent) {
	log := s.logger.With(
		slog.String("order_id", ev.Order.ID),
		slog.Uint64("seq", ev.Seq),
		slog.String("state", string(ev.Order.State)),
	)

	if s.history != nil {
		if err := s.history.Append(ctx, ev); err != nil {
			s.storeErrors.Add(1)
			log.WarnContext(ctx, "order event history append failed", slog.String("error", err.Error()))
		}
	}

	if s.stream != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			s.streamErrors.Add(1)
			log.ErrorContext(ctx, "order event encode failed", slog.String("error", err.Error()))
		} else if err := s.stream.StreamAppend(ctx, OrderStream, payload); err != nil {
			s.streamErrors.Add(1)
			log.WarnContext(ctx, "order event stream append failed", slog.String("error", err.Error()))
		}
	}

	s.recorded.Add(1)
}

// Stats returns the running counters.
func (s *EventService) Stats() EventStats {
	return EventStats{
		Recorded:     s.recorded.Load(),
		StoreErrors:  s.storeErrors.Load(),
		StreamErrors: s.streamErrors.Load(),
	}
}
