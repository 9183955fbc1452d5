package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

const defaultBatchWindow = 250 * time.Millisecond

// MarkUpdater records the latest quote as a symbol's mark.
type MarkUpdater interface {
	UpdateQuote(q domain.Quote)
}

// QuotePoller fetches quotes over REST when no stream is available.
type QuotePoller interface {
	BestBidAsk(ctx context.Context, symbols ...string) ([]domain.Quote, error)
}

// QuoteSink receives one batch of quotes, at most one per symbol. Sinks
// must not block.
type QuoteSink func(quotes []domain.Quote)

// QuoteStats counts what the service has handled.
type QuoteStats struct {
	Quotes      int64     `json:"quotes"`
	Batches     int64     `json:"batches"`
	CacheErrors int64     `json:"cache_errors"`
	PollErrors  int64     `json:"poll_errors"`
	LastQuote   time.Time `json:"last_quote,omitzero"`
}

// QuoteService moves quotes from the market data feed (or the REST poller)
// into the portfolio marks, the shared quote cache and every sink: the
// strategy engine and the WebSocket hub.
type QuoteService struct {
	marks       MarkUpdater
	cache       domain.QuoteCache
	sinks       []QuoteSink
	batchWindow time.Duration
	logger      *slog.Logger

	quotes      atomic.Int64
	batches     atomic.Int64
	cacheErrors atomic.Int64
	pollErrors  atomic.Int64
	lastQuote   atomic.Int64
}

// NewQuoteService creates a QuoteService. cache may be nil. Quotes arriving
// within batchWindow of each other are delivered to sinks together.
func NewQuoteService(marks MarkUpdater, cache domain.QuoteCache, batchWindow time.Duration, logger *slog.Logger, sinks ...QuoteSink) *QuoteService {
	if batchWindow <= 0 {
		batchWindow = defaultBatchWindow
	}
	return &QuoteService{
		marks:       marks,
		cache:       cache,
		sinks:       sinks,
		batchWindow: batchWindow,
		logger:      logger.With(slog.String("component", "quote_service")),
	}
}

// Handle applies a batch: marks and cache see every quote, sinks see the
// newest quote per symbol.
func (s *QuoteService) Handle(ctx context.Context, quotes []domain.Quote) {
	if len(quotes) == 0 {
		return
	}
	latest := make(map[string]int, len(quotes))
	batch := make([]domain.Quote, 0, len(quotes))
	for _, q := range quotes {
		if s.marks != nil {
			s.marks.UpdateQuote(q)
		}
		if s.cache != nil {
			if err := s.cache.SetQuote(ctx, q); err != nil {
				s.cacheErrors.Add(1)
				s.logger.WarnContext(ctx, "quote cache write failed",
					slog.String("symbol", q.Symbol),
					slog.String("error", err.Error()),
				)
			}
		}
		if i, ok := latest[q.Symbol]; ok {
			batch[i] = q
			continue
		}
		latest[q.Symbol] = len(batch)
		batch = append(batch, q)
	}

	s.quotes.Add(int64(len(quotes)))
	s.batches.Add(1)
	s.lastQuote.Store(time.Now().UnixNano())
	for _, sink := range s.sinks {
		sink(batch)
	}
}

// Consume batches quotes from ch until ctx is cancelled or ch is closed.
func (s *QuoteService) Consume(ctx context.Context, ch <-chan domain.Quote) error {
	s.logger.InfoContext(ctx, "quote consumer started", slog.Duration("batch_window", s.batchWindow))
	ticker := time.NewTicker(s.batchWindow)
	defer ticker.Stop()

	var pending []domain.Quote
	for {
		select {
		case <-ctx.Done():
			s.Handle(context.WithoutCancel(ctx), pending)
			return ctx.Err()
		case q, ok := <-ch:
			if !ok {
				s.Handle(ctx, pending)
				return nil
			}
			pending = append(pending, q)
		case <-ticker.C:
			if len(pending) > 0 {
				s.Handle(ctx, pending)
				pending = nil
			}
		}
	}
}

// Poll fetches symbols from p every interval. Errors are logged and the
// next tick tries again; the gateway already retried the request.
func (s *QuoteService) Poll(ctx context.Context, p QuotePoller, symbols []string, interval time.Duration) error {
	if len(symbols) == 0 {
		return fmt.Errorf("service: poll quotes: no symbols")
	}
	if interval <= 0 {
		return fmt.Errorf("service: poll quotes: interval must be > 0")
	}
	s.logger.InfoContext(ctx, "quote poller started",
		slog.Any("symbols", symbols),
		slog.Duration("interval", interval),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.pollOnce(ctx, p, symbols)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *QuoteService) pollOnce(ctx context.Context, p QuotePoller, symbols []string) {
	quotes, err := p.BestBidAsk(ctx, symbols...)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.pollErrors.Add(1)
		s.logger.WarnContext(ctx, "quote poll failed", slog.String("error", err.Error()))
		return
	}
	s.Handle(ctx, quotes)
}

// Stats returns the running counters.
func (s *QuoteService) Stats() QuoteStats {
	st := QuoteStats{
		Quotes:      s.quotes.Load(),
		Batches:     s.batches.Load(),
		CacheErrors: s.cacheErrors.Load(),
		PollErrors:  s.pollErrors.Load(),
	}
	if ns := s.lastQuote.Load(); ns > 0 {
		st.LastQuote = time.Unix(0, ns).UTC()
	}
	return st
}
