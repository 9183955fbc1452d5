// Package service holds the glue between the broker client, the portfolio
// tracker and the event sinks: quote fan-out, position sync from broker
// balances and the order event recorder.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradegate/internal/domain"
	"github.com/alanyoungcy/tradegate/internal/platform/robinhood"
)

// AccountReader is the subset of the broker client used to read balances.
type AccountReader interface {
	Account(ctx context.Context) (robinhood.Account, error)
	Holdings(ctx context.Context, assetCodes ...string) ([]robinhood.Holding, error)
	BestBidAsk(ctx context.Context, symbols ...string) ([]domain.Quote, error)
}

// PortfolioSeeder accepts broker balances and marks.
type PortfolioSeeder interface {
	Seed(cash decimal.Decimal, positions []domain.Position)
	UpdateQuote(q domain.Quote)
}

// SyncResult summarises one position sync.
type SyncResult struct {
	AccountNumber string          `json:"account_number"`
	AccountStatus string          `json:"account_status"`
	Cash          decimal.Decimal `json:"cash"`
	Positions     int             `json:"positions"`
	Unpriced      []string        `json:"unpriced,omitempty"`
}

// PositionService seeds the portfolio tracker from the broker account.
type PositionService struct {
	broker     AccountReader
	portfolio  PortfolioSeeder
	riskWeight decimal.Decimal
	logger     *slog.Logger
}

// NewPositionService creates a PositionService. Holdings found at startup
// carry riskWeight as their stop-loss fraction since the broker does not
// report one.
func NewPositionService(broker AccountReader, portfolio PortfolioSeeder, riskWeight decimal.Decimal, logger *slog.Logger) *PositionService {
	return &PositionService{
		broker:     broker,
		portfolio:  portfolio,
		riskWeight: riskWeight,
		logger:     logger.With(slog.String("component", "position_service")),
	}
}

// Sync reads buying power and holdings and seeds the portfolio with them.
// Holdings are entered at the current mark; the broker does not report a
// cost basis, so unrealized P&L starts at zero.
func (s *PositionService) Sync(ctx context.Context) (SyncResult, error) {
	acct, err := s.broker.Account(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("position_service: account: %w", err)
	}
	if strings.EqualFold(acct.Status, "deactivated") {
		return SyncResult{}, fmt.Errorf("position_service: account %s is deactivated", acct.AccountNumber)
	}
	if strings.EqualFold(acct.Status, "sell_only") {
		s.logger.WarnContext(ctx, "account is sell-only; buy orders will be rejected by the broker",
			slog.String("account", acct.AccountNumber),
		)
	}

	holdings, err := s.broker.Holdings(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("position_service: holdings: %w", err)
	}

	held := make([]robinhood.Holding, 0, len(holdings))
	symbols := make([]string, 0, len(holdings))
	for _, h := range holdings {
		if !h.TotalQuantity.IsPositive() || strings.EqualFold(h.AssetCode, "USD") {
			continue
		}
		held = append(held, h)
		symbols = append(symbols, h.Symbol())
	}

	marks := make(map[string]domain.Quote, len(symbols))
	if len(symbols) > 0 {
		quotes, err := s.broker.BestBidAsk(ctx, symbols...)
		if err != nil {
			return SyncResult{}, fmt.Errorf("position_service: quotes: %w", err)
		}
		for _, q := range quotes {
			marks[q.Symbol] = q
		}
	}

	res := SyncResult{
		AccountNumber: acct.AccountNumber,
		AccountStatus: acct.Status,
		Cash:          acct.BuyingPower,
	}
	positions := make([]domain.Position, 0, len(held))
	for _, h := range held {
		sym := h.Symbol()
		pos := domain.Position{
			Symbol:     sym,
			Quantity:   h.TotalQuantity,
			RiskWeight: s.riskWeight,
		}
		if q, ok := marks[sym]; ok && q.Mid().IsPositive() {
			pos.AverageEntryPrice = q.Mid()
		} else {
			res.Unpriced = append(res.Unpriced, sym)
		}
		positions = append(positions, pos)
	}

	s.portfolio.Seed(acct.BuyingPower, positions)
	for _, q := range marks {
		s.portfolio.UpdateQuote(q)
	}
	res.Positions = len(positions)

	s.logger.InfoContext(ctx, "positions synced from broker",
		slog.String("account", acct.AccountNumber),
		slog.String("cash", acct.BuyingPower.String()),
		slog.Int("positions", res.Positions),
		slog.Any("unpriced", res.Unpriced),
	)
	return res, nil
}
