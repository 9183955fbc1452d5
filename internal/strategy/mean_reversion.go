package strategy

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

const (
	defaultStdDevThreshold = 2.0
	defaultLookbackWindow  = 5 * time.Minute
	defaultMinSamples      = 20
	defaultSignalCooldown  = time.Minute
)

// MeanReversion buys when the mid price is significantly below the recent
// mean and exits a held position when it is significantly above.
// "Significantly" is measured in multiples of the trailing standard
// deviation (the std_dev_threshold parameter).
type MeanReversion struct {
	cfg        Config
	tracker    *PriceTracker
	threshold  float64
	minSamples int
	cooldown   time.Duration
	lastSignal map[string]time.Time
	logger     *slog.Logger
}

// NewMeanReversion creates a MeanReversion strategy. The following keys are
// read from cfg.Params:
//
//   - "lookback_window" (duration string): PriceTracker window. Defaults to 5m.
//   - "std_dev_threshold" (float): deviations from the mean before a signal
//     is emitted. Defaults to 2.0.
//   - "min_samples" (int): observations required before trading. Defaults to 20.
//   - "cooldown" (duration string): minimum time between signals per symbol.
//     Defaults to 1m.
func NewMeanReversion(cfg Config, logger *slog.Logger) *MeanReversion {
	return &MeanReversion{
		cfg:        cfg,
		tracker:    NewPriceTracker(cfg.paramDuration("lookback_window", defaultLookbackWindow)),
		threshold:  cfg.paramFloat("std_dev_threshold", defaultStdDevThreshold),
		minSamples: cfg.paramInt("min_samples", defaultMinSamples),
		cooldown:   cfg.paramDuration("cooldown", defaultSignalCooldown),
		lastSignal: make(map[string]time.Time),
		logger:     logger.With(slog.String("strategy", "mean_reversion")),
	}
}

// Name returns the strategy identifier.
func (mr *MeanReversion) Name() string { return "mean_reversion" }

// GenerateSignals tracks each quote's mid and proposes an entry or exit when
// it deviates far enough from the trailing mean.
func (mr *MeanReversion) GenerateSignals(quotes []domain.Quote, portfolio domain.PortfolioSnapshot) []domain.ProposedOrder {
	var out []domain.ProposedOrder
	for _, q := range quotes {
		if !mr.cfg.wants(q.Symbol) {
			continue
		}
		mid, _ := q.Mid().Float64()
		if mid <= 0 {
			continue
		}
		ts := q.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		mr.tracker.Track(q.Symbol, mid, ts)
		if mr.tracker.Len(q.Symbol) < mr.minSamples {
			continue
		}
		avg, vol := mr.tracker.Stats(q.Symbol)
		if vol == 0 || avg == 0 {
			continue
		}
		if last, ok := mr.lastSignal[q.Symbol]; ok && ts.Sub(last) < mr.cooldown {
			continue
		}

		deviation := (mid - avg) / vol
		pos, held := portfolio.Position(q.Symbol)
		var p domain.ProposedOrder
		switch {
		// Price significantly below mean: BUY.
		case deviation <= -mr.threshold:
			p = domain.ProposedOrder{
				Side:     domain.OrderSideBuy,
				Quantity: mr.cfg.Quantity,
				Reason:   fmt.Sprintf("mean reversion buy: mid=%.6f avg=%.6f dev=%.2f sigma", mid, avg, deviation),
			}
		// Price significantly above mean: exit the long.
		case deviation >= mr.threshold && held && pos.Quantity.IsPositive():
			p = domain.ProposedOrder{
				Side:   domain.OrderSideSell,
				Reason: fmt.Sprintf("mean reversion exit: mid=%.6f avg=%.6f dev=%.2f sigma", mid, avg, deviation),
			}
		default:
			continue
		}
		p.Symbol = q.Symbol
		p.Kind = domain.OrderKindMarket
		p.StopLossDistance = mr.cfg.StopLoss
		p.StrategyTag = mr.Name()
		p.DedupKey = fmt.Sprintf("%s:%s:%s", mr.Name(), p.Side, q.Symbol)
		out = append(out, p)
		mr.lastSignal[q.Symbol] = ts

		mr.logger.Info("mean reversion signal",
			slog.String("symbol", q.Symbol),
			slog.String("side", string(p.Side)),
			slog.Float64("mid", mid),
			slog.Float64("avg", avg),
			slog.Float64("deviation", deviation),
		)
	}
	return out
}
