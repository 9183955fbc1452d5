package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// Sources are read at scrape time. Nil funcs are skipped.
type Sources struct {
	Orders    func() map[domain.OrderState]int
	Buckets   func() []domain.RateBucket
	Breakers  func() []domain.CircuitState
	PoolInUse func() int64
	Portfolio func() domain.PortfolioSnapshot
	// Proposals reports executor outcome counters keyed by outcome.
	Proposals func() map[string]int64
}

var (
	ordersDesc    = desc("orders", "Ledger orders by state.", "state")
	tokensDesc    = desc("ratelimit_tokens", "Tokens currently available.", "class")
	capacityDesc  = desc("ratelimit_capacity", "Bucket capacity.", "class")
	breakerDesc   = desc("breaker_state", "1 for the current state of each endpoint breaker.", "endpoint", "state")
	failuresDesc  = desc("breaker_failures", "Failures in the current breaker window.", "endpoint")
	poolDesc      = desc("pool_in_use", "Broker connections in use.")
	equityDesc    = desc("portfolio_equity", "Mark-to-market equity.")
	peakDesc      = desc("portfolio_peak_equity", "Highest equity seen.")
	positionDesc  = desc("position_quantity", "Held quantity per symbol.", "symbol")
	proposalsDesc = desc("executor_proposals", "Executor proposal outcomes since start.", "outcome")
)

var breakerStates = []domain.BreakerState{domain.BreakerClosed, domain.BreakerOpen, domain.BreakerHalfOpen}

func desc(name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
}

type stateCollector struct {
	src Sources
}

// RegisterSources adds a collector reading src on every scrape.
func (m *Metrics) RegisterSources(src Sources) error {
	return m.registry.Register(stateCollector{src: src})
}

func (c stateCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		ordersDesc, tokensDesc, capacityDesc, breakerDesc, failuresDesc,
		poolDesc, equityDesc, peakDesc, positionDesc, proposalsDesc,
	} {
		ch <- d
	}
}

func (c stateCollector) Collect(ch chan<- prometheus.Metric) {
	if c.src.Orders != nil {
		counts := c.src.Orders()
		for _, s := range []domain.OrderState{
			domain.OrderStateCreated, domain.OrderStateValidated, domain.OrderStateSubmitted,
			domain.OrderStateAcknowledged, domain.OrderStatePartiallyFilled, domain.OrderStateFilled,
			domain.OrderStateCancelled, domain.OrderStateRejected, domain.OrderStateFailed,
		} {
			ch <- prometheus.MustNewConstMetric(ordersDesc, prometheus.GaugeValue, float64(counts[s]), string(s))
		}
	}
	if c.src.Buckets != nil {
		for _, b := range c.src.Buckets() {
			ch <- prometheus.MustNewConstMetric(tokensDesc, prometheus.GaugeValue, b.Tokens, b.Class)
			ch <- prometheus.MustNewConstMetric(capacityDesc, prometheus.GaugeValue, float64(b.Capacity), b.Class)
		}
	}
	if c.src.Breakers != nil {
		for _, b := range c.src.Breakers() {
			for _, s := range breakerStates {
				v := 0.0
				if b.State == s {
					v = 1
				}
				ch <- prometheus.MustNewConstMetric(breakerDesc, prometheus.GaugeValue, v, b.Name, string(s))
			}
			ch <- prometheus.MustNewConstMetric(failuresDesc, prometheus.GaugeValue, float64(b.FailureCount), b.Name)
		}
	}
	if c.src.PoolInUse != nil {
		ch <- prometheus.MustNewConstMetric(poolDesc, prometheus.GaugeValue, float64(c.src.PoolInUse()))
	}
	if c.src.Portfolio != nil {
		snap := c.src.Portfolio()
		ch <- prometheus.MustNewConstMetric(equityDesc, prometheus.GaugeValue, toFloat(snap.Equity))
		ch <- prometheus.MustNewConstMetric(peakDesc, prometheus.GaugeValue, toFloat(snap.PeakEquity))
		for sym, p := range snap.Positions {
			ch <- prometheus.MustNewConstMetric(positionDesc, prometheus.GaugeValue, toFloat(p.Quantity), sym)
		}
	}
	if c.src.Proposals != nil {
		for outcome, n := range c.src.Proposals() {
			ch <- prometheus.MustNewConstMetric(proposalsDesc, prometheus.GaugeValue, float64(n), outcome)
		}
	}
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
