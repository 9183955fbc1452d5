package portfolio

import (
	"math"
	"slices"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// CorrelationTracker keeps a rolling window of sampled log returns per
// symbol and reports their pairwise Pearson correlation. Samples are taken
// on a common clock so series stay aligned; a symbol whose price did not move
// between samples contributes a zero return.
type CorrelationTracker struct {
	mu         sync.Mutex
	window     int
	minSamples int
	last       map[string]float64
	returns    map[string][]float64
}

// NewCorrelationTracker keeps window returns per symbol. Correlations are
// only reported once minSamples overlapping returns exist.
func NewCorrelationTracker(window, minSamples int) *CorrelationTracker {
	if window < 2 {
		window = 2
	}
	if minSamples < 2 {
		minSamples = 2
	}
	if minSamples > window {
		minSamples = window
	}
	return &CorrelationTracker{
		window:     window,
		minSamples: minSamples,
		last:       make(map[string]float64),
		returns:    make(map[string][]float64),
	}
}

// Observe records one sample of prices. Symbols seen for the first time
// start their series at this sample.
func (c *CorrelationTracker) Observe(prices map[string]decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for sym, d := range prices {
		p, _ := d.Float64()
		if p <= 0 {
			continue
		}
		prev, ok := c.last[sym]
		c.last[sym] = p
		if !ok {
			continue
		}
		series := append(c.returns[sym], math.Log(p/prev))
		if len(series) > c.window {
			series = series[len(series)-c.window:]
		}
		c.returns[sym] = series
	}
	// Symbols missing from this sample are carried forward unchanged.
	for sym := range c.last {
		if _, ok := prices[sym]; ok {
			continue
		}
		series := append(c.returns[sym], 0)
		if len(series) > c.window {
			series = series[len(series)-c.window:]
		}
		c.returns[sym] = series
	}
}

// Correlation returns the correlation of a and b over their overlapping
// tail, and false when there is not enough data or either series is flat.
func (c *CorrelationTracker) Correlation(a, b string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.correlation(a, b)
}

// Matrix returns correlations for every known pair among symbols.
func (c *CorrelationTracker) Matrix(symbols []string) map[domain.SymbolPair]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	syms := slices.Clone(symbols)
	slices.Sort(syms)
	syms = slices.Compact(syms)
	out := make(map[domain.SymbolPair]float64)
	for i := range syms {
		for j := i + 1; j < len(syms); j++ {
			if v, ok := c.correlation(syms[i], syms[j]); ok {
				out[domain.NewSymbolPair(syms[i], syms[j])] = v
			}
		}
	}
	return out
}

func (c *CorrelationTracker) correlation(a, b string) (float64, bool) {
	ra, rb := c.returns[a], c.returns[b]
	n := min(len(ra), len(rb))
	if n < c.minSamples {
		return 0, false
	}
	return pearson(ra[len(ra)-n:], rb[len(rb)-n:])
}

func pearson(x, y []float64) (float64, bool) {
	n := float64(len(x))
	var sx, sy float64
	for i := range x {
		sx += x[i]
		sy += y[i]
	}
	mx, my := sx/n, sy/n

	var cov, vx, vy float64
	for i := range x {
		dx, dy := x[i]-mx, y[i]-my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx == 0 || vy == 0 {
		return 0, false
	}
	r := cov / math.Sqrt(vx*vy)
	return math.Max(-1, math.Min(1, r)), true
}
