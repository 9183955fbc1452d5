package strategy

import (
	"math"
	"sync"
	"time"
)

// PricePoint records a single price observation at a point in time.
type PricePoint struct {
	Price float64
	Time  time.Time
}

// PriceTracker maintains a sliding window of recent prices per symbol and
// exposes the statistics strategies rely on.
type PriceTracker struct {
	history    map[string][]PricePoint
	windowSize time.Duration
	mu         sync.RWMutex
}

// NewPriceTracker creates a PriceTracker. Points older than windowSize,
// relative to the newest observation, are discarded on every Track call.
func NewPriceTracker(windowSize time.Duration) *PriceTracker {
	return &PriceTracker{
		history:    make(map[string][]PricePoint),
		windowSize: windowSize,
	}
}

// Track records a new price observation for symbol.
func (pt *PriceTracker) Track(symbol string, price float64, ts time.Time) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.history[symbol] = append(pt.history[symbol], PricePoint{Price: price, Time: ts})
	pt.trim(symbol, ts)
}

// History returns a copy of the window for symbol.
func (pt *PriceTracker) History(symbol string) []PricePoint {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	src := pt.history[symbol]
	if len(src) == 0 {
		return nil
	}
	out := make([]PricePoint, len(src))
	copy(out, src)
	return out
}

// Len returns the number of points in the window.
func (pt *PriceTracker) Len(symbol string) int {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return len(pt.history[symbol])
}

// Stats returns the mean and population standard deviation of the window.
// The deviation is zero with fewer than two points.
func (pt *PriceTracker) Stats(symbol string) (mean, stddev float64) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	pts := pt.history[symbol]
	if len(pts) == 0 {
		return 0, 0
	}
	var sum float64
	for _, p := range pts {
		sum += p.Price
	}
	mean = sum / float64(len(pts))
	if len(pts) < 2 {
		return mean, 0
	}

	var variance float64
	for _, p := range pts {
		d := p.Price - mean
		variance += d * d
	}
	variance /= float64(len(pts))
	return mean, math.Sqrt(variance)
}

// trim removes all points older than windowSize relative to now.
// The caller must hold pt.mu.
func (pt *PriceTracker) trim(symbol string, now time.Time) {
	cutoff := now.Add(-pt.windowSize)
	pts := pt.history[symbol]

	i := 0
	for i < len(pts) && pts[i].Time.Before(cutoff) {
		i++
	}
	if i > 0 {
		pt.history[symbol] = pts[i:]
	}
}
