package breaker

import (
	"sync"
	"time"
)

// window is a sliding window of failure timestamps. Unlike a counter reset on
// an interval, a failure leaves the window exactly span after it happened.
type window struct {
	mu       sync.Mutex
	span     time.Duration
	failures []time.Time
}

func newWindow(span time.Duration) *window {
	return &window{span: span}
}

// record appends a failure at t and prunes expired entries.
func (w *window) record(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(t)
	w.failures = append(w.failures, t)
}

// count returns the number of failures within span of now.
func (w *window) count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	return len(w.failures)
}

// last returns the most recent failure, or the zero time.
func (w *window) last() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.failures) == 0 {
		return time.Time{}
	}
	return w.failures[len(w.failures)-1]
}

func (w *window) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures = w.failures[:0]
}

// prune drops failures older than span. Caller holds mu.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.failures) && !w.failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.failures = append(w.failures[:0], w.failures[i:]...)
	}
}
