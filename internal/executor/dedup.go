package executor

import (
	"sync"
	"time"
)

// Dedup suppresses repeated proposals carrying the same dedup key within a
// time-to-live window. It is safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // dedup key -> first seen
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
}

// NewDedup creates a Dedup that treats a key as a repeat for ttl after it
// was first accepted.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Seen reports whether key was accepted within the TTL. An unseen or
// expired key is recorded and false is returned. The empty key is never a
// repeat.
func (d *Dedup) Seen(key string) bool {
	if key == "" || d.ttl <= 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.seen[key]; ok && now.Sub(at) < d.ttl {
		return true
	}
	d.seen[key] = now
	return false
}

// Forget drops key so the next proposal with it is accepted. The executor
// calls it when the order never reached the broker.
func (d *Dedup) Forget(key string) {
	if key == "" {
		return
	}
	d.mu.Lock()
	delete(d.seen, key)
	d.mu.Unlock()
}

// Cleanup removes expired entries. Run calls it periodically.
func (d *Dedup) Cleanup() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	n := 0
	for key, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
