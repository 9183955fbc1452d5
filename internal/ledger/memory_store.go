package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// MemoryStore is a process-local domain.OrderStore, used when no database
// is configured and in tests.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]domain.Order)}
}

// Save upserts o.
func (s *MemoryStore) Save(ctx context.Context, o domain.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o.Clone()
	return nil
}

// Load returns the order with id.
func (s *MemoryStore) Load(_ context.Context, id string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, fmt.Errorf("memory store: %s: %w", id, domain.ErrOrderNotFound)
	}
	return o.Clone(), nil
}

// ListOpen returns non-terminal orders, oldest first.
func (s *MemoryStore) ListOpen(_ context.Context) ([]domain.Order, error) {
	return s.list(func(o domain.Order) bool { return !o.State.Terminal() }), nil
}

// ListTerminalBefore returns terminal orders last updated before before.
func (s *MemoryStore) ListTerminalBefore(_ context.Context, before time.Time) ([]domain.Order, error) {
	return s.list(func(o domain.Order) bool {
		return o.State.Terminal() && o.UpdatedAt.Before(before)
	}), nil
}

// DeleteTerminalBefore removes what ListTerminalBefore would return.
func (s *MemoryStore) DeleteTerminalBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, o := range s.orders {
		if o.State.Terminal() && o.UpdatedAt.Before(before) {
			delete(s.orders, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) list(keep func(domain.Order) bool) []domain.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Order
	for _, o := range s.orders {
		if keep(o) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

var (
	_ domain.OrderStore        = (*MemoryStore)(nil)
	_ domain.OrderArchiveStore = (*MemoryStore)(nil)
)
