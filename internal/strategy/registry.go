package strategy

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrUnknownStrategy is returned for a name outside the built-in table.
var ErrUnknownStrategy = errors.New("unknown strategy")

// Factory builds a strategy from its configuration.
type Factory func(cfg Config, logger *slog.Logger) Strategy

// builtins is the closed table of strategies a config may name.
var builtins = map[string]Factory{
	"mean_reversion": func(cfg Config, logger *slog.Logger) Strategy { return NewMeanReversion(cfg, logger) },
	"market_maker":   func(cfg Config, logger *slog.Logger) Strategy { return NewMarketMaker(cfg, logger) },
}

// Available returns the built-in strategy names in sorted order.
func Available() []string {
	names := make([]string, 0, len(builtins))
	for n := range builtins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New builds the built-in strategy cfg.Name.
func New(cfg Config, logger *slog.Logger) (Strategy, error) {
	f, ok := builtins[cfg.Name]
	if !ok {
		return nil, fmt.Errorf("strategy %q: %w (available: %v)", cfg.Name, ErrUnknownStrategy, Available())
	}
	return f(cfg, logger), nil
}

// StrategyInfo holds runtime info for a registered strategy (for status APIs).
type StrategyInfo struct {
	Name        string     `json:"name"`
	Status      string     `json:"status"` // "pending", "running", "stopped"
	SignalsSent int64      `json:"signals_sent"`
	Dropped     int64      `json:"dropped_batches"`
	LastSignal  *time.Time `json:"last_signal,omitempty"`
}

// Registry manages a named collection of strategies that can be looked up at
// runtime. It is safe for concurrent use.
type Registry struct {
	strategies map[string]Strategy
	mu         sync.RWMutex
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
	}
}

// Build creates a registry holding one instance per config.
func Build(cfgs []Config, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry()
	for _, cfg := range cfgs {
		s, err := New(cfg, logger)
		if err != nil {
			return nil, err
		}
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds s under its name. Names must be unique.
func (r *Registry) Register(s Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.strategies[s.Name()]; ok {
		return fmt.Errorf("strategy %q: already registered", s.Name())
	}
	r.strategies[s.Name()] = s
	return nil
}

// Get retrieves a strategy by name.
func (r *Registry) Get(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("strategy %q: %w", name, ErrUnknownStrategy)
	}
	return s, nil
}

// List returns the names of all registered strategies in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.strategies))
	for n := range r.strategies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
