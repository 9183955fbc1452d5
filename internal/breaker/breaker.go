// Package breaker isolates failing broker endpoints behind per-endpoint
// circuit breakers built on gobreaker. Tripping is decided by a sliding
// window of failures rather than gobreaker's interval counters.
package breaker

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// Settings configures every breaker produced by a Set.
type Settings struct {
	// FailureThreshold failures within FailureWindow open the circuit.
	FailureThreshold int
	FailureWindow    time.Duration
	// RecoveryTimeout is how long the circuit stays open before a single
	// half-open probe is allowed.
	RecoveryTimeout time.Duration
	// IsFailure decides whether an error counts toward tripping. Nil means
	// domain.Retryable: transport errors, 5xx and 429 count; 4xx do not.
	IsFailure func(error) bool
	// OnStateChange is invoked synchronously on every transition and must
	// not call back into the breaker.
	OnStateChange func(name string, from, to domain.BreakerState)
}

// DefaultSettings returns a 5-failures-per-minute breaker with a 30s
// recovery timeout.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		FailureWindow:    time.Minute,
		RecoveryTimeout:  30 * time.Second,
	}
}

// Breaker guards a single endpoint.
type Breaker struct {
	name      string
	cb        *gobreaker.CircuitBreaker
	failures  *window
	isFailure func(error) bool

	mu       sync.Mutex
	openedAt time.Time
}

// New builds a breaker named name.
func New(name string, st Settings, logger *slog.Logger) *Breaker {
	if st.FailureThreshold <= 0 {
		st.FailureThreshold = DefaultSettings().FailureThreshold
	}
	if st.FailureWindow <= 0 {
		st.FailureWindow = DefaultSettings().FailureWindow
	}
	if st.IsFailure == nil {
		st.IsFailure = domain.Retryable
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := &Breaker{
		name:      name,
		failures:  newWindow(st.FailureWindow),
		isFailure: st.IsFailure,
	}
	threshold := st.FailureThreshold
	log := logger.With(slog.String("component", "breaker"), slog.String("endpoint", name))

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     st.RecoveryTimeout,
		IsSuccessful: func(err error) bool {
			if err == nil || !b.isFailure(err) {
				return true
			}
			b.failures.record(time.Now())
			return false
		},
		ReadyToTrip: func(gobreaker.Counts) bool {
			return b.failures.count(time.Now()) >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			switch to {
			case gobreaker.StateOpen:
				b.mu.Lock()
				b.openedAt = time.Now()
				b.mu.Unlock()
			case gobreaker.StateClosed:
				b.failures.reset()
			}
			log.Warn("circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			if st.OnStateChange != nil {
				st.OnStateChange(name, toDomain(from), toDomain(to))
			}
		},
	})
	return b
}

// Name returns the endpoint name.
func (b *Breaker) Name() string { return b.name }

// Call runs fn unless the circuit is open. While open, or while the single
// half-open probe is in flight, it returns domain.ErrCircuitOpen without
// invoking fn. Otherwise fn's error is returned unchanged.
func (b *Breaker) Call(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &domain.APIError{Kind: domain.ErrCircuitOpen, Message: b.name}
	}
	return err
}

// State reports a point-in-time view of the breaker.
func (b *Breaker) State() domain.CircuitState {
	s := domain.CircuitState{
		Name:         b.name,
		State:        toDomain(b.cb.State()),
		FailureCount: b.failures.count(time.Now()),
		LastFailure:  b.failures.last(),
	}
	if s.State != domain.BreakerClosed {
		b.mu.Lock()
		s.OpenedAt = b.openedAt
		b.mu.Unlock()
	}
	return s
}

func toDomain(s gobreaker.State) domain.BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return domain.BreakerOpen
	case gobreaker.StateHalfOpen:
		return domain.BreakerHalfOpen
	default:
		return domain.BreakerClosed
	}
}

// ---- Set ----

// Set lazily creates one breaker per endpoint name, all sharing Settings.
type Set struct {
	settings Settings
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewSet returns an empty Set.
func NewSet(st Settings, logger *slog.Logger) *Set {
	return &Set{settings: st, logger: logger, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it on first use.
func (s *Set) Get(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[name]
	if !ok {
		b = New(name, s.settings, s.logger)
		s.breakers[name] = b
	}
	return b
}

// States reports every breaker created so far, sorted by name.
func (s *Set) States() []domain.CircuitState {
	s.mu.Lock()
	list := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		list = append(list, b)
	}
	s.mu.Unlock()

	out := make([]domain.CircuitState, 0, len(list))
	for _, b := range list {
		out = append(out, b.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
