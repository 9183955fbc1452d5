package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// PoolConfig bounds concurrent broker connections.
type PoolConfig struct {
	MaxTotal       int
	MaxPerHost     int
	AcquireTimeout time.Duration
	IdleTimeout    time.Duration
	DialTimeout    time.Duration
}

// DefaultPoolConfig returns the pool sizing used when nothing is configured.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxTotal:       100,
		MaxPerHost:     30,
		AcquireTimeout: 5 * time.Second,
		IdleTimeout:    90 * time.Second,
		DialTimeout:    10 * time.Second,
	}
}

// NewTransport returns an http.Transport sized to cfg so the semaphores and
// the transport's own connection limits agree.
func NewTransport(cfg PoolConfig) *http.Transport {
	dialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.MaxTotal,
		MaxIdleConnsPerHost:   cfg.MaxPerHost,
		MaxConnsPerHost:       cfg.MaxPerHost,
		IdleConnTimeout:       cfg.IdleTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// Pool hands out connection slots. A slot is held for the duration of one
// HTTP attempt.
type Pool struct {
	cfg   PoolConfig
	total *semaphore.Weighted

	mu      sync.Mutex
	perHost map[string]*semaphore.Weighted

	inUse atomic.Int64
}

// NewPool builds a Pool from cfg, filling zero fields from the defaults.
func NewPool(cfg PoolConfig) *Pool {
	def := DefaultPoolConfig()
	if cfg.MaxTotal <= 0 {
		cfg.MaxTotal = def.MaxTotal
	}
	if cfg.MaxPerHost <= 0 {
		cfg.MaxPerHost = def.MaxPerHost
	}
	if cfg.MaxPerHost > cfg.MaxTotal {
		cfg.MaxPerHost = cfg.MaxTotal
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = def.AcquireTimeout
	}
	return &Pool{
		cfg:     cfg,
		total:   semaphore.NewWeighted(int64(cfg.MaxTotal)),
		perHost: make(map[string]*semaphore.Weighted),
	}
}

// Acquire reserves a slot for host. It fails with domain.ErrPoolExhausted
// when no slot frees up within AcquireTimeout, or with ctx's error if ctx
// ends first. The returned release func must be called exactly once.
func (p *Pool) Acquire(ctx context.Context, host string) (func(), error) {
	acqCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	if err := p.total.Acquire(acqCtx, 1); err != nil {
		return nil, p.acquireErr(ctx, host, "total")
	}
	hostSem := p.hostSemaphore(host)
	if err := hostSem.Acquire(acqCtx, 1); err != nil {
		p.total.Release(1)
		return nil, p.acquireErr(ctx, host, "per-host")
	}
	p.inUse.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			p.inUse.Add(-1)
			hostSem.Release(1)
			p.total.Release(1)
		})
	}, nil
}

// InUse returns the number of slots currently held.
func (p *Pool) InUse() int64 { return p.inUse.Load() }

// Capacity returns the total number of slots.
func (p *Pool) Capacity() int { return p.cfg.MaxTotal }

func (p *Pool) hostSemaphore(host string) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.perHost[host]
	if !ok {
		s = semaphore.NewWeighted(int64(p.cfg.MaxPerHost))
		p.perHost[host] = s
	}
	return s
}

func (p *Pool) acquireErr(ctx context.Context, host, limit string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return &domain.APIError{
		Kind:    domain.ErrPoolExhausted,
		Message: fmt.Sprintf("%s limit reached for %s after %s", limit, host, p.cfg.AcquireTimeout),
	}
}
