// Package gateway is the single path every broker REST call takes. Each
// attempt draws a rate-limit token, holds a pool slot, is freshly signed and
// runs inside the endpoint's circuit breaker; failures are classified into
// the domain error taxonomy and transient ones are retried with backoff.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/tradegate/internal/breaker"
	"github.com/alanyoungcy/tradegate/internal/domain"
)

const maxResponseBytes = 8 << 20

// Limiter admits requests per class.
type Limiter interface {
	Acquire(ctx context.Context, class domain.RequestClass) error
}

// Limiters acquires from each limiter in order.
type Limiters []Limiter

// Acquire implements Limiter.
func (ls Limiters) Acquire(ctx context.Context, class domain.RequestClass) error {
	for _, l := range ls {
		if err := l.Acquire(ctx, class); err != nil {
			return err
		}
	}
	return nil
}

// Signer produces the authentication headers for one attempt. It is called
// again on every attempt so the timestamp is always fresh.
type Signer interface {
	Sign(method, path string, body []byte) (map[string]string, error)
}

// Authenticator refreshes credentials after the broker rejects them.
type Authenticator interface {
	Refresh(ctx context.Context) error
}

// Recorder receives per-attempt telemetry.
type Recorder interface {
	ObserveAttempt(class domain.RequestClass, endpoint, outcome string, d time.Duration)
	ObserveRetry(class domain.RequestClass, endpoint, reason string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveAttempt(domain.RequestClass, string, string, time.Duration) {}
func (nopRecorder) ObserveRetry(domain.RequestClass, string, string) {}

// Config holds the transport settings.
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
	UserAgent      string
	Pool           PoolConfig
	Retry          RetryPolicy
}

// Request describes one logical broker call. A logical call may span several
// HTTP attempts; Body is encoded once and reused for all of them.
type Request struct {
	Class  domain.RequestClass
	Method string
	Path   string
	Query  url.Values
	Body   any
	// IdempotencyKey is sent as the Idempotency-Key header on every attempt.
	IdempotencyKey string
	// Endpoint names the circuit breaker. Empty means the class name.
	Endpoint string
}

func (r Request) pathWithQuery() string {
	if len(r.Query) == 0 {
		return r.Path
	}
	return r.Path + "?" + r.Query.Encode()
}

func (r Request) endpoint() string {
	if r.Endpoint != "" {
		return r.Endpoint
	}
	return r.Class.String()
}

// Response is a successful broker reply.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Attempts int
}

// Gateway executes broker requests. It is safe for concurrent use.
type Gateway struct {
	baseURL   string
	host      string
	userAgent string
	client    *http.Client
	limiter   Limiter
	breakers  *breaker.Set
	pool      *Pool
	signer    Signer
	auth      Authenticator
	retry     RetryPolicy
	recorder  Recorder
	now       func() time.Time
	logger    *slog.Logger
}

// Option customises a Gateway.
type Option func(*Gateway)

// WithAuthenticator enables one credential refresh per request on 401.
func WithAuthenticator(a Authenticator) Option {
	return func(g *Gateway) { g.auth = a }
}

// WithRecorder attaches a telemetry sink.
func WithRecorder(r Recorder) Option {
	return func(g *Gateway) { g.recorder = r }
}

// WithHTTPClient replaces the pooled client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.client = c }
}

// New creates a Gateway against cfg.BaseURL.
func New(cfg Config, limiter Limiter, breakers *breaker.Set, signer Signer, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("gateway: invalid base url %q", cfg.BaseURL)
	}
	if limiter == nil || breakers == nil || signer == nil {
		return nil, fmt.Errorf("gateway: limiter, breakers and signer are required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "tradegate/1.0"
	}

	g := &Gateway{
		baseURL:   u.Scheme + "://" + u.Host,
		host:      u.Host,
		userAgent: cfg.UserAgent,
		client: &http.Client{
			Transport: NewTransport(withPoolDefaults(cfg.Pool)),
			Timeout:   cfg.RequestTimeout,
		},
		limiter:  limiter,
		breakers: breakers,
		pool:     NewPool(cfg.Pool),
		signer:   signer,
		retry:    cfg.Retry,
		recorder: nopRecorder{},
		now:      time.Now,
		logger:   logger.With(slog.String("component", "gateway")),
	}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

func withPoolDefaults(cfg PoolConfig) PoolConfig {
	def := DefaultPoolConfig()
	if cfg.MaxTotal <= 0 {
		cfg.MaxTotal = def.MaxTotal
	}
	if cfg.MaxPerHost <= 0 {
		cfg.MaxPerHost = def.MaxPerHost
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	return cfg
}

// Pool exposes the connection pool for status reporting.
func (g *Gateway) Pool() *Pool { return g.pool }

// Breakers exposes the endpoint breakers for status reporting.
func (g *Gateway) Breakers() *breaker.Set { return g.breakers }

// Execute runs req to completion. Errors are either a *domain.APIError, an
// error from the limiter, or the context's error.
func (g *Gateway) Execute(ctx context.Context, req Request) (*Response, error) {
	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, &domain.APIError{Kind: domain.ErrDataFormat, Message: "encode request body", Err: err}
	}

	var (
		attempts  int
		retries   int
		resigned  bool
		refreshed bool
		br        = g.breakers.Get(req.endpoint())
		log       = g.logger.With(
			slog.String("method", req.Method),
			slog.String("path", req.Path),
			slog.String("class", req.Class.String()),
		)
	)

	for {
		attempts++
		resp, err := g.attempt(ctx, req, br, body)
		if err == nil {
			resp.Attempts = attempts
			return resp, nil
		}

		var apiErr *domain.APIError
		if !errors.As(err, &apiErr) {
			return nil, err
		}
		apiErr.Attempts = attempts

		switch {
		case errors.Is(apiErr.Kind, domain.ErrSignatureExpired) && !resigned:
			resigned = true
			log.WarnContext(ctx, "signature rejected as stale, re-signing")
			g.recorder.ObserveRetry(req.Class, req.endpoint(), "signature_expired")
			continue

		case errors.Is(apiErr.Kind, domain.ErrAuthentication) && !refreshed && g.auth != nil:
			refreshed = true
			log.WarnContext(ctx, "authentication rejected, refreshing credentials")
			if rerr := g.auth.Refresh(ctx); rerr != nil {
				apiErr.Err = fmt.Errorf("refresh credentials: %w", rerr)
				return nil, apiErr
			}
			g.recorder.ObserveRetry(req.Class, req.endpoint(), "reauth")
			continue

		case retries < g.retry.MaxRetries && g.retry.retryable(apiErr):
			delay := g.retry.delay(retries, apiErr.RetryAfter)
			retries++
			log.WarnContext(ctx, "retrying broker request",
				slog.Int("attempt", attempts),
				slog.Int("status", apiErr.Status),
				slog.Duration("delay", delay),
				slog.String("error", apiErr.Error()),
			)
			g.recorder.ObserveRetry(req.Class, req.endpoint(), outcomeLabel(apiErr))
			if serr := g.retry.sleep(ctx, delay); serr != nil {
				return nil, serr
			}
			continue
		}
		return nil, apiErr
	}
}

// ExecuteJSON runs req and decodes a non-empty body into out.
func (g *Gateway) ExecuteJSON(ctx context.Context, req Request, out any) error {
	resp, err := g.Execute(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return &domain.APIError{
			Kind:     domain.ErrDataFormat,
			Status:   resp.Status,
			Message:  "decode response",
			Attempts: resp.Attempts,
			Err:      err,
		}
	}
	return nil
}

// ---- Internal methods ----

// attempt performs one HTTP exchange with all per-attempt guards.
func (g *Gateway) attempt(ctx context.Context, req Request, br *breaker.Breaker, body []byte) (*Response, error) {
	if err := g.limiter.Acquire(ctx, req.Class); err != nil {
		return nil, err
	}

	release, err := g.pool.Acquire(ctx, g.host)
	if err != nil {
		return nil, err
	}
	defer release()

	path := req.pathWithQuery()
	headers, err := g.signer.Sign(req.Method, path, body)
	if err != nil {
		return nil, &domain.APIError{Kind: domain.ErrAuthentication, Message: "sign request", Err: err}
	}

	start := g.now()
	var resp *Response
	err = br.Call(func() error {
		var callErr error
		resp, callErr = g.do(ctx, req, path, headers, body)
		return callErr
	})
	g.recorder.ObserveAttempt(req.Class, req.endpoint(), outcomeLabel(err), g.now().Sub(start))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (g *Gateway) do(ctx context.Context, req Request, path string, headers map[string]string, body []byte) (*Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, g.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("gateway: create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", g.userAgent)
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &domain.APIError{Kind: domain.ErrTransientServer, Message: "transport", Err: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &domain.APIError{Kind: domain.ErrTransientServer, Status: httpResp.StatusCode, Message: "read response", Err: err}
	}

	if err := classify(httpResp.StatusCode, httpResp.Header, respBody, g.now()); err != nil {
		return nil, err
	}
	return &Response{Status: httpResp.StatusCode, Header: httpResp.Header, Body: respBody}, nil
}

// encodeBody marshals v to compact JSON. Raw bytes are compacted as-is.
func encodeBody(v any) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		var buf bytes.Buffer
		if err := json.Compact(&buf, b); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case json.RawMessage:
		return encodeBody([]byte(b))
	default:
		return json.Marshal(v)
	}
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status != 0 {
			return strconv.Itoa(apiErr.Status)
		}
		switch {
		case errors.Is(apiErr.Kind, domain.ErrCircuitOpen):
			return "circuit_open"
		case errors.Is(apiErr.Kind, domain.ErrPoolExhausted):
			return "pool_exhausted"
		case errors.Is(apiErr.Kind, domain.ErrTransientServer):
			return "transport"
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "cancelled"
	}
	return "error"
}
