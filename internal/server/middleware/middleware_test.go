package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuth(t *testing.T) {
	h := Auth("secret", "/api/health")(okHandler())

	cases := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"missing", "/api/orders", nil, http.StatusUnauthorized},
		{"bearer", "/api/orders", map[string]string{"Authorization": "Bearer secret"}, http.StatusOK},
		{"api key", "/api/orders", map[string]string{"X-API-Key": "secret"}, http.StatusOK},
		{"wrong", "/api/orders", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"public", "/api/health", nil, http.StatusOK},
		{"query token", "/ws?token=secret", nil, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestAuthDisabledWithoutKey(t *testing.T) {
	rec := httptest.NewRecorder()
	Auth("")(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/orders", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://ops.example.com"})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/api/orders", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimitPerClient(t *testing.T) {
	h := RateLimit(1, 2)(okHandler())
	hit := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
		req.Header.Set("X-Forwarded-For", ip+", 10.0.0.1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, hit("1.1.1.1"))
	assert.Equal(t, http.StatusOK, hit("1.1.1.1"))
	assert.Equal(t, http.StatusTooManyRequests, hit("1.1.1.1"))
	assert.Equal(t, http.StatusOK, hit("2.2.2.2"), "other clients have their own bucket")
}

func TestClientLimitersEvictIdle(t *testing.T) {
	now := time.Now()
	c := newClientLimiters(1, 1)
	c.now = func() time.Time { return now }
	require.True(t, c.allow("a"))

	now = now.Add(2 * idleClientTTL)
	require.True(t, c.allow("b"))
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.NotContains(t, c.clients, "a")
	assert.Contains(t, c.clients, "b")
}

func TestLoggingReportsRoute(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("GET /api/orders/{id}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	var gotRoute string
	var gotStatus int
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Logging(logger, func(method, route string, status int, d time.Duration) {
		gotRoute, gotStatus = route, status
	})(mux)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders/abc", nil))
	assert.Equal(t, "GET /api/orders/{id}", gotRoute)
	assert.Equal(t, http.StatusNotFound, gotStatus)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Equal(t, "unmatched", gotRoute)
}
