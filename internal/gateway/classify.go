package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// classify maps an HTTP response onto the error taxonomy. A nil return means
// the response is a usable 2xx with an empty or valid JSON body.
func classify(status int, header http.Header, body []byte, now time.Time) error {
	switch {
	case status >= 200 && status < 300:
		if len(strings.TrimSpace(string(body))) > 0 && !json.Valid(body) {
			return &domain.APIError{
				Kind:    domain.ErrDataFormat,
				Status:  status,
				Message: "response body is not valid JSON",
			}
		}
		return nil

	case status == http.StatusUnauthorized:
		msg := brokerMessage(body)
		kind := domain.ErrAuthentication
		if staleTimestamp(msg) {
			kind = domain.ErrSignatureExpired
		}
		return &domain.APIError{Kind: kind, Status: status, Message: msg}

	case status == http.StatusTooManyRequests:
		return &domain.APIError{
			Kind:       domain.ErrRateLimitExceeded,
			Status:     status,
			Message:    brokerMessage(body),
			RetryAfter: parseRetryAfter(header.Get("Retry-After"), now),
		}

	case status >= 500:
		return &domain.APIError{
			Kind:       domain.ErrTransientServer,
			Status:     status,
			Message:    brokerMessage(body),
			RetryAfter: parseRetryAfter(header.Get("Retry-After"), now),
		}

	default:
		return &domain.APIError{Kind: domain.ErrBrokerRejected, Status: status, Message: brokerMessage(body)}
	}
}

// staleTimestamp reports whether a 401 message blames the signing timestamp
// rather than the credentials.
func staleTimestamp(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "timestamp") || strings.Contains(m, "expired signature") ||
		strings.Contains(m, "signature expired")
}

// brokerMessage extracts a human-readable message from an error body. The
// broker uses several shapes; anything unrecognised is returned truncated.
func brokerMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Detail  string `json:"detail"`
		Errors  []struct {
			Detail string `json:"detail"`
			Attr   string `json:"attr"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		switch {
		case payload.Message != "":
			return payload.Message
		case payload.Error != "":
			return payload.Error
		case payload.Detail != "":
			return payload.Detail
		case len(payload.Errors) > 0:
			parts := make([]string, 0, len(payload.Errors))
			for _, e := range payload.Errors {
				if e.Attr != "" {
					parts = append(parts, e.Attr+": "+e.Detail)
				} else {
					parts = append(parts, e.Detail)
				}
			}
			return strings.Join(parts, "; ")
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
