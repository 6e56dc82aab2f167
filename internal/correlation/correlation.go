// Package correlation carries a request correlation identifier through the
// context, request headers and response headers so log lines, OTel spans and
// profiler sessions of one request can be joined.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	// HeaderName is the canonical correlation identifier header.
	HeaderName = "X-Profilerxray-Correlation-ID"
	maxIDLen   = 128
)

// fallbackHeaders are accepted from upstream proxies, in priority order,
// when the canonical header is absent or invalid.
var fallbackHeaders = []string{
	"X-Request-ID",
	"X-Correlation-ID",
}

type contextKey struct{}

var correlationContextKey contextKey

// Middleware ensures every request carries a correlation identifier and
// echoes it on the response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, id := EnsureRequest(r)
		w.Header().Set(HeaderName, id)
		next.ServeHTTP(w, r)
	})
}

// EnsureRequest returns req with a correlation identifier in its context and
// canonical header, reusing an existing one when valid.
func EnsureRequest(req *http.Request) (*http.Request, string) {
	if req == nil {
		return nil, ""
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}

	id, ok := FromContext(req.Context())
	if !ok {
		id = FromHeaders(req.Header)
		if id == "" {
			id = NewID()
		}
		req = req.WithContext(WithContext(req.Context(), id))
	}
	req.Header.Set(HeaderName, id)
	return req, id
}

// WithContext stores id in ctx. Invalid identifiers leave ctx unchanged.
func WithContext(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if normalized := normalizeID(id); normalized != "" {
		return context.WithValue(ctx, correlationContextKey, normalized)
	}
	return ctx
}

// FromContext returns the correlation identifier stored in ctx.
func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, _ := ctx.Value(correlationContextKey).(string)
	if value == "" {
		return "", false
	}
	return value, true
}

// FromHeaders returns the first valid identifier among the canonical header
// and the fallback headers.
func FromHeaders(headers http.Header) string {
	if headers == nil {
		return ""
	}
	if id := normalizeID(headers.Get(HeaderName)); id != "" {
		return id
	}
	for _, header := range fallbackHeaders {
		if id := normalizeID(headers.Get(header)); id != "" {
			return id
		}
	}
	return ""
}

// NewID returns a fresh correlation identifier.
func NewID() string {
	return "corr-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func normalizeID(raw string) string {
	value := strings.TrimSpace(raw)
	if len(value) > maxIDLen {
		value = value[:maxIDLen]
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':':
		default:
			return ""
		}
	}
	return value
}
