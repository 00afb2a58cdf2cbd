package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mohammadhprp/nextlimit/internal/limiter"
	"go.uber.org/zap"
)

// Checker consumes one request for an identifier. *limiter.Limiter implements it.
type Checker interface {
	Limit(ctx context.Context, identifier string) (limiter.Result, error)
}

// KeyExtractor derives the rate limit identifier from a request.
type KeyExtractor func(*http.Request) string

// DenyHandler writes the response for a rejected request.
type DenyHandler func(w http.ResponseWriter, r *http.Request, res limiter.Result)

// Option configures RateLimitMiddleware.
type Option func(*config)

type config struct {
	onDeny DenyHandler
	now    func() time.Time
}

// WithDenyHandler replaces the default 429 response.
func WithDenyHandler(h DenyHandler) Option {
	return func(c *config) { c.onDeny = h }
}

// WithClock overrides the time source used for Retry-After.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// RateLimitMiddleware returns an HTTP middleware that applies rate limiting to requests.
//
// The identifier (client/user key) is extracted using the provided keyExtractor function.
// Every response carries X-RateLimit-Limit and X-RateLimit-Remaining. A rejected
// request gets Retry-After and a 429 Too Many Requests response. When the
// limiter returns an error (the throw policy) the request fails with 503.
//
// Example: Rate limit by IP address
//
//	mw := RateLimitMiddleware(lim, IPKeyExtractor, logger)
func RateLimitMiddleware(l Checker, keyExtractor KeyExtractor, logger *zap.Logger, opts ...Option) func(http.Handler) http.Handler {
	cfg := config{now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyExtractor(r)

			res, err := l.Limit(r.Context(), key)
			if err != nil {
				logger.Error("rate limiter check failed", zap.String("key", key), zap.Error(err))
				http.Error(w, "rate limiter unavailable", http.StatusServiceUnavailable)
				return
			}

			WriteHeaders(w, res, cfg.now())
			if res.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			logger.Debug("request rate limited", zap.String("key", key))
			if cfg.onDeny != nil {
				cfg.onDeny(w, r, res)
				return
			}
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		})
	}
}

// WriteHeaders sets the X-RateLimit-* headers, and Retry-After (whole seconds,
// rounded up) when the request was rejected and capacity frees up later.
func WriteHeaders(w http.ResponseWriter, res limiter.Result, now time.Time) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset, 10))

	if res.Allowed {
		return
	}
	if secs := RetryAfterSeconds(res, now); secs > 0 {
		h.Set("Retry-After", strconv.FormatInt(secs, 10))
	}
}

// RetryAfterSeconds is the wait until res.Reset in whole seconds, rounded up.
func RetryAfterSeconds(res limiter.Result, now time.Time) int64 {
	return int64(math.Ceil(res.RetryAfter(now).Seconds()))
}

// IPKeyExtractor extracts the client IP address from the request.
// It uses the first X-Forwarded-For entry (for proxied requests),
// then falls back to the host part of RemoteAddr.
func IPKeyExtractor(r *http.Request) string {
	if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
		first, _, _ := strings.Cut(forwardedFor, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// UserIDKeyExtractor returns a key extractor that uses a custom header for user identification.
// This is useful for authenticated APIs where you want to rate limit per user instead of IP.
func UserIDKeyExtractor(headerName string) KeyExtractor {
	return func(r *http.Request) string {
		if userID := r.Header.Get(headerName); userID != "" {
			return userID
		}
		// Fall back to IP if no user ID header
		return IPKeyExtractor(r)
	}
}

// PathKeyExtractor combines the client IP with the request path.
// This allows different rate limits for different endpoints.
func PathKeyExtractor(r *http.Request) string {
	return IPKeyExtractor(r) + ":" + r.URL.Path
}
