// Package http provides net/http middleware that enforces rate limits
// and quotas on incoming requests.
package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/inkwellhq/ratekeeper/pkg/ratekeeper"
)

// UserIDExtractor extracts the authenticated user ID from an HTTP request.
// Return empty string if the caller is anonymous; anonymous requests are
// limited by client address instead.
type UserIDExtractor func(r *http.Request) string

// IPExtractor extracts the client address from an HTTP request.
type IPExtractor func(r *http.Request) string

// Config holds middleware configuration.
type Config struct {
	// Service runs the admission checks (required).
	Service *ratekeeper.Service

	// GetUserID extracts the user ID from the request.
	// If nil, every request is treated as anonymous.
	GetUserID UserIDExtractor

	// GetSourceIP extracts the client address from the request.
	// If nil, defaults to RemoteIP.
	GetSourceIP IPExtractor

	// OnDenied is called when a request is rejected. The rate limit
	// headers are already set on the response.
	// If nil, writes a JSON error: 403 for blacklisted addresses,
	// 429 for everything else.
	OnDenied func(w http.ResponseWriter, r *http.Request, res *ratekeeper.Result)
}

// Middleware creates an HTTP middleware that enforces rate limits and quotas.
func Middleware(config Config) func(http.Handler) http.Handler {
	// Set defaults
	if config.GetSourceIP == nil {
		config.GetSourceIP = RemoteIP()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := ratekeeper.CheckRequest{
				SourceIP:  config.GetSourceIP(r),
				Endpoint:  r.URL.Path,
				Method:    r.Method,
				UserAgent: r.UserAgent(),
			}
			if config.GetUserID != nil {
				req.UserID = config.GetUserID(r)
			}

			ctx := r.Context()
			res := config.Service.Check(ctx, req)
			for k, v := range res.Headers {
				w.Header().Set(k, v)
			}
			if !res.Allowed {
				deny(w, r, config, res)
				return
			}

			// Track the request so its concurrency slot is released even
			// if the handler panics.
			id := req.Identity()
			requestID := uuid.NewString()
			switch err := config.Service.Start(ctx, id, requestID); {
			case err == ratekeeper.ErrConcurrencyLimit:
				// A competing request took the last slot between Check
				// and Start.
				res = concurrencyDenied()
				for k, v := range res.Headers {
					w.Header().Set(k, v)
				}
				deny(w, r, config, res)
				return
			case err != nil:
				// Service closed: run the handler untracked.
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				config.Service.End(ctx, id, requestID, time.Since(start), rec.status)
			}()
			next.ServeHTTP(rec, r)
		})
	}
}

// HandlerFunc creates an HTTP middleware that enforces rate limits and
// quotas (HandlerFunc version).
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func deny(w http.ResponseWriter, r *http.Request, config Config, res *ratekeeper.Result) {
	if config.OnDenied != nil {
		config.OnDenied(w, r, res)
		return
	}
	WriteDenied(w, res)
}

// WriteDenied writes the default JSON denial response for a result:
// 403 for blacklisted addresses, 429 for everything else.
func WriteDenied(w http.ResponseWriter, res *ratekeeper.Result) {
	status := http.StatusTooManyRequests
	msg := "rate limit exceeded"
	switch {
	case res.Reason == ratekeeper.ReasonIPBlacklisted:
		status = http.StatusForbidden
		msg = "forbidden"
	case res.QuotaExceeded:
		msg = "quota exceeded"
	}

	body := map[string]interface{}{
		"error":  msg,
		"reason": res.Reason,
	}
	if res.RetryAfter > 0 {
		body["retry_after"] = res.RetryAfter.Seconds()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// concurrencyDenied mirrors the result the engine builds when the
// in-flight ceiling is hit during Check.
func concurrencyDenied() *ratekeeper.Result {
	return &ratekeeper.Result{
		Reason:     ratekeeper.ReasonConcurrencyLimit,
		RetryAfter: time.Second,
		Headers: map[string]string{
			ratekeeper.HeaderRetryAfter: "1",
		},
	}
}

// statusRecorder captures the status code the handler writes so the
// completion metric records the real outcome.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Common extractors for convenience

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "ratekeeper:userID"
)

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// FromContext returns a UserIDExtractor that gets the user ID from the
// request context. Pair it with WithUserID in the auth layer.
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets the user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// RemoteIP returns an IPExtractor that uses the connection's remote
// address with the port stripped.
func RemoteIP() IPExtractor {
	return func(r *http.Request) string {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		return host
	}
}

// ForwardedFor returns an IPExtractor for deployments behind a trusted
// proxy: first address in X-Forwarded-For, then X-Real-IP, then the
// remote address. Only use it when a proxy you control sets the headers;
// clients can forge them otherwise.
func ForwardedFor() IPExtractor {
	remote := RemoteIP()
	return func(r *http.Request) string {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if i := strings.IndexByte(fwd, ','); i >= 0 {
				fwd = fwd[:i]
			}
			return strings.TrimSpace(fwd)
		}
		if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
			return realIP
		}
		return remote(r)
	}
}
