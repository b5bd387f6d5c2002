// Package gin provides Gin middleware that enforces rate limits and
// quotas on incoming requests.
package gin

import (
	"net/http"
	"time"

	gongin "github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/inkwellhq/ratekeeper/pkg/ratekeeper"
)

// UserIDExtractor extracts the authenticated user ID from a Gin context.
// Return empty string if the caller is anonymous; anonymous requests are
// limited by client address instead.
type UserIDExtractor func(c *gongin.Context) string

// IPExtractor extracts the client address from a Gin context.
type IPExtractor func(c *gongin.Context) string

// Config holds middleware configuration.
type Config struct {
	// Service runs the admission checks (required).
	Service *ratekeeper.Service

	// GetUserID extracts the user ID from the context.
	// If nil, every request is treated as anonymous.
	GetUserID UserIDExtractor

	// GetSourceIP extracts the client address.
	// If nil, defaults to ClientIP.
	GetSourceIP IPExtractor

	// OnDenied is called when a request is rejected. The rate limit
	// headers are already set on the response.
	// If nil, writes a JSON error: 403 for blacklisted addresses,
	// 429 for everything else.
	OnDenied func(c *gongin.Context, res *ratekeeper.Result)
}

// Middleware creates a Gin middleware that enforces rate limits and quotas.
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Service == nil {
		panic("ratekeeper/gin: Config.Service is required")
	}

	// Set defaults
	if cfg.GetSourceIP == nil {
		cfg.GetSourceIP = ClientIP()
	}

	return func(c *gongin.Context) {
		req := ratekeeper.CheckRequest{
			SourceIP:  cfg.GetSourceIP(c),
			Endpoint:  c.Request.URL.Path,
			Method:    c.Request.Method,
			UserAgent: c.Request.UserAgent(),
		}
		if cfg.GetUserID != nil {
			req.UserID = cfg.GetUserID(c)
		}

		ctx := c.Request.Context()
		res := cfg.Service.Check(ctx, req)
		for k, v := range res.Headers {
			c.Header(k, v)
		}
		if !res.Allowed {
			deny(c, cfg, res)
			return
		}

		// Track the request so its concurrency slot is released even if
		// the handler panics.
		id := req.Identity()
		requestID := uuid.NewString()
		switch err := cfg.Service.Start(ctx, id, requestID); {
		case err == ratekeeper.ErrConcurrencyLimit:
			// A competing request took the last slot between Check and
			// Start.
			res = concurrencyDenied()
			for k, v := range res.Headers {
				c.Header(k, v)
			}
			deny(c, cfg, res)
			return
		case err != nil:
			// Service closed: run the handler untracked.
			c.Next()
			return
		}

		start := time.Now()
		defer func() {
			cfg.Service.End(ctx, id, requestID, time.Since(start), c.Writer.Status())
		}()
		c.Next()
	}
}

func deny(c *gongin.Context, cfg Config, res *ratekeeper.Result) {
	if cfg.OnDenied != nil {
		cfg.OnDenied(c, res)
	} else {
		defaultDenied(c, res)
	}
	c.Abort()
}

func defaultDenied(c *gongin.Context, res *ratekeeper.Result) {
	status := http.StatusTooManyRequests
	msg := "rate limit exceeded"
	switch {
	case res.Reason == ratekeeper.ReasonIPBlacklisted:
		status = http.StatusForbidden
		msg = "forbidden"
	case res.QuotaExceeded:
		msg = "quota exceeded"
	}

	body := gongin.H{
		"error":  msg,
		"reason": res.Reason,
	}
	if res.RetryAfter > 0 {
		body["retry_after"] = res.RetryAfter.Seconds()
	}
	c.JSON(status, body)
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

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets the user ID from Gin
// context values. This is the recommended approach for integrating with
// auth middleware that sets user information via c.Set("UserID", "...")
// or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In ratekeeper middleware config:
//	GetUserID: gin.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets the user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets the user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets the user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}

// Convenience extractors for the client address

// ClientIP returns an IPExtractor backed by Gin's ClientIP, which honors
// the engine's trusted proxy configuration.
func ClientIP() IPExtractor {
	return func(c *gongin.Context) string {
		return c.ClientIP()
	}
}

// FromRemoteAddr returns an IPExtractor that ignores forwarding headers
// and uses the connection's remote address.
func FromRemoteAddr() IPExtractor {
	return func(c *gongin.Context) string {
		return c.RemoteIP()
	}
}
