// Package echo provides Echo middleware that enforces rate limits and
// quotas on incoming requests.
package echo

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/inkwellhq/ratekeeper/pkg/ratekeeper"
)

// UserIDExtractor extracts the authenticated user ID from an Echo context.
// Return empty string if the caller is anonymous; anonymous requests are
// limited by client address instead.
type UserIDExtractor func(c echo.Context) string

// IPExtractor extracts the client address from an Echo context.
type IPExtractor func(c echo.Context) string

// Config holds middleware configuration.
type Config struct {
	// Service runs the admission checks (required).
	Service *ratekeeper.Service

	// GetUserID extracts the user ID from the context.
	// If nil, every request is treated as anonymous.
	GetUserID UserIDExtractor

	// GetSourceIP extracts the client address.
	// If nil, defaults to RealIP.
	GetSourceIP IPExtractor

	// OnDenied is called when a request is rejected. The rate limit
	// headers are already set on the response.
	// If nil, writes a JSON error: 403 for blacklisted addresses,
	// 429 for everything else.
	OnDenied func(c echo.Context, res *ratekeeper.Result) error
}

// Middleware creates an Echo middleware that enforces rate limits and quotas.
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Service == nil {
		panic("ratekeeper/echo: Config.Service is required")
	}

	// Set defaults
	if cfg.GetSourceIP == nil {
		cfg.GetSourceIP = RealIP()
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := ratekeeper.CheckRequest{
				SourceIP:  cfg.GetSourceIP(c),
				Endpoint:  c.Request().URL.Path,
				Method:    c.Request().Method,
				UserAgent: c.Request().UserAgent(),
			}
			if cfg.GetUserID != nil {
				req.UserID = cfg.GetUserID(c)
			}

			ctx := c.Request().Context()
			res := cfg.Service.Check(ctx, req)
			for k, v := range res.Headers {
				c.Response().Header().Set(k, v)
			}
			if !res.Allowed {
				return deny(c, cfg, res)
			}

			// Track the request so its concurrency slot is released even
			// if the handler panics.
			id := req.Identity()
			requestID := uuid.NewString()
			switch err := cfg.Service.Start(ctx, id, requestID); {
			case err == ratekeeper.ErrConcurrencyLimit:
				// A competing request took the last slot between Check
				// and Start.
				res = concurrencyDenied()
				for k, v := range res.Headers {
					c.Response().Header().Set(k, v)
				}
				return deny(c, cfg, res)
			case err != nil:
				// Service closed: run the handler untracked.
				return next(c)
			}

			start := time.Now()
			var handlerErr error
			defer func() {
				cfg.Service.End(ctx, id, requestID, time.Since(start), responseStatus(c, handlerErr))
			}()
			handlerErr = next(c)
			return handlerErr
		}
	}
}

func deny(c echo.Context, cfg Config, res *ratekeeper.Result) error {
	if cfg.OnDenied != nil {
		return cfg.OnDenied(c, res)
	}
	return defaultDenied(c, res)
}

func defaultDenied(c echo.Context, res *ratekeeper.Result) error {
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
	return c.JSON(status, body)
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

// responseStatus resolves the status code the completion metric records.
// When the handler returned an error, Echo's error handler has not run
// yet, so the code comes from the error rather than the response.
func responseStatus(c echo.Context, err error) int {
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he.Code
		}
		if !c.Response().Committed {
			return http.StatusInternalServerError
		}
	}
	return c.Response().Status
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets the user ID from Echo
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
//	GetUserID: echo.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets the user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets the user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets the user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(queryName)
	}
}

// Convenience extractors for the client address

// RealIP returns an IPExtractor backed by Echo's RealIP, which honors
// the engine's IP extraction configuration.
func RealIP() IPExtractor {
	return func(c echo.Context) string {
		return c.RealIP()
	}
}
