// Package fiber provides Fiber middleware that enforces rate limits and
// quotas on incoming requests.
package fiber

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/inkwellhq/ratekeeper/pkg/ratekeeper"
)

// UserIDExtractor extracts the authenticated user ID from a Fiber context.
// Return empty string if the caller is anonymous; anonymous requests are
// limited by client address instead.
type UserIDExtractor func(c *fiber.Ctx) string

// IPExtractor extracts the client address from a Fiber context.
type IPExtractor func(c *fiber.Ctx) string

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
	OnDenied func(c *fiber.Ctx, res *ratekeeper.Result) error
}

// Middleware creates a Fiber middleware that enforces rate limits and quotas.
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Service == nil {
		panic("ratekeeper/fiber: Config.Service is required")
	}

	// Set defaults
	if cfg.GetSourceIP == nil {
		cfg.GetSourceIP = ClientIP()
	}

	return func(c *fiber.Ctx) error {
		req := ratekeeper.CheckRequest{
			SourceIP:  cfg.GetSourceIP(c),
			Endpoint:  c.Path(),
			Method:    c.Method(),
			UserAgent: c.Get(fiber.HeaderUserAgent),
		}
		if cfg.GetUserID != nil {
			req.UserID = cfg.GetUserID(c)
		}

		// Fiber runs on fasthttp; UserContext is the request-scoped
		// context.Context.
		ctx := c.UserContext()
		res := cfg.Service.Check(ctx, req)
		for k, v := range res.Headers {
			c.Set(k, v)
		}
		if !res.Allowed {
			return deny(c, cfg, res)
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
				c.Set(k, v)
			}
			return deny(c, cfg, res)
		case err != nil:
			// Service closed: run the handler untracked.
			return c.Next()
		}

		start := time.Now()
		var handlerErr error
		defer func() {
			cfg.Service.End(ctx, id, requestID, time.Since(start), responseStatus(c, handlerErr))
		}()
		handlerErr = c.Next()
		return handlerErr
	}
}

func deny(c *fiber.Ctx, cfg Config, res *ratekeeper.Result) error {
	if cfg.OnDenied != nil {
		return cfg.OnDenied(c, res)
	}
	return defaultDenied(c, res)
}

func defaultDenied(c *fiber.Ctx, res *ratekeeper.Result) error {
	status := fiber.StatusTooManyRequests
	msg := "rate limit exceeded"
	switch {
	case res.Reason == ratekeeper.ReasonIPBlacklisted:
		status = fiber.StatusForbidden
		msg = "forbidden"
	case res.QuotaExceeded:
		msg = "quota exceeded"
	}

	body := fiber.Map{
		"error":  msg,
		"reason": res.Reason,
	}
	if res.RetryAfter > 0 {
		body["retry_after"] = res.RetryAfter.Seconds()
	}
	return c.Status(status).JSON(body)
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
// When the handler returned an error, Fiber's error handler has not run
// yet, so the code comes from the error rather than the response.
func responseStatus(c *fiber.Ctx, err error) int {
	if err != nil {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return fe.Code
		}
		return fiber.StatusInternalServerError
	}
	return c.Response().StatusCode()
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets the user ID from Fiber
// context values (Locals). This is the recommended approach for
// integrating with auth middleware that sets user information via
// c.Locals("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Locals("UserID", userID)
//
//	// In ratekeeper middleware config:
//	GetUserID: fiber.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets the user ID from a header.
// Fiber v2 uses c.Get() for headers.
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets the user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets the user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}

// Convenience extractors for the client address

// ClientIP returns an IPExtractor backed by Fiber's IP, which honors the
// app's proxy header configuration.
func ClientIP() IPExtractor {
	return func(c *fiber.Ctx) string {
		return c.IP()
	}
}
