package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/inkwellhq/ratekeeper/pkg/ratekeeper"
)

// Config holds configuration for the management API handler
type Config struct {
	// Service is the rate limiting service instance (required)
	Service *ratekeeper.Service

	// Rules is the repository behind the rule management endpoints
	// If nil, the rule endpoints respond 501 Not Implemented
	Rules ratekeeper.RuleRepository

	// GetUserID extracts user ID from HTTP request (required)
	// Similar to middleware/http pattern
	GetUserID func(*http.Request) string

	// GetActor extracts the administrator identity recorded on audit
	// events for mutating endpoints
	// If nil, the service attributes mutations to "system"
	GetActor func(*http.Request) string

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Service == nil {
		return fmt.Errorf("service is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new management API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// actorContext attaches the request's administrator identity to ctx
// when a GetActor extractor is configured
func (c *Config) actorContext(ctx context.Context, r *http.Request) context.Context {
	if c.GetActor == nil {
		return ctx
	}
	actor := c.GetActor(r)
	if actor == "" {
		return ctx
	}
	return ratekeeper.WithActor(ctx, actor)
}
