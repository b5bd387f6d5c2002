package ratekeeper

import (
	"context"
	"time"
)

// CounterStore is the storage contract for traffic window counters.
// Implementations must make both operations atomic so that concurrent
// checks across processes never double-admit; the Redis backend uses a
// pipelined INCR and a server-side script, the memory backend a mutex.
//
// Errors from a CounterStore are infrastructure faults. Callers never
// convert them into denials directly; the engine applies its fail-open
// (or fail-closed) policy instead.
type CounterStore interface {
	// IncrementAndExpire atomically increments the fixed-window counter at
	// key and returns the new value. The window expiry is set only when the
	// increment created the key, so the bucket dies a full window after its
	// first request.
	IncrementAndExpire(ctx context.Context, key string, window time.Duration) (int64, error)

	// SlidingAllow prunes entries older than the window from the log at
	// key, then appends the current request only if the count is still
	// below limit. Prune, count and append happen as one atomic step.
	// Returns whether the request was admitted, the number of entries now
	// in the window, and the timestamp of the oldest surviving entry (zero
	// when the log is empty).
	SlidingAllow(ctx context.Context, key string, limit int64, window time.Duration) (allowed bool, count int64, oldest time.Time, err error)
}

// ConcurrencyStore is the optional storage contract for tracking in-flight
// requests across processes. Slots carry a safety TTL so that requests
// lost to a crashed process do not hold their slot forever.
type ConcurrencyStore interface {
	// AcquireSlot increments the in-flight count at key and returns the new
	// count. The TTL is refreshed on every acquire.
	AcquireSlot(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// ReleaseSlot decrements the in-flight count at key and returns the new
	// count, clamped at zero.
	ReleaseSlot(ctx context.Context, key string) (int64, error)

	// SlotCount returns the in-flight count at key without changing it.
	SlotCount(ctx context.Context, key string) (int64, error)
}

// Ceilings a conditional consume can be blocked by.
const (
	CeilingDaily   = "daily"
	CeilingMonthly = "monthly"
)

// ConsumeRequest asks for one generation to be charged against a user's
// daily and monthly counters. Limits of zero or below mean unlimited.
type ConsumeRequest struct {
	UserID       string
	DailyLimit   int
	MonthlyLimit int
}

// ConsumeResult reports the outcome of a conditional consume.
type ConsumeResult struct {
	// Consumed is true when the charge was applied.
	Consumed bool

	// Exceeded names the ceiling that blocked the charge, CeilingDaily or
	// CeilingMonthly. Empty when Consumed.
	Exceeded string

	// Usage is the record's usage after the operation.
	Usage QuotaUsage
}

// QuotaRepository is the storage contract for user quota records.
type QuotaRepository interface {
	// GetQuota retrieves a user's quota record.
	// Returns ErrQuotaNotFound when the user has none.
	GetQuota(ctx context.Context, userID string) (*UserQuota, error)

	// SaveQuota stores a quota record, creating or replacing it.
	SaveQuota(ctx context.Context, quota *UserQuota) error

	// UpdateQuota applies a partial update atomically and returns the
	// updated record. Returns ErrQuotaNotFound when the user has none.
	UpdateQuota(ctx context.Context, userID string, patch QuotaPatch) (*UserQuota, error)

	// ConsumeGeneration atomically increments the user's generation
	// counters if and only if both stay within their limits
	// (compare-and-increment, never read-then-write). A blocked consume is
	// reported in the result, not as an error.
	ConsumeGeneration(ctx context.Context, req ConsumeRequest) (*ConsumeResult, error)

	// ResetUsage overwrites the user's usage counters, used for calendar
	// rollovers and admin resets.
	ResetUsage(ctx context.Context, userID string, usage QuotaUsage) error
}

// RuleSource supplies the active rule set. Implementations include the
// storage backends and the YAML file loader.
type RuleSource interface {
	// ListEnabledRules returns all enabled rules in no particular order;
	// the engine sorts by priority.
	ListEnabledRules(ctx context.Context) ([]*Rule, error)
}

// RuleRepository extends RuleSource with rule management.
type RuleRepository interface {
	RuleSource

	// GetRule retrieves a rule by ID. Returns ErrRuleNotFound when absent.
	GetRule(ctx context.Context, id string) (*Rule, error)

	// PutRule stores a rule, creating or replacing it.
	PutRule(ctx context.Context, rule *Rule) error

	// DeleteRule removes a rule. Returns ErrRuleNotFound when absent.
	DeleteRule(ctx context.Context, id string) error
}

// MetricStore is the storage contract for recorded usage events.
type MetricStore interface {
	// InsertMetric stores one usage event.
	InsertMetric(ctx context.Context, metric *UsageMetric) error

	// SummarizeUsage aggregates events for a user between from and to:
	// totals, denials by reason, and request counts per endpoint.
	SummarizeUsage(ctx context.Context, userID string, from, to time.Time) (*UsageSummary, error)
}

// AuditEvent is a security-relevant occurrence worth an audit trail entry.
type AuditEvent struct {
	// Event names what happened (e.g. "rate_limit.denied", "quota.updated").
	Event string

	// Actor is who caused it: "system" for engine decisions, an admin user
	// ID for management operations.
	Actor string

	// UserID is the affected user, empty for anonymous traffic.
	UserID string

	// Severity is "info", "warning" or "error".
	Severity string

	// Payload carries event-specific detail.
	Payload map[string]string

	Timestamp time.Time
}

// AuditSink receives audit events. Implementations must tolerate being
// called from the recorder goroutine; errors are logged and dropped.
type AuditSink interface {
	Log(ctx context.Context, event *AuditEvent) error
}
