package ratekeeper

import (
	"time"
)

// IdentityKind distinguishes authenticated users from anonymous callers.
type IdentityKind string

const (
	// IdentityUser identifies an authenticated user by ID.
	IdentityUser IdentityKind = "user"
	// IdentityIP identifies an anonymous caller by source address.
	IdentityIP IdentityKind = "ip"
)

// Identity is the subject of a rate limit decision: an authenticated user
// or, failing that, the request's source IP.
type Identity struct {
	Kind  IdentityKind
	Value string
}

// UserIdentity returns an identity for an authenticated user.
func UserIdentity(userID string) Identity {
	return Identity{Kind: IdentityUser, Value: userID}
}

// IPIdentity returns an identity for an anonymous caller.
func IPIdentity(addr string) Identity {
	return Identity{Kind: IdentityIP, Value: addr}
}

// Key returns the stable counter-key form of the identity,
// "user:<id>" or "ip:<addr>".
func (id Identity) Key() string {
	return string(id.Kind) + ":" + id.Value
}

// Authenticated reports whether the identity belongs to a known user.
func (id Identity) Authenticated() bool {
	return id.Kind == IdentityUser && id.Value != ""
}

// CheckRequest describes a single inbound request to be checked.
type CheckRequest struct {
	// UserID is the authenticated user, empty for anonymous traffic.
	UserID string

	// SourceIP is the client address the request arrived from.
	SourceIP string

	// Endpoint is the request path (e.g. "/api/generate").
	Endpoint string

	// Method is the HTTP method.
	Method string

	// UserAgent is recorded with usage metrics; never used for decisions.
	UserAgent string
}

// Identity returns the decision subject for the request: the user when
// authenticated, otherwise the source IP.
func (r CheckRequest) Identity() Identity {
	if r.UserID != "" {
		return UserIdentity(r.UserID)
	}
	return IPIdentity(r.SourceIP)
}

// Built-in plan tiers.
const (
	TierFree       = "free"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
	// TierCustom marks records whose ceilings are set per user rather than
	// taken from the tier table.
	TierCustom = "custom"
)

// TierLimits defines the ceilings granted by a plan tier.
type TierLimits struct {
	// DailyGenerations is the number of generation-class requests allowed
	// per calendar day. 0 disables the ceiling.
	DailyGenerations int

	// MonthlyGenerations is the number of generation-class requests allowed
	// per calendar month. 0 disables the ceiling.
	MonthlyGenerations int

	// APIPerMinute / APIPerHour / APIPerDay cap all API requests over fixed
	// windows. 0 disables the corresponding window.
	APIPerMinute int
	APIPerHour   int
	APIPerDay    int

	// MaxConcurrent caps simultaneous in-flight requests for the user.
	// 0 falls back to Config.MaxConcurrent.
	MaxConcurrent int

	// Priority orders users in downstream queues (1 lowest, 10 highest).
	Priority int

	// Features lists feature flags granted by the tier.
	Features []string
}

// DefaultTiers returns the built-in tier table. Callers may override or
// extend it via Config.Tiers.
func DefaultTiers() map[string]TierLimits {
	return map[string]TierLimits{
		TierFree: {
			DailyGenerations:   10,
			MonthlyGenerations: 200,
			APIPerMinute:       60,
			APIPerHour:         1000,
			APIPerDay:          10000,
			MaxConcurrent:      2,
			Priority:           1,
		},
		TierPro: {
			DailyGenerations:   100,
			MonthlyGenerations: 2000,
			APIPerMinute:       300,
			APIPerHour:         10000,
			APIPerDay:          100000,
			MaxConcurrent:      5,
			Priority:           5,
			Features:           []string{"priority-queue"},
		},
		TierEnterprise: {
			DailyGenerations:   1000,
			MonthlyGenerations: 20000,
			APIPerMinute:       1000,
			APIPerHour:         50000,
			APIPerDay:          500000,
			MaxConcurrent:      20,
			Priority:           10,
			Features:           []string{"priority-queue", "dedicated-support"},
		},
	}
}

// QuotaUsage tracks consumed generation quota for a user. Counters only
// move through atomic conditional increments, so a recorded value never
// exceeds its ceiling.
type QuotaUsage struct {
	// DailyGenerationsUsed is the count consumed since the last daily reset.
	DailyGenerationsUsed int

	// MonthlyGenerationsUsed is the count consumed since the last monthly reset.
	MonthlyGenerationsUsed int

	// LastReset records when the counters were last rolled over.
	LastReset time.Time
}

// UserQuota is a user's stored quota record: the plan tier, the effective
// ceilings, and current usage.
type UserQuota struct {
	UserID   string
	PlanTier string

	DailyGenerations   int
	MonthlyGenerations int
	APIPerMinute       int
	APIPerHour         int
	APIPerDay          int
	MaxConcurrent      int

	// Priority orders the user in downstream queues (1-10).
	Priority int

	// Features lists feature flags active for the user.
	Features []string

	// ExpiresAt, when set, bounds the record's validity. Past expiry the
	// engine enforces the default tier's ceilings instead.
	ExpiresAt *time.Time

	Usage QuotaUsage

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Expired reports whether the record's validity has lapsed at t.
func (q *UserQuota) Expired(t time.Time) bool {
	return q.ExpiresAt != nil && t.After(*q.ExpiresAt)
}

// Clone returns a deep copy of the record.
func (q *UserQuota) Clone() *UserQuota {
	cp := *q
	if q.ExpiresAt != nil {
		t := *q.ExpiresAt
		cp.ExpiresAt = &t
	}
	if q.Features != nil {
		cp.Features = append([]string(nil), q.Features...)
	}
	return &cp
}

// Limits returns the record's ceilings as a TierLimits value.
func (q *UserQuota) Limits() TierLimits {
	return TierLimits{
		DailyGenerations:   q.DailyGenerations,
		MonthlyGenerations: q.MonthlyGenerations,
		APIPerMinute:       q.APIPerMinute,
		APIPerHour:         q.APIPerHour,
		APIPerDay:          q.APIPerDay,
		MaxConcurrent:      q.MaxConcurrent,
		Priority:           q.Priority,
		Features:           q.Features,
	}
}

// QuotaPatch is a partial update for a quota record. Nil fields are left
// unchanged; setting PlanTier to a built-in tier rewrites the ceilings
// from the tier table unless the patch overrides them explicitly.
type QuotaPatch struct {
	PlanTier           *string
	DailyGenerations   *int
	MonthlyGenerations *int
	APIPerMinute       *int
	APIPerHour         *int
	APIPerDay          *int
	MaxConcurrent      *int
	Priority           *int
	Features           []string

	// ExpiresAt sets a new expiry; ClearExpiresAt removes an existing one.
	ExpiresAt      *time.Time
	ClearExpiresAt bool
}

// Empty reports whether the patch changes nothing.
func (p QuotaPatch) Empty() bool {
	return p.PlanTier == nil && p.DailyGenerations == nil && p.MonthlyGenerations == nil &&
		p.APIPerMinute == nil && p.APIPerHour == nil && p.APIPerDay == nil &&
		p.MaxConcurrent == nil && p.Priority == nil && p.Features == nil &&
		p.ExpiresAt == nil && !p.ClearExpiresAt
}

// Apply writes the patch's set fields onto the record. Repositories that
// update records read-modify-write style use this so every backend agrees
// on patch semantics.
func (p QuotaPatch) Apply(q *UserQuota) {
	if p.PlanTier != nil {
		q.PlanTier = *p.PlanTier
	}
	if p.DailyGenerations != nil {
		q.DailyGenerations = *p.DailyGenerations
	}
	if p.MonthlyGenerations != nil {
		q.MonthlyGenerations = *p.MonthlyGenerations
	}
	if p.APIPerMinute != nil {
		q.APIPerMinute = *p.APIPerMinute
	}
	if p.APIPerHour != nil {
		q.APIPerHour = *p.APIPerHour
	}
	if p.APIPerDay != nil {
		q.APIPerDay = *p.APIPerDay
	}
	if p.MaxConcurrent != nil {
		q.MaxConcurrent = *p.MaxConcurrent
	}
	if p.Priority != nil {
		q.Priority = *p.Priority
	}
	if p.Features != nil {
		q.Features = append([]string(nil), p.Features...)
	}
	if p.ClearExpiresAt {
		q.ExpiresAt = nil
	} else if p.ExpiresAt != nil {
		t := *p.ExpiresAt
		q.ExpiresAt = &t
	}
}

// RuleScope selects which identities a rule applies to.
type RuleScope string

const (
	// ScopeAll applies the rule to every identity.
	ScopeAll RuleScope = "all"
	// ScopeAuthenticated applies the rule to logged-in users only.
	ScopeAuthenticated RuleScope = "authenticated"
	// ScopeAnonymous applies the rule to anonymous (IP) identities only.
	ScopeAnonymous RuleScope = "anonymous"
	// ScopeUsers restricts the rule to the listed user IDs.
	ScopeUsers RuleScope = "users"
	// ScopePlans restricts the rule to users on the listed plan tiers.
	ScopePlans RuleScope = "plans"
)

// Rule is an endpoint-specific rate limit. Rules are evaluated in
// descending Priority order; the first window breach denies the request.
type Rule struct {
	ID   string
	Name string

	// Endpoint is a path pattern; '*' matches any run of characters
	// ("/api/models/*"). An empty pattern matches nothing.
	Endpoint string

	// Method matches the HTTP method exactly, or any method when "*" or empty.
	Method string

	// PerMinute / PerHour / PerDay cap matching requests over fixed windows.
	// 0 disables the corresponding window.
	PerMinute int
	PerHour   int
	PerDay    int

	// BurstMultiplier scales the per-minute ceiling when > 1, giving matching
	// traffic short-term headroom without raising the hourly or daily caps.
	BurstMultiplier float64

	// Scope filters which identities the rule applies to; UserIDs, PlanTiers
	// and IPRanges refine ScopeUsers, ScopePlans and anonymous matching.
	Scope     RuleScope
	UserIDs   []string
	PlanTiers []string

	// IPRanges restricts the rule to sources inside the listed CIDRs.
	// Empty means no source restriction.
	IPRanges []string

	// Priority orders evaluation; higher values are checked first.
	Priority int

	Enabled bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy of the rule.
func (r *Rule) Clone() *Rule {
	cp := *r
	if r.UserIDs != nil {
		cp.UserIDs = append([]string(nil), r.UserIDs...)
	}
	if r.PlanTiers != nil {
		cp.PlanTiers = append([]string(nil), r.PlanTiers...)
	}
	if r.IPRanges != nil {
		cp.IPRanges = append([]string(nil), r.IPRanges...)
	}
	return &cp
}

// Denial reason codes carried in Result.Reason and usage metrics.
const (
	ReasonIPBlacklisted    = "ip-blacklisted"
	ReasonGlobalRateLimit  = "global-rate-limit"
	ReasonQuotaDaily       = "quota-daily"
	ReasonQuotaMonthly     = "quota-monthly"
	ReasonQuotaPerMinute   = "quota-per-minute"
	ReasonQuotaPerHour     = "quota-per-hour"
	ReasonQuotaPerDay      = "quota-per-day"
	ReasonConcurrencyLimit = "concurrency-limit"

	// ReasonStoreUnavailable is used only when the engine runs fail-closed
	// and the counter store cannot be reached.
	ReasonStoreUnavailable = "store-unavailable"
)

// Usage-metric outcomes. Admitted checks record OutcomeAllowed, denied
// checks record their Result.Reason, and finished requests record an
// OutcomeCompleted event carrying response time and status code.
const (
	OutcomeAllowed   = "allowed"
	OutcomeCompleted = "completed"
)

// RuleReason returns the denial reason for a breached rule, "rule:<id>".
func RuleReason(ruleID string) string {
	return "rule:" + ruleID
}

// Response header names set from Result.Headers.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// Result is the outcome of a rate limit check. Denials are ordinary
// values; Check never turns a policy decision into an error.
type Result struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// Limit and Remaining describe the tightest window observed during the
	// check; on denial they describe the window that denied.
	Limit     int
	Remaining int

	// ResetTime is when that window replenishes.
	ResetTime time.Time

	// RetryAfter is how long the caller should wait before retrying.
	// Zero on allowed results.
	RetryAfter time.Duration

	// QuotaExceeded is set when the denial came from the user's stored
	// quota rather than a traffic window.
	QuotaExceeded bool

	// Reason is the denial code ("ip-blacklisted", "quota-daily",
	// "rule:<id>", ...); empty on allowed results.
	Reason string

	// Headers holds the rate limit response headers for this result.
	Headers map[string]string
}

// UsageMetric is one recorded request event. Check records an admission or
// denial; End records the completion with response time and status code.
type UsageMetric struct {
	ID        string
	UserID    string
	SourceIP  string
	Endpoint  string
	Method    string
	Outcome   string
	UserAgent string

	// ResponseTime and StatusCode are set on completion events only.
	ResponseTime time.Duration
	StatusCode   int

	Timestamp time.Time
}

// StatsPeriod selects the reporting window for usage summaries.
type StatsPeriod string

const (
	// PeriodDay covers the current calendar day.
	PeriodDay StatsPeriod = "day"
	// PeriodWeek covers the trailing seven days.
	PeriodWeek StatsPeriod = "week"
	// PeriodMonth covers the current calendar month.
	PeriodMonth StatsPeriod = "month"
)

// Valid reports whether p is a known period.
func (p StatsPeriod) Valid() bool {
	switch p {
	case PeriodDay, PeriodWeek, PeriodMonth:
		return true
	}
	return false
}

// UsageSummary aggregates recorded metrics for a user over a period.
type UsageSummary struct {
	UserID string
	Period StatsPeriod
	From   time.Time
	To     time.Time

	TotalChecks int64
	Allowed     int64
	Denied      int64

	// DeniedByReason counts denials per reason code.
	DeniedByReason map[string]int64

	// TopEndpoints counts requests per endpoint.
	TopEndpoints map[string]int64

	// Quota is the user's current usage snapshot, zero for anonymous
	// identities.
	Quota QuotaUsage
}

// CircuitBreakerConfig configures the breaker guarding counter store calls.
type CircuitBreakerConfig struct {
	// Enabled determines if the circuit breaker is active.
	Enabled bool

	// FailureThreshold is the number of consecutive failures before opening
	// the circuit (default: 5).
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before a probe is
	// allowed through (default: 30 seconds).
	ResetTimeout time.Duration
}

// RecorderConfig configures the asynchronous usage recorder.
type RecorderConfig struct {
	// BufferSize is the capacity of the event queue (default: 1024).
	// Events are dropped, not blocked on, when the queue is full.
	BufferSize int

	// DrainTimeout bounds how long Close waits for queued events to flush
	// (default: 5 seconds).
	DrainTimeout time.Duration
}

// Config holds engine configuration. The zero value is usable: enforcement
// on, fail-open, built-in tiers, 60 requests/minute global ceiling.
type Config struct {
	// Disabled turns enforcement off entirely; Check admits every request
	// without consulting counters or quotas.
	Disabled bool

	// RequestsPerMinute is the global sliding-window ceiling applied per
	// source IP and endpoint (default: 60).
	RequestsPerMinute int

	// BurstLimit, when > 0, additionally caps requests over a short
	// ten-second guard window to absorb spikes below the minute ceiling.
	BurstLimit int

	// MaxConcurrent caps simultaneous in-flight requests per identity when
	// the user's record does not set its own ceiling (default: 10).
	MaxConcurrent int

	// Whitelist lists IPs or CIDRs that bypass every limiter stage.
	Whitelist []string

	// Blacklist lists IPs or CIDRs that are always denied. Blacklist wins
	// over whitelist.
	Blacklist []string

	// BlacklistRetryAfter is the Retry-After advertised on blacklist
	// denials (default: 1 hour).
	BlacklistRetryAfter time.Duration

	// FailClosed denies requests when the counter store is unreachable.
	// The default is fail-open: availability over strict enforcement.
	FailClosed bool

	// GenerationEndpoints lists path patterns ('*' wildcards) that consume
	// generation quota (default: "/api/generate*").
	GenerationEndpoints []string

	// Tiers overrides or extends the built-in tier table.
	Tiers map[string]TierLimits

	// DefaultTier is assigned to users without a stored quota record
	// (default: "free").
	DefaultTier string

	// ResetLocation is the time zone for calendar resets and daily quota
	// boundaries (default: time.Local).
	ResetLocation *time.Location

	// RuleRefreshInterval is how often the rule set is re-read from its
	// source (default: 30 seconds).
	RuleRefreshInterval time.Duration

	// QuotaCacheTTL bounds staleness of cached quota records (default: 5
	// seconds; 0 uses the default, negative disables caching).
	QuotaCacheTTL time.Duration

	// Logger receives structured engine logs (default: NoopLogger).
	Logger Logger

	// Metrics receives operational metrics (default: NoopMetrics).
	Metrics Metrics

	// Clock supplies the current time; tests substitute a fake
	// (default: wall clock).
	Clock Clock

	// CircuitBreaker guards counter store calls (default: disabled).
	CircuitBreaker *CircuitBreakerConfig

	// Recorder configures the asynchronous usage recorder.
	Recorder *RecorderConfig
}
