package api

import (
	"time"

	"github.com/inkwellhq/ratekeeper/pkg/ratekeeper"
)

// QuotaResponse is the wire form of a user's quota standing.
type QuotaResponse struct {
	UserID   string `json:"user_id"`
	PlanTier string `json:"plan_tier"`

	DailyGenerations   int `json:"daily_generations"`
	MonthlyGenerations int `json:"monthly_generations"`
	APIPerMinute       int `json:"api_per_minute"`
	APIPerHour         int `json:"api_per_hour"`
	APIPerDay          int `json:"api_per_day"`
	MaxConcurrent      int `json:"max_concurrent"`
	Priority           int `json:"priority"`

	Features []string `json:"features,omitempty"`

	DailyUsed        int `json:"daily_used"`
	MonthlyUsed      int `json:"monthly_used"`
	DailyRemaining   int `json:"daily_remaining"`   // -1 for unlimited
	MonthlyRemaining int `json:"monthly_remaining"` // -1 for unlimited

	LastReset time.Time  `json:"last_reset"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func newQuotaResponse(q *ratekeeper.UserQuota) QuotaResponse {
	return QuotaResponse{
		UserID:             q.UserID,
		PlanTier:           q.PlanTier,
		DailyGenerations:   q.DailyGenerations,
		MonthlyGenerations: q.MonthlyGenerations,
		APIPerMinute:       q.APIPerMinute,
		APIPerHour:         q.APIPerHour,
		APIPerDay:          q.APIPerDay,
		MaxConcurrent:      q.MaxConcurrent,
		Priority:           q.Priority,
		Features:           q.Features,
		DailyUsed:          q.Usage.DailyGenerationsUsed,
		MonthlyUsed:        q.Usage.MonthlyGenerationsUsed,
		DailyRemaining:     remaining(q.DailyGenerations, q.Usage.DailyGenerationsUsed),
		MonthlyRemaining:   remaining(q.MonthlyGenerations, q.Usage.MonthlyGenerationsUsed),
		LastReset:          q.Usage.LastReset,
		ExpiresAt:          q.ExpiresAt,
	}
}

// remaining computes limit minus used, with -1 for unlimited ceilings.
func remaining(limit, used int) int {
	if limit <= 0 {
		return -1
	}
	if used >= limit {
		return 0
	}
	return limit - used
}

// QuotaPatchRequest is the wire form of an admin quota update. Absent
// fields are left unchanged.
type QuotaPatchRequest struct {
	PlanTier           *string  `json:"plan_tier,omitempty"`
	DailyGenerations   *int     `json:"daily_generations,omitempty"`
	MonthlyGenerations *int     `json:"monthly_generations,omitempty"`
	APIPerMinute       *int     `json:"api_per_minute,omitempty"`
	APIPerHour         *int     `json:"api_per_hour,omitempty"`
	APIPerDay          *int     `json:"api_per_day,omitempty"`
	MaxConcurrent      *int     `json:"max_concurrent,omitempty"`
	Priority           *int     `json:"priority,omitempty"`
	Features           []string `json:"features,omitempty"`

	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	ClearExpiresAt bool       `json:"clear_expires_at,omitempty"`
}

func (r QuotaPatchRequest) toPatch() ratekeeper.QuotaPatch {
	return ratekeeper.QuotaPatch{
		PlanTier:           r.PlanTier,
		DailyGenerations:   r.DailyGenerations,
		MonthlyGenerations: r.MonthlyGenerations,
		APIPerMinute:       r.APIPerMinute,
		APIPerHour:         r.APIPerHour,
		APIPerDay:          r.APIPerDay,
		MaxConcurrent:      r.MaxConcurrent,
		Priority:           r.Priority,
		Features:           r.Features,
		ExpiresAt:          r.ExpiresAt,
		ClearExpiresAt:     r.ClearExpiresAt,
	}
}

// UsageResponse is the wire form of a usage summary.
type UsageResponse struct {
	UserID string    `json:"user_id"`
	Period string    `json:"period"`
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`

	TotalChecks int64 `json:"total_checks"`
	Allowed     int64 `json:"allowed"`
	Denied      int64 `json:"denied"`

	DeniedByReason map[string]int64 `json:"denied_by_reason,omitempty"`
	TopEndpoints   map[string]int64 `json:"top_endpoints,omitempty"`

	Quota UsageQuota `json:"quota"`
}

// UsageQuota is the current usage snapshot attached to a summary.
type UsageQuota struct {
	DailyUsed   int       `json:"daily_used"`
	MonthlyUsed int       `json:"monthly_used"`
	LastReset   time.Time `json:"last_reset"`
}

func newUsageResponse(s *ratekeeper.UsageSummary) UsageResponse {
	return UsageResponse{
		UserID:         s.UserID,
		Period:         string(s.Period),
		From:           s.From,
		To:             s.To,
		TotalChecks:    s.TotalChecks,
		Allowed:        s.Allowed,
		Denied:         s.Denied,
		DeniedByReason: s.DeniedByReason,
		TopEndpoints:   s.TopEndpoints,
		Quota: UsageQuota{
			DailyUsed:   s.Quota.DailyGenerationsUsed,
			MonthlyUsed: s.Quota.MonthlyGenerationsUsed,
			LastReset:   s.Quota.LastReset,
		},
	}
}

// RulePayload is the wire form of an endpoint rule, for both requests
// and responses.
type RulePayload struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`

	Endpoint string `json:"endpoint"`
	Method   string `json:"method,omitempty"`

	PerMinute       int     `json:"per_minute,omitempty"`
	PerHour         int     `json:"per_hour,omitempty"`
	PerDay          int     `json:"per_day,omitempty"`
	BurstMultiplier float64 `json:"burst_multiplier,omitempty"`

	Scope     string   `json:"scope,omitempty"`
	UserIDs   []string `json:"user_ids,omitempty"`
	PlanTiers []string `json:"plan_tiers,omitempty"`
	IPRanges  []string `json:"ip_ranges,omitempty"`

	Priority int  `json:"priority"`
	Enabled  bool `json:"enabled"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

func newRulePayload(rule *ratekeeper.Rule) RulePayload {
	return RulePayload{
		ID:              rule.ID,
		Name:            rule.Name,
		Endpoint:        rule.Endpoint,
		Method:          rule.Method,
		PerMinute:       rule.PerMinute,
		PerHour:         rule.PerHour,
		PerDay:          rule.PerDay,
		BurstMultiplier: rule.BurstMultiplier,
		Scope:           string(rule.Scope),
		UserIDs:         rule.UserIDs,
		PlanTiers:       rule.PlanTiers,
		IPRanges:        rule.IPRanges,
		Priority:        rule.Priority,
		Enabled:         rule.Enabled,
		CreatedAt:       rule.CreatedAt,
		UpdatedAt:       rule.UpdatedAt,
	}
}

func (p RulePayload) toRule() *ratekeeper.Rule {
	return &ratekeeper.Rule{
		ID:              p.ID,
		Name:            p.Name,
		Endpoint:        p.Endpoint,
		Method:          p.Method,
		PerMinute:       p.PerMinute,
		PerHour:         p.PerHour,
		PerDay:          p.PerDay,
		BurstMultiplier: p.BurstMultiplier,
		Scope:           ratekeeper.RuleScope(p.Scope),
		UserIDs:         p.UserIDs,
		PlanTiers:       p.PlanTiers,
		IPRanges:        p.IPRanges,
		Priority:        p.Priority,
		Enabled:         p.Enabled,
	}
}
