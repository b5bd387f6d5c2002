package ratekeeper

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		s       string
		want    bool
	}{
		{"/api/generate", "/api/generate", true},
		{"/api/generate", "/api/generate2", false},
		{"/api/generate", "/api", false},
		{"/api/generate*", "/api/generate", true},
		{"/api/generate*", "/api/generate/audio", true},
		{"/api/generate*", "/api/gen", false},
		{"/api/*/download", "/api/models/download", true},
		{"/api/*/download", "/api/models/v2/download", true},
		{"/api/*/download", "/api/models/preview", false},
		{"*", "/anything/at/all", true},
		{"*", "", true},
		{"*/health", "/internal/health", true},
		{"/api/*/files/*", "/api/v1/files/abc", true},
		{"", "/api/generate", false},
		{"", "", false},
	}
	for _, tc := range tests {
		if got := matchPattern(tc.pattern, tc.s); got != tc.want {
			t.Errorf("matchPattern(%q, %q) = %v, want %v", tc.pattern, tc.s, got, tc.want)
		}
	}
}

func TestParseIPRange(t *testing.T) {
	pfx, err := parseIPRange("10.0.0.0/8")
	if err != nil {
		t.Fatalf("parseIPRange(CIDR) failed: %v", err)
	}
	if pfx.Bits() != 8 {
		t.Errorf("Expected /8, got /%d", pfx.Bits())
	}

	// Bare addresses become single-host prefixes.
	pfx, err = parseIPRange("203.0.113.7")
	if err != nil {
		t.Fatalf("parseIPRange(bare) failed: %v", err)
	}
	if pfx.Bits() != 32 {
		t.Errorf("Expected /32 for bare IPv4, got /%d", pfx.Bits())
	}

	if _, err := parseIPRange("not-an-ip"); err == nil {
		t.Error("Expected error for garbage input")
	}
}

func TestActiveRule_Matches(t *testing.T) {
	base := CheckRequest{
		UserID:   "user1",
		SourceIP: "10.1.2.3",
		Endpoint: "/api/models/download",
		Method:   "GET",
	}

	tests := []struct {
		name     string
		rule     Rule
		req      CheckRequest
		planTier string
		want     bool
	}{
		{
			name: "endpoint and method match",
			rule: Rule{Endpoint: "/api/models/*", Method: "GET"},
			req:  base,
			want: true,
		},
		{
			name: "method mismatch",
			rule: Rule{Endpoint: "/api/models/*", Method: "POST"},
			req:  base,
			want: false,
		},
		{
			name: "method wildcard",
			rule: Rule{Endpoint: "/api/models/*", Method: "*"},
			req:  base,
			want: true,
		},
		{
			name: "method case insensitive",
			rule: Rule{Endpoint: "/api/models/*", Method: "get"},
			req:  base,
			want: true,
		},
		{
			name: "authenticated scope rejects anonymous",
			rule: Rule{Endpoint: "*", Scope: ScopeAuthenticated},
			req:  CheckRequest{SourceIP: "10.1.2.3", Endpoint: "/x"},
			want: false,
		},
		{
			name: "anonymous scope rejects users",
			rule: Rule{Endpoint: "*", Scope: ScopeAnonymous},
			req:  base,
			want: false,
		},
		{
			name: "users scope matches listed user",
			rule: Rule{Endpoint: "*", Scope: ScopeUsers, UserIDs: []string{"user1", "user2"}},
			req:  base,
			want: true,
		},
		{
			name: "users scope rejects others",
			rule: Rule{Endpoint: "*", Scope: ScopeUsers, UserIDs: []string{"user2"}},
			req:  base,
			want: false,
		},
		{
			name:     "plans scope matches tier",
			rule:     Rule{Endpoint: "*", Scope: ScopePlans, PlanTiers: []string{TierFree}},
			req:      base,
			planTier: TierFree,
			want:     true,
		},
		{
			name:     "plans scope rejects other tiers",
			rule:     Rule{Endpoint: "*", Scope: ScopePlans, PlanTiers: []string{TierEnterprise}},
			req:      base,
			planTier: TierFree,
			want:     false,
		},
		{
			name: "unknown scope matches nothing",
			rule: Rule{Endpoint: "*", Scope: RuleScope("weird")},
			req:  base,
			want: false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ar := &activeRule{Rule: &tc.rule}
			if got := ar.matches(tc.req, tc.planTier); got != tc.want {
				t.Errorf("matches() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestActiveRule_SourceRanges(t *testing.T) {
	engine := &ruleEngine{logger: &NoopLogger{}}
	compiled := engine.compile([]*Rule{{
		ID:       "internal",
		Endpoint: "*",
		IPRanges: []string{"10.0.0.0/8", "192.168.1.50"},
	}})

	rule := compiled[0]
	req := CheckRequest{Endpoint: "/x", SourceIP: "10.9.9.9"}
	if !rule.matches(req, "") {
		t.Error("Source inside the CIDR should match")
	}

	req.SourceIP = "192.168.1.50"
	if !rule.matches(req, "") {
		t.Error("Bare-address range should match exactly")
	}

	req.SourceIP = "172.16.0.1"
	if rule.matches(req, "") {
		t.Error("Source outside every range must not match")
	}
}

func TestRuleEngine_CompileDropsInvalidRanges(t *testing.T) {
	engine := &ruleEngine{logger: &NoopLogger{}}
	compiled := engine.compile([]*Rule{{
		ID:       "broken",
		Endpoint: "*",
		IPRanges: []string{"bogus", "also/bad"},
	}})

	// Every range failed to parse: the rule keeps its restriction but can
	// match no source, instead of silently widening to all sources.
	rule := compiled[0]
	if rule.matches(CheckRequest{Endpoint: "/x", SourceIP: "10.0.0.1"}, "") {
		t.Error("Rule with only invalid ranges must match no source")
	}
}

func TestRuleEngine_CompileSortsByPriority(t *testing.T) {
	engine := &ruleEngine{logger: &NoopLogger{}}
	compiled := engine.compile([]*Rule{
		{ID: "low", Endpoint: "*", Priority: 1},
		{ID: "high", Endpoint: "*", Priority: 10},
		{ID: "mid", Endpoint: "*", Priority: 5},
	})

	got := []string{compiled[0].ID, compiled[1].ID, compiled[2].ID}
	want := []string{"high", "mid", "low"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Priority order = %v, want %v", got, want)
		}
	}
}

func TestActiveRule_MinuteCeiling(t *testing.T) {
	r := &activeRule{Rule: &Rule{PerMinute: 10}}
	if r.minuteCeiling() != 10 {
		t.Errorf("No multiplier: expected 10, got %d", r.minuteCeiling())
	}

	r.BurstMultiplier = 2.5
	if r.minuteCeiling() != 25 {
		t.Errorf("Multiplier 2.5: expected 25, got %d", r.minuteCeiling())
	}

	// Multipliers at or below 1 leave the ceiling alone.
	r.BurstMultiplier = 0.5
	if r.minuteCeiling() != 10 {
		t.Errorf("Multiplier 0.5: expected 10, got %d", r.minuteCeiling())
	}
}

type stubRuleSource struct {
	rules []*Rule
	err   error
	calls int
}

func (s *stubRuleSource) ListEnabledRules(context.Context) ([]*Rule, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.rules, nil
}

func TestRuleEngine_SnapshotCaching(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	source := &stubRuleSource{rules: []*Rule{{ID: "a", Endpoint: "*", Enabled: true}}}
	engine := &ruleEngine{
		source:  source,
		refresh: 30 * time.Second,
		clock:   clock,
		logger:  &NoopLogger{},
	}
	ctx := context.Background()

	if got := engine.snapshot(ctx); len(got) != 1 {
		t.Fatalf("Expected 1 rule, got %d", len(got))
	}
	engine.snapshot(ctx)
	engine.snapshot(ctx)
	if source.calls != 1 {
		t.Errorf("Snapshots within the refresh interval should not reload, got %d calls", source.calls)
	}

	clock.Advance(31 * time.Second)
	engine.snapshot(ctx)
	if source.calls != 2 {
		t.Errorf("Expected a reload after the interval, got %d calls", source.calls)
	}
}

func TestRuleEngine_SnapshotKeepsStaleSetOnFailure(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	source := &stubRuleSource{rules: []*Rule{{ID: "a", Endpoint: "*", Enabled: true}}}
	engine := &ruleEngine{
		source:  source,
		refresh: 30 * time.Second,
		clock:   clock,
		logger:  &NoopLogger{},
	}
	ctx := context.Background()

	if got := engine.snapshot(ctx); len(got) != 1 {
		t.Fatalf("Expected 1 rule, got %d", len(got))
	}

	source.err = errors.New("rule store down")
	clock.Advance(31 * time.Second)
	if got := engine.snapshot(ctx); len(got) != 1 {
		t.Errorf("Refresh failure should keep the stale set, got %d rules", len(got))
	}
}
