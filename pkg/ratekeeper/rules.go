package ratekeeper

import (
	"context"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ruleEngine caches the active rule set and evaluates matching rules
// against per-identity fixed windows. Rules are administratively mutated
// out-of-band; the engine only ever sees refreshed snapshots.
type ruleEngine struct {
	source   RuleSource
	counters CounterStore
	refresh  time.Duration
	clock    Clock
	logger   Logger

	// group collapses concurrent snapshot refreshes into one source call.
	group singleflight.Group

	mu     sync.RWMutex
	rules  []*activeRule
	loaded time.Time
}

// activeRule is a rule with its IP restrictions parsed once at load.
type activeRule struct {
	*Rule
	nets []netip.Prefix
}

// snapshot returns the cached rule set, refreshing it once its age
// passes the refresh interval. On refresh failure the stale set stays in
// service; an empty source yields an empty set, not an error.
func (e *ruleEngine) snapshot(ctx context.Context) []*activeRule {
	e.mu.RLock()
	rules, loaded := e.rules, e.loaded
	e.mu.RUnlock()

	if !loaded.IsZero() && e.clock.Now().Sub(loaded) < e.refresh {
		return rules
	}

	fresh, err, _ := e.group.Do("rules", func() (interface{}, error) {
		list, err := e.source.ListEnabledRules(ctx)
		if err != nil {
			return nil, err
		}
		compiled := e.compile(list)
		e.mu.Lock()
		e.rules = compiled
		e.loaded = e.clock.Now()
		e.mu.Unlock()
		return compiled, nil
	})
	if err != nil {
		e.logger.Warn("rule refresh failed, keeping stale set",
			Field{"error", err},
			Field{"rules", len(rules)})
		return rules
	}
	return fresh.([]*activeRule)
}

// compile sorts rules by descending priority and parses their IP
// restrictions. Unparseable CIDR entries are dropped with a warning; a
// rule whose every range failed to parse matches no source at all rather
// than every source.
func (e *ruleEngine) compile(list []*Rule) []*activeRule {
	compiled := make([]*activeRule, 0, len(list))
	for _, rule := range list {
		ar := &activeRule{Rule: rule}
		for _, entry := range rule.IPRanges {
			pfx, err := parseIPRange(entry)
			if err != nil {
				e.logger.Warn("dropping invalid IP range in rule",
					Field{"ruleId", rule.ID},
					Field{"range", entry},
					Field{"error", err})
				continue
			}
			ar.nets = append(ar.nets, pfx)
		}
		compiled = append(compiled, ar)
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].Priority > compiled[j].Priority
	})
	return compiled
}

// parseIPRange accepts a CIDR or a bare address (treated as /32 or /128).
func parseIPRange(entry string) (netip.Prefix, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		pfx, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, err
		}
		return netip.PrefixFrom(pfx.Addr().Unmap(), pfx.Bits()).Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// matches reports whether the rule applies to this request and identity.
// planTier is the resolved tier for authenticated callers, empty for
// anonymous ones.
func (r *activeRule) matches(req CheckRequest, planTier string) bool {
	if !matchPattern(r.Endpoint, req.Endpoint) {
		return false
	}
	if r.Method != "" && r.Method != "*" && !strings.EqualFold(r.Method, req.Method) {
		return false
	}
	if len(r.IPRanges) > 0 && !r.sourceInRanges(req.SourceIP) {
		return false
	}

	switch r.Scope {
	case ScopeAll, "":
		return true
	case ScopeAuthenticated:
		return req.UserID != ""
	case ScopeAnonymous:
		return req.UserID == ""
	case ScopeUsers:
		return containsString(r.UserIDs, req.UserID)
	case ScopePlans:
		return planTier != "" && containsString(r.PlanTiers, planTier)
	default:
		return false
	}
}

func (r *activeRule) sourceInRanges(sourceIP string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(sourceIP))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, pfx := range r.nets {
		if pfx.Contains(addr) {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// minuteCeiling returns the per-minute limit with the burst multiplier
// applied. Only the minute window is scaled; hour and day caps hold
// steady so bursts borrow headroom without raising the day's total.
func (r *activeRule) minuteCeiling() int {
	if r.BurstMultiplier > 1 {
		return int(float64(r.PerMinute) * r.BurstMultiplier)
	}
	return r.PerMinute
}

// evaluate runs the request through every matching rule in descending
// priority order. The first breached window denies, naming its rule; the
// counters of lower-priority rules are left untouched after a breach.
func (e *ruleEngine) evaluate(ctx context.Context, req CheckRequest, planTier string) ([]windowStatus, error) {
	rules := e.snapshot(ctx)
	if len(rules) == 0 {
		return nil, nil
	}

	idKey := req.Identity().Key()
	now := e.clock.Now()
	var statuses []windowStatus

	for _, rule := range rules {
		if !rule.matches(req, planTier) {
			continue
		}
		windows := []struct {
			name  string
			limit int
			span  time.Duration
		}{
			{windowMinute, rule.minuteCeiling(), time.Minute},
			{windowHour, rule.PerHour, time.Hour},
			{windowDay, rule.PerDay, 24 * time.Hour},
		}
		for _, w := range windows {
			if w.limit <= 0 {
				continue
			}
			key := ruleWindowKey(rule.ID, idKey, w.name, windowBucket(now, w.span))
			st, err := checkFixedWindow(ctx, e.counters, key, w.limit, w.span, now)
			if err != nil {
				return statuses, err
			}
			st.reason = RuleReason(rule.ID)
			statuses = append(statuses, st)
			if st.exceeded {
				return statuses, nil
			}
		}
	}
	return statuses, nil
}

// matchPattern reports whether s matches pattern, where '*' matches any
// run of characters including '/'. A pattern without wildcards must
// match exactly; an empty pattern matches nothing.
func matchPattern(pattern, s string) bool {
	if pattern == "" {
		return false
	}
	if !strings.Contains(pattern, "*") {
		return pattern == s
	}
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		if part == "" {
			continue
		}
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	last := parts[len(parts)-1]
	if last == "" {
		return true
	}
	return strings.HasSuffix(s, last)
}
