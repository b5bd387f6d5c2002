package ratekeeper

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// quotaManager loads quota records, rolls usage over calendar boundaries,
// and evaluates generation and API ceilings for authenticated users.
// Anonymous traffic never reaches it.
type quotaManager struct {
	repo        QuotaRepository
	counters    CounterStore
	cache       *quotaCache // nil disables caching
	tiers       map[string]TierLimits
	defaultTier string
	genPatterns []string
	loc         *time.Location
	clock       Clock
	logger      Logger
}

// load returns the user's quota record, creating one at the default tier
// on first sight and rolling usage over when a calendar boundary has
// passed since the last reset.
func (m *quotaManager) load(ctx context.Context, userID string) (*UserQuota, error) {
	if m.cache != nil {
		if quota, ok := m.cache.get(userID); ok {
			if err := m.rollover(ctx, quota); err != nil {
				return nil, err
			}
			return quota, nil
		}
	}

	quota, err := m.repo.GetQuota(ctx, userID)
	switch {
	case errors.Is(err, ErrQuotaNotFound):
		quota = m.newQuota(userID)
		if err := m.repo.SaveQuota(ctx, quota); err != nil {
			return nil, fmt.Errorf("create quota for %s: %w", userID, err)
		}
		m.logger.Info("quota record created",
			Field{"userId", userID},
			Field{"tier", quota.PlanTier})
	case err != nil:
		return nil, err
	}

	if err := m.rollover(ctx, quota); err != nil {
		return nil, err
	}
	if m.cache != nil {
		m.cache.set(quota)
	}
	return quota, nil
}

// newQuota builds a fresh record at the default tier.
func (m *quotaManager) newQuota(userID string) *UserQuota {
	now := m.clock.Now()
	limits := m.tiers[m.defaultTier]
	return &UserQuota{
		UserID:             userID,
		PlanTier:           m.defaultTier,
		DailyGenerations:   limits.DailyGenerations,
		MonthlyGenerations: limits.MonthlyGenerations,
		APIPerMinute:       limits.APIPerMinute,
		APIPerHour:         limits.APIPerHour,
		APIPerDay:          limits.APIPerDay,
		MaxConcurrent:      limits.MaxConcurrent,
		Priority:           limits.Priority,
		Features:           append([]string(nil), limits.Features...),
		Usage:              QuotaUsage{LastReset: now},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// rollover zeroes usage counters across calendar boundaries: the daily
// counter at every local midnight, the monthly counter on the first of
// the month. Boundaries compare calendar dates in the configured
// location, not elapsed time, so a check at 23:59 and one at 00:01 land
// in different days regardless of how far apart they are.
func (m *quotaManager) rollover(ctx context.Context, quota *UserQuota) error {
	now := m.clock.Now()
	last := quota.Usage.LastReset
	if last.IsZero() {
		quota.Usage.LastReset = now
		return nil
	}

	resetDaily := !sameDay(last, now, m.loc)
	resetMonthly := !sameMonth(last, now, m.loc)
	if !resetDaily && !resetMonthly {
		return nil
	}

	if resetDaily {
		quota.Usage.DailyGenerationsUsed = 0
	}
	if resetMonthly {
		quota.Usage.MonthlyGenerationsUsed = 0
	}
	quota.Usage.LastReset = now

	if err := m.repo.ResetUsage(ctx, quota.UserID, quota.Usage); err != nil {
		return fmt.Errorf("reset usage for %s: %w", quota.UserID, err)
	}
	if m.cache != nil {
		m.cache.set(quota)
	}
	m.logger.Info("usage counters rolled over",
		Field{"userId", quota.UserID},
		Field{"daily", resetDaily},
		Field{"monthly", resetMonthly})
	return nil
}

// effectiveLimits returns the ceilings to enforce for the record: its own
// unless it has expired, then the default tier's.
func (m *quotaManager) effectiveLimits(quota *UserQuota) TierLimits {
	if quota.Expired(m.clock.Now()) {
		if limits, ok := m.tiers[m.defaultTier]; ok {
			return limits
		}
	}
	return quota.Limits()
}

// isGeneration reports whether the endpoint consumes generation quota.
func (m *quotaManager) isGeneration(endpoint string) bool {
	for _, pattern := range m.genPatterns {
		if matchPattern(pattern, endpoint) {
			return true
		}
	}
	return false
}

// evaluate checks the user's ceilings for this request and returns the
// windows it observed, stopping at the first breach. Generation ceilings
// are only inspected here; the charge itself happens in consume once
// every other stage has admitted the request.
func (m *quotaManager) evaluate(ctx context.Context, quota *UserQuota, endpoint string) ([]windowStatus, error) {
	now := m.clock.Now()
	limits := m.effectiveLimits(quota)
	statuses := make([]windowStatus, 0, 5)

	if m.isGeneration(endpoint) {
		if limits.DailyGenerations > 0 {
			st := generationStatus(quota.Usage.DailyGenerationsUsed, limits.DailyGenerations,
				ReasonQuotaDaily, nextMidnight(now, m.loc))
			statuses = append(statuses, st)
			if st.exceeded {
				return statuses, nil
			}
		}
		if limits.MonthlyGenerations > 0 {
			st := generationStatus(quota.Usage.MonthlyGenerationsUsed, limits.MonthlyGenerations,
				ReasonQuotaMonthly, nextMonthStart(now, m.loc))
			statuses = append(statuses, st)
			if st.exceeded {
				return statuses, nil
			}
		}
	}

	idKey := UserIdentity(quota.UserID).Key()
	windows := []struct {
		name   string
		limit  int
		span   time.Duration
		reason string
	}{
		{windowMinute, limits.APIPerMinute, time.Minute, ReasonQuotaPerMinute},
		{windowHour, limits.APIPerHour, time.Hour, ReasonQuotaPerHour},
		{windowDay, limits.APIPerDay, 24 * time.Hour, ReasonQuotaPerDay},
	}
	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		key := apiWindowKey(idKey, w.name, windowBucket(now, w.span))
		st, err := checkFixedWindow(ctx, m.counters, key, w.limit, w.span, now)
		if err != nil {
			return statuses, err
		}
		st.reason = w.reason
		st.quota = true
		statuses = append(statuses, st)
		if st.exceeded {
			return statuses, nil
		}
	}
	return statuses, nil
}

// generationStatus views a generation ceiling as a window. Remaining
// anticipates the admit-time charge so headers agree with the stored
// counter once the request completes.
func generationStatus(used, limit int, reason string, reset time.Time) windowStatus {
	st := windowStatus{
		reason:   reason,
		quota:    true,
		limit:    limit,
		reset:    reset,
		exceeded: used >= limit,
	}
	if rem := limit - used - 1; rem > 0 {
		st.remaining = rem
	}
	return st
}

// consume applies the admit-time generation charge through the
// repository's conditional increment. A lost race against another
// process comes back as a denial status, never as quota overshoot.
func (m *quotaManager) consume(ctx context.Context, quota *UserQuota, endpoint string) (*windowStatus, error) {
	if !m.isGeneration(endpoint) {
		return nil, nil
	}
	limits := m.effectiveLimits(quota)
	if limits.DailyGenerations <= 0 && limits.MonthlyGenerations <= 0 {
		return nil, nil
	}

	res, err := m.repo.ConsumeGeneration(ctx, ConsumeRequest{
		UserID:       quota.UserID,
		DailyLimit:   limits.DailyGenerations,
		MonthlyLimit: limits.MonthlyGenerations,
	})
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	if res.Consumed {
		quota.Usage = res.Usage
		if m.cache != nil {
			m.cache.set(quota)
		}
		return nil, nil
	}

	st := windowStatus{quota: true, exceeded: true}
	switch res.Exceeded {
	case CeilingMonthly:
		st.reason = ReasonQuotaMonthly
		st.limit = limits.MonthlyGenerations
		st.reset = nextMonthStart(now, m.loc)
	default:
		st.reason = ReasonQuotaDaily
		st.limit = limits.DailyGenerations
		st.reset = nextMidnight(now, m.loc)
	}
	return &st, nil
}

// resolvePatch fills tier-derived ceilings into a patch that changes the
// plan tier without overriding them explicitly. TierCustom leaves every
// ceiling exactly as patched.
func (m *quotaManager) resolvePatch(patch QuotaPatch) (QuotaPatch, error) {
	if patch.PlanTier == nil || *patch.PlanTier == TierCustom {
		return patch, nil
	}
	limits, ok := m.tiers[*patch.PlanTier]
	if !ok {
		return QuotaPatch{}, fmt.Errorf("%w: %q", ErrInvalidTier, *patch.PlanTier)
	}
	if patch.DailyGenerations == nil {
		v := limits.DailyGenerations
		patch.DailyGenerations = &v
	}
	if patch.MonthlyGenerations == nil {
		v := limits.MonthlyGenerations
		patch.MonthlyGenerations = &v
	}
	if patch.APIPerMinute == nil {
		v := limits.APIPerMinute
		patch.APIPerMinute = &v
	}
	if patch.APIPerHour == nil {
		v := limits.APIPerHour
		patch.APIPerHour = &v
	}
	if patch.APIPerDay == nil {
		v := limits.APIPerDay
		patch.APIPerDay = &v
	}
	if patch.MaxConcurrent == nil {
		v := limits.MaxConcurrent
		patch.MaxConcurrent = &v
	}
	if patch.Priority == nil {
		v := limits.Priority
		patch.Priority = &v
	}
	if patch.Features == nil {
		// Non-nil even when the tier grants nothing, so a downgrade
		// clears features instead of leaving the old set in place.
		patch.Features = append([]string{}, limits.Features...)
	}
	return patch, nil
}
