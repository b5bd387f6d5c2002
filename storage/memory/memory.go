// Package memory provides an in-memory implementation of every ratekeeper
// storage contract. It is intended for testing, development and
// single-instance deployments; counters are lost on restart.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/inkwellhq/ratekeeper/pkg/ratekeeper"
)

// Store implements ratekeeper.CounterStore, ConcurrencyStore,
// QuotaRepository, RuleRepository, MetricStore and AuditSink using maps
// behind a single mutex.
type Store struct {
	mu    sync.RWMutex
	clock ratekeeper.Clock

	counters map[string]*counterCell
	logs     map[string][]time.Time
	slots    map[string]*slotCell
	quotas   map[string]*ratekeeper.UserQuota
	rules    map[string]*ratekeeper.Rule
	metrics  []*ratekeeper.UsageMetric
	audits   []*ratekeeper.AuditEvent
}

type counterCell struct {
	count   int64
	expires time.Time
}

type slotCell struct {
	count   int64
	expires time.Time
}

// New creates an empty in-memory store on the system clock.
func New() *Store {
	return NewWithClock(ratekeeper.SystemClock())
}

// NewWithClock creates a store that reads time from clock, letting tests
// drive window expiry deterministically.
func NewWithClock(clock ratekeeper.Clock) *Store {
	return &Store{
		clock:    clock,
		counters: make(map[string]*counterCell),
		logs:     make(map[string][]time.Time),
		slots:    make(map[string]*slotCell),
		quotas:   make(map[string]*ratekeeper.UserQuota),
		rules:    make(map[string]*ratekeeper.Rule),
	}
}

// IncrementAndExpire implements ratekeeper.CounterStore.
func (s *Store) IncrementAndExpire(_ context.Context, key string, window time.Duration) (int64, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	cell, ok := s.counters[key]
	if !ok || !cell.expires.After(now) {
		cell = &counterCell{expires: now.Add(window)}
		s.counters[key] = cell
	}
	cell.count++
	return cell.count, nil
}

// SlidingAllow implements ratekeeper.CounterStore. Pruning, counting and
// the conditional append happen under one lock so concurrent callers
// cannot both take the last slot.
func (s *Store) SlidingAllow(_ context.Context, key string, limit int64, window time.Duration) (bool, int64, time.Time, error) {
	now := s.clock.Now()
	cutoff := now.Add(-window)

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.logs[key][:0]
	for _, ts := range s.logs[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if int64(len(kept)) >= limit {
		s.logs[key] = kept
		oldest := now
		if len(kept) > 0 {
			oldest = kept[0]
		}
		return false, int64(len(kept)), oldest, nil
	}

	kept = append(kept, now)
	s.logs[key] = kept
	return true, int64(len(kept)), kept[0], nil
}

// AcquireSlot implements ratekeeper.ConcurrencyStore. The TTL is
// refreshed on every acquire; a key whose requests stop releasing decays
// back to zero after ttl.
func (s *Store) AcquireSlot(_ context.Context, key string, ttl time.Duration) (int64, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	cell, ok := s.slots[key]
	if !ok || !cell.expires.After(now) {
		cell = &slotCell{}
		s.slots[key] = cell
	}
	cell.count++
	cell.expires = now.Add(ttl)
	return cell.count, nil
}

// ReleaseSlot implements ratekeeper.ConcurrencyStore. Releases never take
// the count below zero.
func (s *Store) ReleaseSlot(_ context.Context, key string) (int64, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	cell, ok := s.slots[key]
	if !ok || !cell.expires.After(now) {
		delete(s.slots, key)
		return 0, nil
	}
	if cell.count > 0 {
		cell.count--
	}
	if cell.count == 0 {
		delete(s.slots, key)
		return 0, nil
	}
	return cell.count, nil
}

// SlotCount implements ratekeeper.ConcurrencyStore.
func (s *Store) SlotCount(_ context.Context, key string) (int64, error) {
	now := s.clock.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	cell, ok := s.slots[key]
	if !ok || !cell.expires.After(now) {
		return 0, nil
	}
	return cell.count, nil
}

// GetQuota implements ratekeeper.QuotaRepository.
func (s *Store) GetQuota(_ context.Context, userID string) (*ratekeeper.UserQuota, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	quota, ok := s.quotas[userID]
	if !ok {
		return nil, ratekeeper.ErrQuotaNotFound
	}
	return quota.Clone(), nil
}

// SaveQuota implements ratekeeper.QuotaRepository.
func (s *Store) SaveQuota(_ context.Context, quota *ratekeeper.UserQuota) error {
	if quota == nil || quota.UserID == "" {
		return fmt.Errorf("memory: quota record needs a user ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.quotas[quota.UserID] = quota.Clone()
	return nil
}

// UpdateQuota implements ratekeeper.QuotaRepository.
func (s *Store) UpdateQuota(_ context.Context, userID string, patch ratekeeper.QuotaPatch) (*ratekeeper.UserQuota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	quota, ok := s.quotas[userID]
	if !ok {
		return nil, ratekeeper.ErrQuotaNotFound
	}
	patch.Apply(quota)
	quota.UpdatedAt = s.clock.Now()
	return quota.Clone(), nil
}

// ConsumeGeneration implements ratekeeper.QuotaRepository. The limit
// check and the increment happen under one lock, so two racing requests
// for the last generation cannot both be charged.
func (s *Store) ConsumeGeneration(_ context.Context, req ratekeeper.ConsumeRequest) (*ratekeeper.ConsumeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	quota, ok := s.quotas[req.UserID]
	if !ok {
		return nil, ratekeeper.ErrQuotaNotFound
	}

	usage := quota.Usage
	if req.DailyLimit > 0 && usage.DailyGenerationsUsed >= req.DailyLimit {
		return &ratekeeper.ConsumeResult{Exceeded: ratekeeper.CeilingDaily, Usage: usage}, nil
	}
	if req.MonthlyLimit > 0 && usage.MonthlyGenerationsUsed >= req.MonthlyLimit {
		return &ratekeeper.ConsumeResult{Exceeded: ratekeeper.CeilingMonthly, Usage: usage}, nil
	}

	quota.Usage.DailyGenerationsUsed++
	quota.Usage.MonthlyGenerationsUsed++
	quota.UpdatedAt = s.clock.Now()
	return &ratekeeper.ConsumeResult{Consumed: true, Usage: quota.Usage}, nil
}

// ResetUsage implements ratekeeper.QuotaRepository.
func (s *Store) ResetUsage(_ context.Context, userID string, usage ratekeeper.QuotaUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	quota, ok := s.quotas[userID]
	if !ok {
		return ratekeeper.ErrQuotaNotFound
	}
	quota.Usage = usage
	quota.UpdatedAt = s.clock.Now()
	return nil
}

// ListEnabledRules implements ratekeeper.RuleSource.
func (s *Store) ListEnabledRules(_ context.Context) ([]*ratekeeper.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rules := make([]*ratekeeper.Rule, 0, len(s.rules))
	for _, rule := range s.rules {
		if rule.Enabled {
			rules = append(rules, rule.Clone())
		}
	}
	return rules, nil
}

// GetRule implements ratekeeper.RuleRepository.
func (s *Store) GetRule(_ context.Context, id string) (*ratekeeper.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, ok := s.rules[id]
	if !ok {
		return nil, ratekeeper.ErrRuleNotFound
	}
	return rule.Clone(), nil
}

// PutRule implements ratekeeper.RuleRepository.
func (s *Store) PutRule(_ context.Context, rule *ratekeeper.Rule) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("memory: rule needs an ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := rule.Clone()
	if existing, ok := s.rules[rule.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.clock.Now()
	}
	cp.UpdatedAt = s.clock.Now()
	s.rules[rule.ID] = cp
	return nil
}

// DeleteRule implements ratekeeper.RuleRepository.
func (s *Store) DeleteRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return ratekeeper.ErrRuleNotFound
	}
	delete(s.rules, id)
	return nil
}

// InsertMetric implements ratekeeper.MetricStore.
func (s *Store) InsertMetric(_ context.Context, metric *ratekeeper.UsageMetric) error {
	if metric == nil {
		return fmt.Errorf("memory: nil metric")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *metric
	s.metrics = append(s.metrics, &cp)
	return nil
}

// SummarizeUsage implements ratekeeper.MetricStore. Completion events
// carry response timings, not decisions, and are excluded from the
// check counts.
func (s *Store) SummarizeUsage(_ context.Context, userID string, from, to time.Time) (*ratekeeper.UsageSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := &ratekeeper.UsageSummary{
		DeniedByReason: make(map[string]int64),
		TopEndpoints:   make(map[string]int64),
	}
	for _, m := range s.metrics {
		if m.UserID != userID || m.Outcome == ratekeeper.OutcomeCompleted {
			continue
		}
		if m.Timestamp.Before(from) || m.Timestamp.After(to) {
			continue
		}
		summary.TotalChecks++
		if m.Outcome == ratekeeper.OutcomeAllowed {
			summary.Allowed++
		} else {
			summary.Denied++
			summary.DeniedByReason[m.Outcome]++
		}
		if m.Endpoint != "" {
			summary.TopEndpoints[m.Endpoint]++
		}
	}
	return summary, nil
}

// Log implements ratekeeper.AuditSink.
func (s *Store) Log(_ context.Context, event *ratekeeper.AuditEvent) error {
	if event == nil {
		return fmt.Errorf("memory: nil audit event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *event
	if event.Payload != nil {
		cp.Payload = make(map[string]string, len(event.Payload))
		for k, v := range event.Payload {
			cp.Payload[k] = v
		}
	}
	s.audits = append(s.audits, &cp)
	return nil
}

// Metrics returns a copy of every recorded usage metric, oldest first.
// Useful in tests.
func (s *Store) Metrics() []*ratekeeper.UsageMetric {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ratekeeper.UsageMetric, len(s.metrics))
	for i, m := range s.metrics {
		cp := *m
		out[i] = &cp
	}
	return out
}

// AuditEvents returns a copy of every recorded audit event, oldest
// first. Useful in tests.
func (s *Store) AuditEvents() []*ratekeeper.AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ratekeeper.AuditEvent, len(s.audits))
	for i, e := range s.audits {
		cp := *e
		out[i] = &cp
	}
	return out
}

// Clear removes all data. Useful between tests.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters = make(map[string]*counterCell)
	s.logs = make(map[string][]time.Time)
	s.slots = make(map[string]*slotCell)
	s.quotas = make(map[string]*ratekeeper.UserQuota)
	s.rules = make(map[string]*ratekeeper.Rule)
	s.metrics = nil
	s.audits = nil
}
