// Package firestore provides a Google Cloud Firestore implementation of the
// ratekeeper store interfaces. Quota consumption and concurrency slots run in
// Firestore transactions. Traffic windows keep one event document per request,
// which fits deployments already persisting to Firestore; put the redis store
// in front when per-request latency matters. Metric and audit documents carry
// an expiresAt field so a server-side TTL policy can prune them.
package firestore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/inkwellhq/ratekeeper/pkg/ratekeeper"
)

// Store implements ratekeeper.CounterStore, ratekeeper.ConcurrencyStore,
// ratekeeper.QuotaRepository, ratekeeper.RuleRepository,
// ratekeeper.MetricStore and ratekeeper.AuditSink on Google Cloud Firestore.
type Store struct {
	client             *firestore.Client
	quotasCollection   string
	rulesCollection    string
	metricsCollection  string
	auditCollection    string
	countersCollection string
	recordTTL          time.Duration
}

// Config holds Firestore store configuration.
type Config struct {
	// QuotasCollection holds one document per user quota record.
	// Default: "user_quotas"
	QuotasCollection string

	// RulesCollection holds one document per endpoint rule.
	// Default: "limit_rules"
	RulesCollection string

	// MetricsCollection holds one document per recorded check or completion.
	// Default: "usage_metrics"
	MetricsCollection string

	// AuditCollection holds one document per audit event.
	// Default: "audit_events"
	AuditCollection string

	// CountersCollection holds window counters, concurrency slots and
	// sliding window events.
	// Default: "rate_counters"
	CountersCollection string

	// RecordTTL is written into the expiresAt field of metric and audit
	// documents. Configure a Firestore TTL policy on that field to enforce
	// retention. Default: 90 days.
	RecordTTL time.Duration
}

// New creates a new Firestore store. The caller owns the client and closes
// it when done.
func New(client *firestore.Client, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.QuotasCollection == "" {
		config.QuotasCollection = "user_quotas"
	}
	if config.RulesCollection == "" {
		config.RulesCollection = "limit_rules"
	}
	if config.MetricsCollection == "" {
		config.MetricsCollection = "usage_metrics"
	}
	if config.AuditCollection == "" {
		config.AuditCollection = "audit_events"
	}
	if config.CountersCollection == "" {
		config.CountersCollection = "rate_counters"
	}
	if config.RecordTTL <= 0 {
		config.RecordTTL = 90 * 24 * time.Hour
	}

	return &Store{
		client:             client,
		quotasCollection:   config.QuotasCollection,
		rulesCollection:    config.RulesCollection,
		metricsCollection:  config.MetricsCollection,
		auditCollection:    config.AuditCollection,
		countersCollection: config.CountersCollection,
		recordTTL:          config.RecordTTL,
	}, nil
}

// IncrementAndExpire implements ratekeeper.CounterStore. Keys embed the
// bucket timestamp, so the expiry is cleanup rather than correctness.
func (s *Store) IncrementAndExpire(ctx context.Context, key string, window time.Duration) (int64, error) {
	doc := s.counterDoc(key)
	expiry := 2 * window
	if expiry < time.Minute {
		expiry = time.Minute
	}

	var count int64
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		count = 0
		if snap.Exists() {
			count = int64(getInt(snap.Data(), "count"))
		}
		count++

		now := time.Now().UTC()
		return tx.Set(doc, map[string]interface{}{
			"count":     count,
			"expiresAt": now.Add(expiry),
			"updatedAt": now,
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	return count, nil
}

// SlidingAllow implements ratekeeper.CounterStore. Each admitted request
// appends an event document under the counter; the window query counts the
// events newer than the cutoff.
func (s *Store) SlidingAllow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, time.Time, error) {
	events := s.counterDoc(key).Collection("events")
	now := time.Now().UTC()
	cutoff := now.Add(-window)

	expiry := 2 * window
	if expiry < time.Minute {
		expiry = time.Minute
	}

	var allowed bool
	var count int64
	var oldest time.Time

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		// The window query runs outside the transaction; only the append is
		// transactional. Lapsed events age out of the query by timestamp and
		// are pruned by the TTL policy on expiresAt.
		query := events.Where("timestamp", ">", cutoff).
			OrderBy("timestamp", firestore.Asc).
			Limit(int(limit) + 1)
		iter := query.Documents(ctx)
		defer iter.Stop()

		count = 0
		oldest = time.Time{}
		for {
			snap, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				return err
			}
			count++
			if ts := getTime(snap.Data(), "timestamp"); oldest.IsZero() && !ts.IsZero() {
				oldest = ts
			}
		}

		if count >= limit {
			allowed = false
			return nil
		}

		if err := tx.Set(events.NewDoc(), map[string]interface{}{
			"timestamp": now,
			"expiresAt": now.Add(expiry),
		}); err != nil {
			return err
		}
		allowed = true
		count++
		if oldest.IsZero() {
			oldest = now
		}
		return nil
	})
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("failed to check sliding window: %w", err)
	}
	return allowed, count, oldest, nil
}

// AcquireSlot implements ratekeeper.ConcurrencyStore. A lapsed document is a
// crashed holder; its slots do not count.
func (s *Store) AcquireSlot(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	doc := s.slotDoc(key)

	var count int64
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		now := time.Now().UTC()
		count = 0
		if snap.Exists() {
			data := snap.Data()
			if expires := getTime(data, "expiresAt"); expires.After(now) {
				count = int64(getInt(data, "count"))
			}
		}
		count++

		return tx.Set(doc, map[string]interface{}{
			"count":     count,
			"expiresAt": now.Add(ttl),
			"updatedAt": now,
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to acquire slot: %w", err)
	}
	return count, nil
}

// ReleaseSlot implements ratekeeper.ConcurrencyStore. An unmatched release
// cannot drive the gauge negative.
func (s *Store) ReleaseSlot(ctx context.Context, key string) (int64, error) {
	doc := s.slotDoc(key)

	var count int64
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		count = 0
		if !snap.Exists() {
			return nil
		}

		now := time.Now().UTC()
		data := snap.Data()
		if expires := getTime(data, "expiresAt"); !expires.After(now) {
			return nil
		}
		current := int64(getInt(data, "count"))
		if current <= 0 {
			return nil
		}

		count = current - 1
		return tx.Set(doc, map[string]interface{}{
			"count":     count,
			"updatedAt": now,
		}, firestore.MergeAll)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to release slot: %w", err)
	}
	return count, nil
}

// SlotCount implements ratekeeper.ConcurrencyStore.
func (s *Store) SlotCount(ctx context.Context, key string) (int64, error) {
	snap, err := s.slotDoc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read slot count: %w", err)
	}

	data := snap.Data()
	if expires := getTime(data, "expiresAt"); !expires.After(time.Now().UTC()) {
		return 0, nil
	}
	return int64(getInt(data, "count")), nil
}

// GetQuota implements ratekeeper.QuotaRepository.
func (s *Store) GetQuota(ctx context.Context, userID string) (*ratekeeper.UserQuota, error) {
	snap, err := s.quotaDoc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ratekeeper.ErrQuotaNotFound
		}
		return nil, fmt.Errorf("failed to get quota: %w", err)
	}
	if !snap.Exists() {
		return nil, ratekeeper.ErrQuotaNotFound
	}
	return decodeQuota(userID, snap.Data()), nil
}

// SaveQuota implements ratekeeper.QuotaRepository. The document is replaced,
// counters included.
func (s *Store) SaveQuota(ctx context.Context, quota *ratekeeper.UserQuota) error {
	if quota == nil || quota.UserID == "" {
		return fmt.Errorf("quota must have a user ID")
	}

	if _, err := s.quotaDoc(quota.UserID).Set(ctx, encodeQuota(quota)); err != nil {
		return fmt.Errorf("failed to save quota: %w", err)
	}
	return nil
}

// UpdateQuota implements ratekeeper.QuotaRepository. The read and the write
// share a transaction, so a consume racing an update retries cleanly instead
// of losing counts.
func (s *Store) UpdateQuota(ctx context.Context, userID string, patch ratekeeper.QuotaPatch) (*ratekeeper.UserQuota, error) {
	doc := s.quotaDoc(userID)

	var quota *ratekeeper.UserQuota
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return ratekeeper.ErrQuotaNotFound
			}
			return err
		}

		quota = decodeQuota(userID, snap.Data())
		patch.Apply(quota)
		quota.UpdatedAt = time.Now().UTC()
		return tx.Set(doc, encodeQuota(quota))
	})
	if err != nil {
		if err == ratekeeper.ErrQuotaNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("failed to update quota: %w", err)
	}
	return quota, nil
}

// ConsumeGeneration implements ratekeeper.QuotaRepository. A blocked consume
// leaves the counters untouched.
func (s *Store) ConsumeGeneration(ctx context.Context, req ratekeeper.ConsumeRequest) (*ratekeeper.ConsumeResult, error) {
	doc := s.quotaDoc(req.UserID)

	var result *ratekeeper.ConsumeResult
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return ratekeeper.ErrQuotaNotFound
			}
			return err
		}

		data := snap.Data()
		usage := ratekeeper.QuotaUsage{
			DailyGenerationsUsed:   getInt(data, "dailyUsed"),
			MonthlyGenerationsUsed: getInt(data, "monthlyUsed"),
			LastReset:              getTime(data, "lastReset"),
		}

		if req.DailyLimit > 0 && usage.DailyGenerationsUsed >= req.DailyLimit {
			result = &ratekeeper.ConsumeResult{Exceeded: ratekeeper.CeilingDaily, Usage: usage}
			return nil
		}
		if req.MonthlyLimit > 0 && usage.MonthlyGenerationsUsed >= req.MonthlyLimit {
			result = &ratekeeper.ConsumeResult{Exceeded: ratekeeper.CeilingMonthly, Usage: usage}
			return nil
		}

		usage.DailyGenerationsUsed++
		usage.MonthlyGenerationsUsed++
		result = &ratekeeper.ConsumeResult{Consumed: true, Usage: usage}

		return tx.Set(doc, map[string]interface{}{
			"dailyUsed":   usage.DailyGenerationsUsed,
			"monthlyUsed": usage.MonthlyGenerationsUsed,
			"updatedAt":   time.Now().UTC(),
		}, firestore.MergeAll)
	})
	if err != nil {
		if err == ratekeeper.ErrQuotaNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("failed to consume generation: %w", err)
	}
	return result, nil
}

// ResetUsage implements ratekeeper.QuotaRepository.
func (s *Store) ResetUsage(ctx context.Context, userID string, usage ratekeeper.QuotaUsage) error {
	doc := s.quotaDoc(userID)

	snap, err := doc.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return ratekeeper.ErrQuotaNotFound
		}
		return fmt.Errorf("failed to check quota: %w", err)
	}
	if !snap.Exists() {
		return ratekeeper.ErrQuotaNotFound
	}

	_, err = doc.Set(ctx, map[string]interface{}{
		"dailyUsed":   usage.DailyGenerationsUsed,
		"monthlyUsed": usage.MonthlyGenerationsUsed,
		"lastReset":   usage.LastReset,
		"updatedAt":   time.Now().UTC(),
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to reset usage: %w", err)
	}
	return nil
}

// ListEnabledRules implements ratekeeper.RuleSource. The query filters on a
// single field; ordering happens in process.
func (s *Store) ListEnabledRules(ctx context.Context) ([]*ratekeeper.Rule, error) {
	iter := s.client.Collection(s.rulesCollection).Where("enabled", "==", true).Documents(ctx)
	defer iter.Stop()

	var rules []*ratekeeper.Rule
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list rules: %w", err)
		}
		rules = append(rules, decodeRule(snap.Ref.ID, snap.Data()))
	}

	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
	return rules, nil
}

// GetRule implements ratekeeper.RuleRepository.
func (s *Store) GetRule(ctx context.Context, id string) (*ratekeeper.Rule, error) {
	snap, err := s.ruleDoc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ratekeeper.ErrRuleNotFound
		}
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	if !snap.Exists() {
		return nil, ratekeeper.ErrRuleNotFound
	}
	return decodeRule(id, snap.Data()), nil
}

// PutRule implements ratekeeper.RuleRepository. Replacing a rule preserves
// its original creation time.
func (s *Store) PutRule(ctx context.Context, rule *ratekeeper.Rule) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("rule must have an ID")
	}

	stored := rule.Clone()
	now := time.Now().UTC()
	if existing, err := s.GetRule(ctx, rule.ID); err == nil {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	if _, err := s.ruleDoc(rule.ID).Set(ctx, encodeRule(stored)); err != nil {
		return fmt.Errorf("failed to put rule: %w", err)
	}
	return nil
}

// DeleteRule implements ratekeeper.RuleRepository.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	doc := s.ruleDoc(id)

	snap, err := doc.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return ratekeeper.ErrRuleNotFound
		}
		return fmt.Errorf("failed to check rule: %w", err)
	}
	if !snap.Exists() {
		return ratekeeper.ErrRuleNotFound
	}

	if _, err := doc.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return nil
}

// InsertMetric implements ratekeeper.MetricStore. Metric IDs double as
// document IDs, so a retried delivery overwrites itself.
func (s *Store) InsertMetric(ctx context.Context, metric *ratekeeper.UsageMetric) error {
	if metric == nil || metric.ID == "" {
		return fmt.Errorf("metric must have an ID")
	}

	ts := metric.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err := s.client.Collection(s.metricsCollection).Doc(metric.ID).Set(ctx, map[string]interface{}{
		"userId":         metric.UserID,
		"sourceIp":       metric.SourceIP,
		"endpoint":       metric.Endpoint,
		"method":         metric.Method,
		"outcome":        metric.Outcome,
		"userAgent":      metric.UserAgent,
		"responseTimeMs": metric.ResponseTime.Milliseconds(),
		"statusCode":     metric.StatusCode,
		"timestamp":      ts,
		"expiresAt":      ts.Add(s.recordTTL),
	})
	if err != nil {
		return fmt.Errorf("failed to insert metric: %w", err)
	}
	return nil
}

// SummarizeUsage implements ratekeeper.MetricStore. Completion events carry
// response timings, not decisions, and are excluded from the check counts.
// The query needs a composite index over userId and timestamp.
func (s *Store) SummarizeUsage(ctx context.Context, userID string, from, to time.Time) (*ratekeeper.UsageSummary, error) {
	iter := s.client.Collection(s.metricsCollection).
		Where("userId", "==", userID).
		Where("timestamp", ">=", from).
		Where("timestamp", "<=", to).
		Documents(ctx)
	defer iter.Stop()

	summary := &ratekeeper.UsageSummary{
		DeniedByReason: make(map[string]int64),
		TopEndpoints:   make(map[string]int64),
	}
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to summarize usage: %w", err)
		}

		data := snap.Data()
		outcome := getString(data, "outcome")
		if outcome == ratekeeper.OutcomeCompleted {
			continue
		}
		summary.TotalChecks++
		if outcome == ratekeeper.OutcomeAllowed {
			summary.Allowed++
		} else {
			summary.Denied++
			summary.DeniedByReason[outcome]++
		}
		if endpoint := getString(data, "endpoint"); endpoint != "" {
			summary.TopEndpoints[endpoint]++
		}
	}
	return summary, nil
}

// Log implements ratekeeper.AuditSink.
func (s *Store) Log(ctx context.Context, event *ratekeeper.AuditEvent) error {
	if event == nil {
		return fmt.Errorf("audit event is required")
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	data := map[string]interface{}{
		"event":     event.Event,
		"actor":     event.Actor,
		"userId":    event.UserID,
		"severity":  event.Severity,
		"timestamp": ts,
		"expiresAt": ts.Add(s.recordTTL),
	}
	if len(event.Payload) > 0 {
		data["payload"] = event.Payload
	}

	if _, err := s.client.Collection(s.auditCollection).NewDoc().Set(ctx, data); err != nil {
		return fmt.Errorf("failed to log audit event: %w", err)
	}
	return nil
}

func (s *Store) quotaDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.quotasCollection).Doc(userID)
}

func (s *Store) ruleDoc(id string) *firestore.DocumentRef {
	return s.client.Collection(s.rulesCollection).Doc(id)
}

func (s *Store) counterDoc(key string) *firestore.DocumentRef {
	return s.client.Collection(s.countersCollection).Doc(key)
}

func (s *Store) slotDoc(key string) *firestore.DocumentRef {
	return s.client.Collection(s.countersCollection).Doc("slots:" + key)
}

func decodeQuota(userID string, data map[string]interface{}) *ratekeeper.UserQuota {
	quota := &ratekeeper.UserQuota{
		UserID:             userID,
		PlanTier:           getString(data, "planTier"),
		DailyGenerations:   getInt(data, "dailyGenerations"),
		MonthlyGenerations: getInt(data, "monthlyGenerations"),
		APIPerMinute:       getInt(data, "apiPerMinute"),
		APIPerHour:         getInt(data, "apiPerHour"),
		APIPerDay:          getInt(data, "apiPerDay"),
		MaxConcurrent:      getInt(data, "maxConcurrent"),
		Priority:           getInt(data, "priority"),
		Features:           getStringSlice(data, "features"),
		Usage: ratekeeper.QuotaUsage{
			DailyGenerationsUsed:   getInt(data, "dailyUsed"),
			MonthlyGenerationsUsed: getInt(data, "monthlyUsed"),
			LastReset:              getTime(data, "lastReset"),
		},
		CreatedAt: getTime(data, "createdAt"),
		UpdatedAt: getTime(data, "updatedAt"),
	}
	if expiresAt, ok := data["expiresAt"].(time.Time); ok && !expiresAt.IsZero() {
		quota.ExpiresAt = &expiresAt
	}
	return quota
}

func encodeQuota(quota *ratekeeper.UserQuota) map[string]interface{} {
	data := map[string]interface{}{
		"planTier":           quota.PlanTier,
		"dailyGenerations":   quota.DailyGenerations,
		"monthlyGenerations": quota.MonthlyGenerations,
		"apiPerMinute":       quota.APIPerMinute,
		"apiPerHour":         quota.APIPerHour,
		"apiPerDay":          quota.APIPerDay,
		"maxConcurrent":      quota.MaxConcurrent,
		"priority":           quota.Priority,
		"features":           quota.Features,
		"dailyUsed":          quota.Usage.DailyGenerationsUsed,
		"monthlyUsed":        quota.Usage.MonthlyGenerationsUsed,
		"lastReset":          quota.Usage.LastReset,
		"createdAt":          quota.CreatedAt,
		"updatedAt":          quota.UpdatedAt,
	}
	if quota.ExpiresAt != nil {
		data["expiresAt"] = *quota.ExpiresAt
	}
	return data
}

func decodeRule(id string, data map[string]interface{}) *ratekeeper.Rule {
	return &ratekeeper.Rule{
		ID:              id,
		Name:            getString(data, "name"),
		Endpoint:        getString(data, "endpoint"),
		Method:          getString(data, "method"),
		PerMinute:       getInt(data, "perMinute"),
		PerHour:         getInt(data, "perHour"),
		PerDay:          getInt(data, "perDay"),
		BurstMultiplier: getFloat(data, "burstMultiplier"),
		Scope:           ratekeeper.RuleScope(getString(data, "scope")),
		UserIDs:         getStringSlice(data, "userIds"),
		PlanTiers:       getStringSlice(data, "planTiers"),
		IPRanges:        getStringSlice(data, "ipRanges"),
		Priority:        getInt(data, "priority"),
		Enabled:         getBool(data, "enabled"),
		CreatedAt:       getTime(data, "createdAt"),
		UpdatedAt:       getTime(data, "updatedAt"),
	}
}

func encodeRule(rule *ratekeeper.Rule) map[string]interface{} {
	return map[string]interface{}{
		"name":            rule.Name,
		"endpoint":        rule.Endpoint,
		"method":          rule.Method,
		"perMinute":       rule.PerMinute,
		"perHour":         rule.PerHour,
		"perDay":          rule.PerDay,
		"burstMultiplier": rule.BurstMultiplier,
		"scope":           string(rule.Scope),
		"userIds":         rule.UserIDs,
		"planTiers":       rule.PlanTiers,
		"ipRanges":        rule.IPRanges,
		"priority":        rule.Priority,
		"enabled":         rule.Enabled,
		"createdAt":       rule.CreatedAt,
		"updatedAt":       rule.UpdatedAt,
	}
}

// Helper functions for type conversion from Firestore data.

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func getFloat(data map[string]interface{}, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func getBool(data map[string]interface{}, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

func getStringSlice(data map[string]interface{}, key string) []string {
	raw, ok := data[key].([]interface{})
	if !ok || len(raw) == 0 {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
