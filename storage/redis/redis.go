// Package redis provides a Redis implementation of the ratekeeper counter,
// concurrency, quota, and rule stores. Counter and quota mutations run as Lua
// scripts so concurrent checks across processes stay atomic.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/inkwellhq/ratekeeper/pkg/ratekeeper"
)

// Store implements ratekeeper.CounterStore, ratekeeper.ConcurrencyStore,
// ratekeeper.QuotaRepository, and ratekeeper.RuleRepository using Redis.
//
// Audit events and usage metrics are not stored in Redis; pair this store
// with the postgres or firestore backend when those are needed.
type Store struct {
	client  redis.UniversalClient
	config  Config
	clock   ratekeeper.Clock
	scripts map[string]*redis.Script
}

// Config holds Redis store configuration.
type Config struct {
	// KeyPrefix is prepended to all keys (default: "ratekeeper:")
	KeyPrefix string

	// QuotaTTL is the expiration for quota records (0 = no expiration)
	QuotaTTL time.Duration

	// MaxRetries is the number of attempts for optimistic quota updates
	// that lose a WATCH race (default: 3)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "ratekeeper:",
		QuotaTTL:   0,
		MaxRetries: 3,
	}
}

// New creates a new Redis-backed store.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "ratekeeper:"
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}

	s := &Store{
		client: client,
		config: config,
		clock:  ratekeeper.SystemClock(),
	}
	s.loadScripts()

	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations.
func (s *Store) loadScripts() {
	s.scripts = map[string]*redis.Script{
		// Sliding window check. Prunes entries older than the window,
		// admits the request only when under the limit, and reports the
		// oldest surviving entry so callers can compute the reset time.
		// KEYS[1] = window key
		// ARGV[1] = now (unix milliseconds)
		// ARGV[2] = limit
		// ARGV[3] = window (milliseconds)
		// ARGV[4] = member (unique per request)
		// Returns: {allowed (0/1), count, oldest (unix ms, 0 if empty)}
		"slidingAllow": redis.NewScript(`
			local key = KEYS[1]
			local now = tonumber(ARGV[1])
			local limit = tonumber(ARGV[2])
			local window = tonumber(ARGV[3])

			redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

			local count = redis.call('ZCARD', key)
			local allowed = 0
			if count < limit then
				redis.call('ZADD', key, now, ARGV[4])
				allowed = 1
				count = count + 1
			end

			local oldest = 0
			local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
			if first and #first >= 2 then
				oldest = tonumber(first[2])
			end

			redis.call('PEXPIRE', key, window * 2)

			return {allowed, count, oldest}
		`),

		// Fixed window increment. The expiry is set only when the key is
		// created so later increments cannot extend the bucket's life.
		// KEYS[1] = counter key
		// ARGV[1] = ttl (milliseconds)
		// Returns: count after increment
		"incrementAndExpire": redis.NewScript(`
			local count = redis.call('INCR', KEYS[1])
			if count == 1 then
				redis.call('PEXPIRE', KEYS[1], ARGV[1])
			end
			return count
		`),

		// Slot release clamped at zero so an unmatched release cannot
		// drive the gauge negative.
		// KEYS[1] = slot key
		// Returns: count after release
		"releaseSlot": redis.NewScript(`
			local count = redis.call('GET', KEYS[1])
			if not count or tonumber(count) <= 0 then
				return 0
			end
			return redis.call('DECR', KEYS[1])
		`),

		// Generation consume. Checks the daily ceiling, then the monthly
		// ceiling, and charges both counters only when neither is
		// exhausted. A denied request is never charged. lastReset moves as
		// a string because nanosecond timestamps overflow Lua's doubles.
		// KEYS[1] = quota key
		// ARGV[1] = daily limit (0 = unlimited)
		// ARGV[2] = monthly limit (0 = unlimited)
		// Returns: {status, daily, monthly, lastReset}
		//   status: -1 = not found, 0 = consumed, 1 = daily exhausted, 2 = monthly exhausted
		"consumeGeneration": redis.NewScript(`
			local key = KEYS[1]
			local dailyLimit = tonumber(ARGV[1])
			local monthlyLimit = tonumber(ARGV[2])

			if redis.call('EXISTS', key) == 0 then
				return {-1, 0, 0, '0'}
			end

			local daily = tonumber(redis.call('HGET', key, 'daily') or '0')
			local monthly = tonumber(redis.call('HGET', key, 'monthly') or '0')
			local lastReset = redis.call('HGET', key, 'lastReset') or '0'

			if dailyLimit > 0 and daily >= dailyLimit then
				return {1, daily, monthly, lastReset}
			end
			if monthlyLimit > 0 and monthly >= monthlyLimit then
				return {2, daily, monthly, lastReset}
			end

			daily = redis.call('HINCRBY', key, 'daily', 1)
			monthly = redis.call('HINCRBY', key, 'monthly', 1)
			return {0, daily, monthly, lastReset}
		`),
	}
}

func (s *Store) key(k string) string {
	return s.config.KeyPrefix + k
}

func (s *Store) quotaKey(userID string) string {
	return s.config.KeyPrefix + "quota:" + userID
}

func (s *Store) rulesKey() string {
	return s.config.KeyPrefix + "rules"
}

func (s *Store) slotKey(k string) string {
	return s.config.KeyPrefix + "slots:" + k
}

// IncrementAndExpire implements ratekeeper.CounterStore.
func (s *Store) IncrementAndExpire(ctx context.Context, key string, window time.Duration) (int64, error) {
	// Keys embed the bucket timestamp, so the TTL is cleanup rather than
	// correctness. Keep the key for two windows like the sliding sets.
	ttl := (2 * window).Milliseconds()
	if ttl <= 0 {
		ttl = time.Minute.Milliseconds()
	}

	result, err := s.scripts["incrementAndExpire"].Run(ctx, s.client, []string{s.key(key)}, ttl).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	count, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected increment result type: %T", result)
	}

	return count, nil
}

// SlidingAllow implements ratekeeper.CounterStore. Denied requests are not
// recorded, so a saturated window drains as its entries age out.
func (s *Store) SlidingAllow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, time.Time, error) {
	now := s.clock.Now()

	result, err := s.scripts["slidingAllow"].Run(ctx, s.client,
		[]string{s.key(key)},
		now.UnixMilli(),
		limit,
		window.Milliseconds(),
		strconv.FormatInt(now.UnixNano(), 10),
	).Result()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("failed to check sliding window: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) < 3 {
		return false, 0, time.Time{}, fmt.Errorf("unexpected sliding window result: %v", result)
	}

	allowed, _ := values[0].(int64)
	count, _ := values[1].(int64)
	oldestMs, _ := values[2].(int64)

	var oldest time.Time
	if oldestMs > 0 {
		oldest = time.UnixMilli(oldestMs)
	}

	return allowed == 1, count, oldest, nil
}

// AcquireSlot implements ratekeeper.ConcurrencyStore. The TTL is refreshed
// on every acquire so active keys never expire mid-request.
func (s *Store) AcquireSlot(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, s.slotKey(key))
	pipe.Expire(ctx, s.slotKey(key), ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to acquire slot: %w", err)
	}

	return incr.Val(), nil
}

// ReleaseSlot implements ratekeeper.ConcurrencyStore.
func (s *Store) ReleaseSlot(ctx context.Context, key string) (int64, error) {
	result, err := s.scripts["releaseSlot"].Run(ctx, s.client, []string{s.slotKey(key)}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to release slot: %w", err)
	}

	count, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected release result type: %T", result)
	}

	return count, nil
}

// SlotCount implements ratekeeper.ConcurrencyStore.
func (s *Store) SlotCount(ctx context.Context, key string) (int64, error) {
	count, err := s.client.Get(ctx, s.slotKey(key)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read slot count: %w", err)
	}

	return count, nil
}

// GetQuota implements ratekeeper.QuotaRepository. The generation counters
// live in separate hash fields so consumes stay atomic; they are overlaid
// on the JSON record here.
func (s *Store) GetQuota(ctx context.Context, userID string) (*ratekeeper.UserQuota, error) {
	values, err := s.client.HMGet(ctx, s.quotaKey(userID), "data", "daily", "monthly", "lastReset").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get quota: %w", err)
	}

	return decodeQuota(values)
}

// SaveQuota implements ratekeeper.QuotaRepository.
func (s *Store) SaveQuota(ctx context.Context, quota *ratekeeper.UserQuota) error {
	if quota == nil || quota.UserID == "" {
		return fmt.Errorf("quota must have a user ID")
	}

	data, err := json.Marshal(quota)
	if err != nil {
		return fmt.Errorf("failed to marshal quota: %w", err)
	}

	key := s.quotaKey(quota.UserID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"data", string(data),
		"daily", quota.Usage.DailyGenerationsUsed,
		"monthly", quota.Usage.MonthlyGenerationsUsed,
		"lastReset", encodeTime(quota.Usage.LastReset),
	)
	if s.config.QuotaTTL > 0 {
		pipe.Expire(ctx, key, s.config.QuotaTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save quota: %w", err)
	}

	return nil
}

// UpdateQuota implements ratekeeper.QuotaRepository. The patch is applied
// under WATCH so a consume racing the update forces a clean retry instead
// of losing counts.
func (s *Store) UpdateQuota(ctx context.Context, userID string, patch ratekeeper.QuotaPatch) (*ratekeeper.UserQuota, error) {
	key := s.quotaKey(userID)

	var updated *ratekeeper.UserQuota
	txn := func(tx *redis.Tx) error {
		values, err := tx.HMGet(ctx, key, "data", "daily", "monthly", "lastReset").Result()
		if err != nil {
			return err
		}

		quota, err := decodeQuota(values)
		if err != nil {
			return err
		}

		patch.Apply(quota)
		quota.UpdatedAt = s.clock.Now()

		raw, err := json.Marshal(quota)
		if err != nil {
			return fmt.Errorf("failed to marshal quota: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "data", string(raw))
			return nil
		})
		if err != nil {
			return err
		}

		updated = quota
		return nil
	}

	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		err := s.client.Watch(ctx, txn, key)
		switch {
		case err == nil:
			return updated, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ratekeeper.ErrQuotaNotFound):
			return nil, ratekeeper.ErrQuotaNotFound
		default:
			return nil, fmt.Errorf("failed to update quota: %w", err)
		}
	}

	return nil, fmt.Errorf("failed to update quota: %w", redis.TxFailedErr)
}

// ConsumeGeneration implements ratekeeper.QuotaRepository. The ceiling
// check and the increments run in one script, so two racing requests for
// the last generation cannot both be charged.
func (s *Store) ConsumeGeneration(ctx context.Context, req ratekeeper.ConsumeRequest) (*ratekeeper.ConsumeResult, error) {
	result, err := s.scripts["consumeGeneration"].Run(ctx, s.client,
		[]string{s.quotaKey(req.UserID)},
		req.DailyLimit,
		req.MonthlyLimit,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to consume generation: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) < 4 {
		return nil, fmt.Errorf("unexpected consume result: %v", result)
	}

	status, _ := values[0].(int64)
	daily, _ := values[1].(int64)
	monthly, _ := values[2].(int64)

	if status == -1 {
		return nil, ratekeeper.ErrQuotaNotFound
	}

	res := &ratekeeper.ConsumeResult{
		Usage: ratekeeper.QuotaUsage{
			DailyGenerationsUsed:   int(daily),
			MonthlyGenerationsUsed: int(monthly),
		},
	}
	if nanos := parseInt64(values[3]); nanos > 0 {
		res.Usage.LastReset = time.Unix(0, nanos)
	}

	switch status {
	case 0:
		res.Consumed = true
	case 1:
		res.Exceeded = ratekeeper.CeilingDaily
	case 2:
		res.Exceeded = ratekeeper.CeilingMonthly
	}

	return res, nil
}

// ResetUsage implements ratekeeper.QuotaRepository.
func (s *Store) ResetUsage(ctx context.Context, userID string, usage ratekeeper.QuotaUsage) error {
	key := s.quotaKey(userID)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check quota: %w", err)
	}
	if exists == 0 {
		return ratekeeper.ErrQuotaNotFound
	}

	err = s.client.HSet(ctx, key,
		"daily", usage.DailyGenerationsUsed,
		"monthly", usage.MonthlyGenerationsUsed,
		"lastReset", encodeTime(usage.LastReset),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to reset usage: %w", err)
	}

	return nil
}

// ListEnabledRules implements ratekeeper.RuleSource.
func (s *Store) ListEnabledRules(ctx context.Context) ([]*ratekeeper.Rule, error) {
	entries, err := s.client.HGetAll(ctx, s.rulesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}

	rules := make([]*ratekeeper.Rule, 0, len(entries))
	for id, data := range entries {
		var rule ratekeeper.Rule
		if err := json.Unmarshal([]byte(data), &rule); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rule %s: %w", id, err)
		}
		if rule.Enabled {
			rules = append(rules, &rule)
		}
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
	data, err := s.client.HGet(ctx, s.rulesKey(), id).Result()
	if err == redis.Nil {
		return nil, ratekeeper.ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}

	var rule ratekeeper.Rule
	if err := json.Unmarshal([]byte(data), &rule); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rule: %w", err)
	}

	return &rule, nil
}

// PutRule implements ratekeeper.RuleRepository. CreatedAt is preserved
// across replacements.
func (s *Store) PutRule(ctx context.Context, rule *ratekeeper.Rule) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("rule must have an ID")
	}

	stored := rule.Clone()
	now := s.clock.Now()
	if existing, err := s.GetRule(ctx, rule.ID); err == nil {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal rule: %w", err)
	}

	if err := s.client.HSet(ctx, s.rulesKey(), stored.ID, string(data)).Err(); err != nil {
		return fmt.Errorf("failed to put rule: %w", err)
	}

	return nil
}

// DeleteRule implements ratekeeper.RuleRepository.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	removed, err := s.client.HDel(ctx, s.rulesKey(), id).Result()
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if removed == 0 {
		return ratekeeper.ErrRuleNotFound
	}

	return nil
}

// Ping checks the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

// decodeQuota rebuilds a quota record from the hash fields returned by
// HMGET data, daily, monthly, lastReset.
func decodeQuota(values []interface{}) (*ratekeeper.UserQuota, error) {
	data, ok := values[0].(string)
	if !ok || data == "" {
		return nil, ratekeeper.ErrQuotaNotFound
	}

	var quota ratekeeper.UserQuota
	if err := json.Unmarshal([]byte(data), &quota); err != nil {
		return nil, fmt.Errorf("failed to unmarshal quota: %w", err)
	}

	quota.Usage.DailyGenerationsUsed = int(parseInt64(values[1]))
	quota.Usage.MonthlyGenerationsUsed = int(parseInt64(values[2]))
	quota.Usage.LastReset = time.Time{}
	if nanos := parseInt64(values[3]); nanos > 0 {
		quota.Usage.LastReset = time.Unix(0, nanos)
	}

	return &quota, nil
}

func encodeTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func parseInt64(v interface{}) int64 {
	switch val := v.(type) {
	case string:
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return 0
		}
		return n
	case int64:
		return val
	}
	return 0
}
