// Package postgres provides a PostgreSQL implementation of the ratekeeper
// quota, rule, metric, and audit stores. Quota mutations run in SQL
// transactions with SELECT FOR UPDATE so concurrent consumes stay atomic.
// Traffic counters are handled by an embedded memory store: windows are
// per-instance while quota state is synchronized globally through the
// database. Use the redis store when counters must be shared too.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inkwellhq/ratekeeper/pkg/ratekeeper"
	"github.com/inkwellhq/ratekeeper/storage/memory"
)

// schema holds the DDL applied on startup. Statements are idempotent so a
// fleet of instances can race through initialization safely.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS user_quotas (
		user_id             TEXT PRIMARY KEY,
		plan_tier           TEXT NOT NULL DEFAULT '',
		daily_generations   INTEGER NOT NULL DEFAULT 0,
		monthly_generations INTEGER NOT NULL DEFAULT 0,
		api_per_minute      INTEGER NOT NULL DEFAULT 0,
		api_per_hour        INTEGER NOT NULL DEFAULT 0,
		api_per_day         INTEGER NOT NULL DEFAULT 0,
		max_concurrent      INTEGER NOT NULL DEFAULT 0,
		priority            INTEGER NOT NULL DEFAULT 0,
		features            JSONB,
		expires_at          TIMESTAMPTZ,
		daily_used          INTEGER NOT NULL DEFAULT 0,
		monthly_used        INTEGER NOT NULL DEFAULT 0,
		last_reset          TIMESTAMPTZ,
		created_at          TIMESTAMPTZ NOT NULL,
		updated_at          TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS limit_rules (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL DEFAULT '',
		endpoint         TEXT NOT NULL DEFAULT '',
		method           TEXT NOT NULL DEFAULT '',
		per_minute       INTEGER NOT NULL DEFAULT 0,
		per_hour         INTEGER NOT NULL DEFAULT 0,
		per_day          INTEGER NOT NULL DEFAULT 0,
		burst_multiplier DOUBLE PRECISION NOT NULL DEFAULT 0,
		scope            TEXT NOT NULL DEFAULT '',
		user_ids         JSONB,
		plan_tiers       JSONB,
		ip_ranges        JSONB,
		priority         INTEGER NOT NULL DEFAULT 0,
		enabled          BOOLEAN NOT NULL DEFAULT TRUE,
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_limit_rules_enabled ON limit_rules(enabled, priority DESC)`,
	`CREATE TABLE IF NOT EXISTS usage_metrics (
		id               TEXT PRIMARY KEY,
		user_id          TEXT NOT NULL DEFAULT '',
		source_ip        TEXT NOT NULL DEFAULT '',
		endpoint         TEXT NOT NULL DEFAULT '',
		method           TEXT NOT NULL DEFAULT '',
		outcome          TEXT NOT NULL,
		user_agent       TEXT NOT NULL DEFAULT '',
		response_time_ms BIGINT NOT NULL DEFAULT 0,
		status_code      INTEGER NOT NULL DEFAULT 0,
		recorded_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_metrics_user_time ON usage_metrics(user_id, recorded_at)`,
	`CREATE TABLE IF NOT EXISTS audit_events (
		id          BIGSERIAL PRIMARY KEY,
		event       TEXT NOT NULL,
		actor       TEXT NOT NULL DEFAULT '',
		user_id     TEXT NOT NULL DEFAULT '',
		severity    TEXT NOT NULL DEFAULT 'info',
		payload     JSONB,
		recorded_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_user_time ON audit_events(user_id, recorded_at)`,
}

const quotaColumns = `user_id, plan_tier, daily_generations, monthly_generations,
	api_per_minute, api_per_hour, api_per_day, max_concurrent, priority,
	features, expires_at, daily_used, monthly_used, last_reset, created_at, updated_at`

// Store implements ratekeeper.QuotaRepository, ratekeeper.RuleRepository,
// ratekeeper.MetricStore, and ratekeeper.AuditSink using PostgreSQL, with
// embedded memory counters for the traffic windows.
type Store struct {
	pool   *pgxpool.Pool
	config Config

	// Embedded memory store satisfies CounterStore and ConcurrencyStore.
	*memory.Store

	// stopCleanup cancels the background retention goroutine.
	stopCleanup func()
}

// Config holds PostgreSQL store configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Retention configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to prune old rows
	RecordTTL       time.Duration // Retention for metrics and audit events
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
		RecordTTL:       90 * 24 * time.Hour, // month-period summaries need the trailing quarter
	}
}

// New creates a new PostgreSQL store and applies the schema.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())

	s := &Store{
		pool:        pool,
		config:      config,
		Store:       memory.New(),
		stopCleanup: cancel,
	}

	if err := s.initSchema(ctx); err != nil {
		cancel()
		pool.Close()
		return nil, err
	}

	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// Close stops the retention goroutine and closes the connection pool.
func (s *Store) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetQuota implements ratekeeper.QuotaRepository.
func (s *Store) GetQuota(ctx context.Context, userID string) (*ratekeeper.UserQuota, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+quotaColumns+` FROM user_quotas WHERE user_id = $1`, userID)
	return scanQuota(row)
}

// SaveQuota implements ratekeeper.QuotaRepository.
func (s *Store) SaveQuota(ctx context.Context, quota *ratekeeper.UserQuota) error {
	if quota == nil || quota.UserID == "" {
		return fmt.Errorf("quota must have a user ID")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_quotas (`+quotaColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			ON CONFLICT (user_id) DO UPDATE SET
				plan_tier = EXCLUDED.plan_tier,
				daily_generations = EXCLUDED.daily_generations,
				monthly_generations = EXCLUDED.monthly_generations,
				api_per_minute = EXCLUDED.api_per_minute,
				api_per_hour = EXCLUDED.api_per_hour,
				api_per_day = EXCLUDED.api_per_day,
				max_concurrent = EXCLUDED.max_concurrent,
				priority = EXCLUDED.priority,
				features = EXCLUDED.features,
				expires_at = EXCLUDED.expires_at,
				daily_used = EXCLUDED.daily_used,
				monthly_used = EXCLUDED.monthly_used,
				last_reset = EXCLUDED.last_reset,
				updated_at = EXCLUDED.updated_at`,
		quota.UserID, quota.PlanTier,
		quota.DailyGenerations, quota.MonthlyGenerations,
		quota.APIPerMinute, quota.APIPerHour, quota.APIPerDay,
		quota.MaxConcurrent, quota.Priority,
		marshalJSON(quota.Features), quota.ExpiresAt,
		quota.Usage.DailyGenerationsUsed, quota.Usage.MonthlyGenerationsUsed,
		nullableTime(quota.Usage.LastReset),
		timeOrNow(quota.CreatedAt), timeOrNow(quota.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save quota: %w", err)
	}

	return nil
}

// UpdateQuota implements ratekeeper.QuotaRepository. The record is patched
// under a row lock so concurrent consumes and updates serialize cleanly.
func (s *Store) UpdateQuota(ctx context.Context, userID string, patch ratekeeper.QuotaPatch) (*ratekeeper.UserQuota, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback after commit is a no-op
		_ = tx.Rollback(ctx)
	}()

	row := tx.QueryRow(ctx,
		`SELECT `+quotaColumns+` FROM user_quotas WHERE user_id = $1 FOR UPDATE`, userID)
	quota, err := scanQuota(row)
	if err != nil {
		return nil, err
	}

	patch.Apply(quota)
	quota.UpdatedAt = time.Now().UTC()

	_, err = tx.Exec(ctx,
		`UPDATE user_quotas SET
				plan_tier = $2,
				daily_generations = $3,
				monthly_generations = $4,
				api_per_minute = $5,
				api_per_hour = $6,
				api_per_day = $7,
				max_concurrent = $8,
				priority = $9,
				features = $10,
				expires_at = $11,
				updated_at = $12
			WHERE user_id = $1`,
		userID, quota.PlanTier,
		quota.DailyGenerations, quota.MonthlyGenerations,
		quota.APIPerMinute, quota.APIPerHour, quota.APIPerDay,
		quota.MaxConcurrent, quota.Priority,
		marshalJSON(quota.Features), quota.ExpiresAt, quota.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update quota: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	return quota, nil
}

// ConsumeGeneration implements ratekeeper.QuotaRepository. The ceiling
// check and the increments run under a row lock, so two racing requests
// for the last generation cannot both be charged.
func (s *Store) ConsumeGeneration(ctx context.Context, req ratekeeper.ConsumeRequest) (*ratekeeper.ConsumeResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback after commit is a no-op
		_ = tx.Rollback(ctx)
	}()

	var daily, monthly int
	var lastReset *time.Time
	err = tx.QueryRow(ctx,
		`SELECT daily_used, monthly_used, last_reset FROM user_quotas
			WHERE user_id = $1 FOR UPDATE`,
		req.UserID).Scan(&daily, &monthly, &lastReset)
	if err == pgx.ErrNoRows {
		return nil, ratekeeper.ErrQuotaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage for update: %w", err)
	}

	usage := ratekeeper.QuotaUsage{
		DailyGenerationsUsed:   daily,
		MonthlyGenerationsUsed: monthly,
	}
	if lastReset != nil {
		usage.LastReset = *lastReset
	}

	// A blocked consume leaves the counters untouched.
	if req.DailyLimit > 0 && daily >= req.DailyLimit {
		return &ratekeeper.ConsumeResult{Exceeded: ratekeeper.CeilingDaily, Usage: usage}, nil
	}
	if req.MonthlyLimit > 0 && monthly >= req.MonthlyLimit {
		return &ratekeeper.ConsumeResult{Exceeded: ratekeeper.CeilingMonthly, Usage: usage}, nil
	}

	err = tx.QueryRow(ctx,
		`UPDATE user_quotas
			SET daily_used = daily_used + 1, monthly_used = monthly_used + 1, updated_at = NOW()
			WHERE user_id = $1
			RETURNING daily_used, monthly_used`,
		req.UserID).Scan(&usage.DailyGenerationsUsed, &usage.MonthlyGenerationsUsed)
	if err != nil {
		return nil, fmt.Errorf("failed to update usage: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	return &ratekeeper.ConsumeResult{Consumed: true, Usage: usage}, nil
}

// ResetUsage implements ratekeeper.QuotaRepository.
func (s *Store) ResetUsage(ctx context.Context, userID string, usage ratekeeper.QuotaUsage) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE user_quotas
			SET daily_used = $2, monthly_used = $3, last_reset = $4, updated_at = NOW()
			WHERE user_id = $1`,
		userID, usage.DailyGenerationsUsed, usage.MonthlyGenerationsUsed,
		nullableTime(usage.LastReset),
	)
	if err != nil {
		return fmt.Errorf("failed to reset usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ratekeeper.ErrQuotaNotFound
	}

	return nil
}

// ListEnabledRules implements ratekeeper.RuleSource.
func (s *Store) ListEnabledRules(ctx context.Context) ([]*ratekeeper.Rule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, endpoint, method, per_minute, per_hour, per_day,
				burst_multiplier, scope, user_ids, plan_tiers, ip_ranges,
				priority, enabled, created_at, updated_at
			FROM limit_rules
			WHERE enabled
			ORDER BY priority DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []*ratekeeper.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}

	return rules, nil
}

// GetRule implements ratekeeper.RuleRepository.
func (s *Store) GetRule(ctx context.Context, id string) (*ratekeeper.Rule, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, endpoint, method, per_minute, per_hour, per_day,
				burst_multiplier, scope, user_ids, plan_tiers, ip_ranges,
				priority, enabled, created_at, updated_at
			FROM limit_rules WHERE id = $1`, id)

	rule, err := scanRule(row)
	if err == pgx.ErrNoRows {
		return nil, ratekeeper.ErrRuleNotFound
	}
	if err != nil {
		return nil, err
	}

	return rule, nil
}

// PutRule implements ratekeeper.RuleRepository. CreatedAt is preserved
// across replacements.
func (s *Store) PutRule(ctx context.Context, rule *ratekeeper.Rule) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("rule must have an ID")
	}

	now := time.Now().UTC()
	createdAt := rule.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO limit_rules
				(id, name, endpoint, method, per_minute, per_hour, per_day,
				burst_multiplier, scope, user_ids, plan_tiers, ip_ranges,
				priority, enabled, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				endpoint = EXCLUDED.endpoint,
				method = EXCLUDED.method,
				per_minute = EXCLUDED.per_minute,
				per_hour = EXCLUDED.per_hour,
				per_day = EXCLUDED.per_day,
				burst_multiplier = EXCLUDED.burst_multiplier,
				scope = EXCLUDED.scope,
				user_ids = EXCLUDED.user_ids,
				plan_tiers = EXCLUDED.plan_tiers,
				ip_ranges = EXCLUDED.ip_ranges,
				priority = EXCLUDED.priority,
				enabled = EXCLUDED.enabled,
				updated_at = EXCLUDED.updated_at`,
		rule.ID, rule.Name, rule.Endpoint, rule.Method,
		rule.PerMinute, rule.PerHour, rule.PerDay,
		rule.BurstMultiplier, string(rule.Scope),
		marshalJSON(rule.UserIDs), marshalJSON(rule.PlanTiers), marshalJSON(rule.IPRanges),
		rule.Priority, rule.Enabled, createdAt, now,
	)
	if err != nil {
		return fmt.Errorf("failed to put rule: %w", err)
	}

	return nil
}

// DeleteRule implements ratekeeper.RuleRepository.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM limit_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ratekeeper.ErrRuleNotFound
	}

	return nil
}

// InsertMetric implements ratekeeper.MetricStore.
func (s *Store) InsertMetric(ctx context.Context, metric *ratekeeper.UsageMetric) error {
	if metric == nil || metric.ID == "" {
		return fmt.Errorf("metric must have an ID")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_metrics
				(id, user_id, source_ip, endpoint, method, outcome, user_agent,
				response_time_ms, status_code, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO NOTHING`,
		metric.ID, metric.UserID, metric.SourceIP, metric.Endpoint, metric.Method,
		metric.Outcome, metric.UserAgent,
		metric.ResponseTime.Milliseconds(), metric.StatusCode,
		timeOrNow(metric.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to insert metric: %w", err)
	}

	return nil
}

// SummarizeUsage implements ratekeeper.MetricStore. Completion events carry
// response timings, not decisions, and are excluded from the check counts.
func (s *Store) SummarizeUsage(ctx context.Context, userID string, from, to time.Time) (*ratekeeper.UsageSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT outcome, endpoint, COUNT(*)
			FROM usage_metrics
			WHERE user_id = $1 AND recorded_at >= $2 AND recorded_at <= $3 AND outcome <> $4
			GROUP BY outcome, endpoint`,
		userID, from, to, ratekeeper.OutcomeCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	defer rows.Close()

	summary := &ratekeeper.UsageSummary{
		DeniedByReason: make(map[string]int64),
		TopEndpoints:   make(map[string]int64),
	}
	for rows.Next() {
		var outcome, endpoint string
		var count int64
		if err := rows.Scan(&outcome, &endpoint, &count); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}

		summary.TotalChecks += count
		if outcome == ratekeeper.OutcomeAllowed {
			summary.Allowed += count
		} else {
			summary.Denied += count
			summary.DeniedByReason[outcome] += count
		}
		if endpoint != "" {
			summary.TopEndpoints[endpoint] += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}

	return summary, nil
}

// Log implements ratekeeper.AuditSink.
func (s *Store) Log(ctx context.Context, event *ratekeeper.AuditEvent) error {
	if event == nil {
		return fmt.Errorf("audit event is required")
	}

	var payloadVal interface{}
	if len(event.Payload) > 0 {
		payloadJSON, err := json.Marshal(event.Payload)
		if err == nil {
			payloadVal = string(payloadJSON)
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_events (event, actor, user_id, severity, payload, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
		event.Event, event.Actor, event.UserID, event.Severity,
		payloadVal, timeOrNow(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to log audit event: %w", err)
	}

	return nil
}

// startCleanup prunes aged metric and audit rows on a ticker until Close.
func (s *Store) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			//nolint:errcheck // Retention failures retry on the next tick
			_ = s.Cleanup(context.Background())
		}
	}
}

// Cleanup deletes metric and audit rows older than the retention window.
// It runs automatically when CleanupEnabled is set and can be called
// manually.
func (s *Store) Cleanup(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.config.RecordTTL)

	if _, err := s.pool.Exec(ctx,
		`DELETE FROM usage_metrics WHERE recorded_at < $1`, cutoff); err != nil {
		return fmt.Errorf("failed to cleanup metrics: %w", err)
	}

	if _, err := s.pool.Exec(ctx,
		`DELETE FROM audit_events WHERE recorded_at < $1`, cutoff); err != nil {
		return fmt.Errorf("failed to cleanup audit events: %w", err)
	}

	return nil
}

// Ping checks the PostgreSQL connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// scanner covers pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanQuota(row scanner) (*ratekeeper.UserQuota, error) {
	var quota ratekeeper.UserQuota
	var featuresJSON []byte
	var expiresAt, lastReset *time.Time

	err := row.Scan(
		&quota.UserID, &quota.PlanTier,
		&quota.DailyGenerations, &quota.MonthlyGenerations,
		&quota.APIPerMinute, &quota.APIPerHour, &quota.APIPerDay,
		&quota.MaxConcurrent, &quota.Priority,
		&featuresJSON, &expiresAt,
		&quota.Usage.DailyGenerationsUsed, &quota.Usage.MonthlyGenerationsUsed,
		&lastReset, &quota.CreatedAt, &quota.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ratekeeper.ErrQuotaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quota: %w", err)
	}

	quota.ExpiresAt = expiresAt
	if lastReset != nil {
		quota.Usage.LastReset = *lastReset
	}
	if len(featuresJSON) > 0 {
		if err := json.Unmarshal(featuresJSON, &quota.Features); err != nil {
			return nil, fmt.Errorf("failed to unmarshal features: %w", err)
		}
	}

	return &quota, nil
}

func scanRule(row scanner) (*ratekeeper.Rule, error) {
	var rule ratekeeper.Rule
	var scope string
	var userIDs, planTiers, ipRanges []byte

	err := row.Scan(
		&rule.ID, &rule.Name, &rule.Endpoint, &rule.Method,
		&rule.PerMinute, &rule.PerHour, &rule.PerDay,
		&rule.BurstMultiplier, &scope,
		&userIDs, &planTiers, &ipRanges,
		&rule.Priority, &rule.Enabled, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan rule: %w", err)
	}

	rule.Scope = ratekeeper.RuleScope(scope)
	for _, field := range []struct {
		raw  []byte
		dest *[]string
	}{
		{userIDs, &rule.UserIDs},
		{planTiers, &rule.PlanTiers},
		{ipRanges, &rule.IPRanges},
	} {
		if len(field.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(field.raw, field.dest); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rule list: %w", err)
		}
	}

	return &rule, nil
}

// marshalJSON renders a string list for a JSONB column, NULL when empty.
// pgx requires string rather than []byte for JSONB parameters.
func marshalJSON(list []string) interface{} {
	if list == nil {
		return nil
	}
	data, err := json.Marshal(list)
	if err != nil {
		return nil
	}
	return string(data)
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
