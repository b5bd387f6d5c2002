package ratekeeper

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Dependencies carries the external collaborators of a Service. Counters
// is required; every other dependency is optional, and leaving one nil
// disables the stage or operation it backs.
type Dependencies struct {
	// Counters backs the traffic windows. Required.
	Counters CounterStore

	// Quotas stores user quota records. Nil disables the quota stage,
	// GetQuota and UpdateQuota.
	Quotas QuotaRepository

	// Rules supplies endpoint rules. Nil disables the rule stage.
	Rules RuleSource

	// Usage stores recorded usage events. Nil disables usage recording
	// and GetUsageStats.
	Usage MetricStore

	// Tracker counts in-flight requests (default: NewMemoryTracker()).
	Tracker ConcurrencyTracker

	// Audit receives denial and management audit events. Optional.
	Audit AuditSink
}

// Service is the decision aggregator. Each check runs the fixed stage
// order (blacklist, whitelist, global limiter, user quota, endpoint
// rules, concurrency) and the first stage to object produces the final
// denial; otherwise the request is admitted, charged, and recorded.
//
// Policy denials are values carried in Result. Errors inside a check are
// infrastructure faults and resolve through the fail-open (or
// fail-closed) policy; Check itself never returns an error.
type Service struct {
	cfg     Config
	tiers   map[string]TierLimits
	loc     *time.Location
	clock   Clock
	logger  Logger
	metrics Metrics

	enabled atomic.Bool
	closed  atomic.Bool
	access  atomic.Pointer[AccessList]

	counters CounterStore
	global   *globalLimiter
	quota    *quotaManager
	rules    *ruleEngine
	tracker  ConcurrencyTracker
	recorder *recorder
	usage    MetricStore

	// faultLog throttles store-fault warnings; one outage must not turn
	// the log into a firehose.
	faultLog *rate.Limiter
}

// NewService validates the configuration, applies defaults and wires the
// stages. The returned service is ready for concurrent use.
func NewService(deps Dependencies, cfg Config) (*Service, error) {
	if deps.Counters == nil {
		return nil, fmt.Errorf("ratekeeper: %w: counter store is required", ErrNotConfigured)
	}

	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.BlacklistRetryAfter <= 0 {
		cfg.BlacklistRetryAfter = time.Hour
	}
	if cfg.DefaultTier == "" {
		cfg.DefaultTier = TierFree
	}
	if cfg.GenerationEndpoints == nil {
		cfg.GenerationEndpoints = []string{"/api/generate*"}
	}
	if cfg.ResetLocation == nil {
		cfg.ResetLocation = time.Local
	}
	if cfg.RuleRefreshInterval <= 0 {
		cfg.RuleRefreshInterval = 30 * time.Second
	}
	if cfg.QuotaCacheTTL == 0 {
		cfg.QuotaCacheTTL = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}

	tiers := DefaultTiers()
	for name, limits := range cfg.Tiers {
		tiers[name] = limits
	}
	if _, ok := tiers[cfg.DefaultTier]; !ok {
		return nil, fmt.Errorf("ratekeeper: %w: default tier %q", ErrInvalidTier, cfg.DefaultTier)
	}

	access, err := NewAccessList(cfg.Whitelist, cfg.Blacklist)
	if err != nil {
		return nil, fmt.Errorf("ratekeeper: %w", err)
	}

	s := &Service{
		cfg:      cfg,
		tiers:    tiers,
		loc:      cfg.ResetLocation,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		tracker:  deps.Tracker,
		usage:    deps.Usage,
		faultLog: rate.NewLimiter(rate.Every(time.Second), 5),
	}
	s.access.Store(access)
	s.enabled.Store(!cfg.Disabled)

	var brk *breaker
	if cfg.CircuitBreaker != nil && cfg.CircuitBreaker.Enabled {
		brk = newBreaker(*cfg.CircuitBreaker, cfg.Clock, func(state string) {
			cfg.Metrics.RecordCircuitBreakerStateChange(state)
			cfg.Logger.Warn("circuit breaker state changed", Field{"state", state})
		})
	}
	s.counters = &guardedCounters{
		store:   deps.Counters,
		breaker: brk,
		metrics: cfg.Metrics,
		clock:   cfg.Clock,
	}

	s.global = &globalLimiter{
		counters: s.counters,
		limit:    cfg.RequestsPerMinute,
		burst:    cfg.BurstLimit,
		clock:    cfg.Clock,
	}

	if deps.Quotas != nil {
		var cache *quotaCache
		if cfg.QuotaCacheTTL > 0 {
			cache = newQuotaCache(0, cfg.QuotaCacheTTL, cfg.Clock)
		}
		s.quota = &quotaManager{
			repo:        deps.Quotas,
			counters:    s.counters,
			cache:       cache,
			tiers:       tiers,
			defaultTier: cfg.DefaultTier,
			genPatterns: cfg.GenerationEndpoints,
			loc:         cfg.ResetLocation,
			clock:       cfg.Clock,
			logger:      cfg.Logger,
		}
	}

	if deps.Rules != nil {
		s.rules = &ruleEngine{
			source:   deps.Rules,
			counters: s.counters,
			refresh:  cfg.RuleRefreshInterval,
			clock:    cfg.Clock,
			logger:   cfg.Logger,
		}
	}

	if s.tracker == nil {
		s.tracker = NewMemoryTracker()
	}

	if deps.Usage != nil || deps.Audit != nil {
		var rec RecorderConfig
		if cfg.Recorder != nil {
			rec = *cfg.Recorder
		}
		s.recorder = newRecorder(deps.Usage, deps.Audit, rec, cfg.Logger, cfg.Metrics)
	}

	return s, nil
}

// Check decides whether the request may proceed. It always returns a
// Result; infrastructure faults are resolved internally by policy.
func (s *Service) Check(ctx context.Context, req CheckRequest) *Result {
	started := s.clock.Now()
	res := s.runCheck(ctx, req)
	s.metrics.RecordCheckDuration(req.Endpoint, s.clock.Now().Sub(started))

	outcome := OutcomeAllowed
	if !res.Allowed {
		outcome = res.Reason
	}
	s.metrics.RecordCheck(req.Identity().Key(), req.Endpoint, outcome, res.Allowed)
	s.recordCheck(req, res)
	return res
}

func (s *Service) runCheck(ctx context.Context, req CheckRequest) *Result {
	if !s.enabled.Load() || s.closed.Load() {
		return s.allowUnlimited()
	}

	now := s.clock.Now()
	access := s.access.Load()

	// The blacklist consults no store, so it holds even when everything
	// else is on fire.
	if access.IsBlacklisted(req.SourceIP) {
		return s.denyStatus(now, windowStatus{
			reason: ReasonIPBlacklisted,
			reset:  now.Add(s.cfg.BlacklistRetryAfter),
		})
	}
	if access.IsWhitelisted(req.SourceIP) {
		return s.allowUnlimited()
	}

	statuses := make([]windowStatus, 0, 8)

	if s.cfg.RequestsPerMinute > 0 {
		global, err := s.global.check(ctx, req.SourceIP, req.Endpoint)
		statuses = append(statuses, global...)
		if err != nil {
			return s.storeFault("global", err, now)
		}
		if denied := lastExceeded(statuses); denied != nil {
			return s.denyStatus(now, *denied)
		}
	}

	var quota *UserQuota
	if s.quota != nil && req.UserID != "" {
		var err error
		quota, err = s.quota.load(ctx, req.UserID)
		if err != nil {
			return s.storeFault("quota", err, now)
		}
		evaluated, err := s.quota.evaluate(ctx, quota, req.Endpoint)
		statuses = append(statuses, evaluated...)
		if err != nil {
			return s.storeFault("quota", err, now)
		}
		if denied := lastExceeded(statuses); denied != nil {
			return s.denyStatus(now, *denied)
		}
	}

	if s.rules != nil {
		planTier := ""
		if quota != nil {
			planTier = quota.PlanTier
		}
		evaluated, err := s.rules.evaluate(ctx, req, planTier)
		statuses = append(statuses, evaluated...)
		if err != nil {
			return s.storeFault("rules", err, now)
		}
		if denied := lastExceeded(statuses); denied != nil {
			return s.denyStatus(now, *denied)
		}
	}

	if limit := s.concurrencyCeiling(quota); limit > 0 {
		inFlight, err := s.tracker.InFlight(ctx, req.Identity().Key())
		if err != nil {
			return s.storeFault("concurrency", err, now)
		}
		if inFlight >= limit {
			return s.denyStatus(now, windowStatus{
				reason: ReasonConcurrencyLimit,
				limit:  limit,
				reset:  now.Add(time.Second),
			})
		}
	}

	// Admit-time charge, after every stage has said yes: a denied request
	// must never consume generation quota.
	if quota != nil {
		denied, err := s.quota.consume(ctx, quota, req.Endpoint)
		if err != nil {
			return s.storeFault("consume", err, now)
		}
		if denied != nil {
			return s.denyStatus(now, *denied)
		}
	}

	return s.allowStatuses(statuses)
}

// Start registers an in-flight request for the identity, enforcing its
// concurrency ceiling at acquisition so two racing requests cannot share
// the last slot. Callers must call End exactly once after a successful
// Start; the middleware packages do this with a deferred call.
func (s *Service) Start(ctx context.Context, id Identity, requestID string) error {
	if s.closed.Load() {
		return ErrServiceClosed
	}

	limit := 0
	if s.enabled.Load() {
		limit = s.startCeiling(ctx, id)
	}
	count, err := s.tracker.Acquire(ctx, id.Key(), requestID, limit)
	switch {
	case errors.Is(err, ErrConcurrencyLimit):
		s.metrics.RecordCheck(id.Key(), "", ReasonConcurrencyLimit, false)
		return ErrConcurrencyLimit
	case err != nil:
		// Tracker store fault: admit untracked rather than turn an
		// analytics dependency into an outage. The slot TTL absorbs the
		// resulting skew.
		s.warnFault("tracker", err)
		return nil
	}
	s.metrics.RecordConcurrency(id.Key(), count)
	return nil
}

// End closes the bracket opened by Start and records the request's
// completion with its response time and status code.
func (s *Service) End(ctx context.Context, id Identity, requestID string, responseTime time.Duration, statusCode int) {
	count, err := s.tracker.Release(ctx, id.Key(), requestID)
	if err != nil {
		s.warnFault("tracker", err)
	} else {
		s.metrics.RecordConcurrency(id.Key(), count)
	}

	if s.recorder == nil || s.usage == nil {
		return
	}
	metric := &UsageMetric{
		ID:           uuid.NewString(),
		Outcome:      OutcomeCompleted,
		ResponseTime: responseTime,
		StatusCode:   statusCode,
		Timestamp:    s.clock.Now(),
	}
	if id.Kind == IdentityUser {
		metric.UserID = id.Value
	} else {
		metric.SourceIP = id.Value
	}
	s.recorder.record(recordJob{metric: metric})
}

// GetQuota returns the user's current quota standing. Users without a
// stored record get the default tier's standing without one being
// created.
func (s *Service) GetQuota(ctx context.Context, userID string) (*UserQuota, error) {
	if s.quota == nil {
		return nil, fmt.Errorf("ratekeeper: %w: quota repository", ErrNotConfigured)
	}
	quota, err := s.quota.repo.GetQuota(ctx, userID)
	if errors.Is(err, ErrQuotaNotFound) {
		return s.quota.newQuota(userID), nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.quota.rollover(ctx, quota); err != nil {
		return nil, err
	}
	return quota, nil
}

// UpdateQuota applies a partial update to the user's record, creating it
// at the default tier first when absent. Changing the plan tier rewrites
// the ceilings from the tier table unless the patch overrides them.
func (s *Service) UpdateQuota(ctx context.Context, userID string, patch QuotaPatch) (*UserQuota, error) {
	if s.quota == nil {
		return nil, fmt.Errorf("ratekeeper: %w: quota repository", ErrNotConfigured)
	}
	if patch.Empty() {
		return s.GetQuota(ctx, userID)
	}

	resolved, err := s.quota.resolvePatch(patch)
	if err != nil {
		return nil, err
	}

	updated, err := s.quota.repo.UpdateQuota(ctx, userID, resolved)
	if errors.Is(err, ErrQuotaNotFound) {
		if saveErr := s.quota.repo.SaveQuota(ctx, s.quota.newQuota(userID)); saveErr != nil {
			return nil, saveErr
		}
		updated, err = s.quota.repo.UpdateQuota(ctx, userID, resolved)
	}
	if err != nil {
		return nil, err
	}

	if s.quota.cache != nil {
		s.quota.cache.set(updated)
	}
	s.auditManagement(ctx, "quota.updated", userID)
	s.logger.Info("quota updated",
		Field{"userId", userID},
		Field{"tier", updated.PlanTier})
	return updated, nil
}

// GetUsageStats aggregates the user's recorded traffic over the period
// and attaches their current usage snapshot.
func (s *Service) GetUsageStats(ctx context.Context, userID string, period StatsPeriod) (*UsageSummary, error) {
	if s.usage == nil {
		return nil, fmt.Errorf("ratekeeper: %w: metric store", ErrNotConfigured)
	}
	now := s.clock.Now()
	from, to, err := periodRange(period, now, s.loc)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", err, period)
	}

	summary, err := s.usage.SummarizeUsage(ctx, userID, from, to)
	if err != nil {
		return nil, err
	}
	summary.UserID = userID
	summary.Period = period
	summary.From = from
	summary.To = to

	if s.quota != nil {
		if quota, err := s.quota.repo.GetQuota(ctx, userID); err == nil {
			summary.Quota = quota.Usage
		}
	}
	return summary, nil
}

// ReloadAccessLists atomically replaces the whitelist and blacklist.
// In-flight checks finish against the list they started with.
func (s *Service) ReloadAccessLists(allow, deny []string) error {
	list, err := NewAccessList(allow, deny)
	if err != nil {
		return err
	}
	s.access.Store(list)
	s.logger.Info("access lists reloaded",
		Field{"whitelist", len(allow)},
		Field{"blacklist", len(deny)})
	return nil
}

// SetEnabled toggles enforcement at runtime. While disabled, Check
// admits everything without consulting stores.
func (s *Service) SetEnabled(enabled bool) {
	s.enabled.Store(enabled)
	s.logger.Info("enforcement toggled", Field{"enabled", enabled})
}

// Close drains the usage recorder and marks the service closed. Later
// checks admit everything; later Starts return ErrServiceClosed.
func (s *Service) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.recorder != nil {
		s.recorder.close()
	}
	return nil
}

// concurrencyCeiling resolves the in-flight ceiling for the identity:
// the quota record's when present, the engine default otherwise.
// Negative configuration disables the check.
func (s *Service) concurrencyCeiling(quota *UserQuota) int {
	if quota != nil && s.quota != nil {
		if limit := s.quota.effectiveLimits(quota).MaxConcurrent; limit > 0 {
			return limit
		}
	}
	if s.cfg.MaxConcurrent > 0 {
		return s.cfg.MaxConcurrent
	}
	return 0
}

// startCeiling resolves the ceiling for Start, falling back to the
// engine default when the quota record cannot be read.
func (s *Service) startCeiling(ctx context.Context, id Identity) int {
	if s.quota == nil || !id.Authenticated() {
		return s.concurrencyCeiling(nil)
	}
	quota, err := s.quota.load(ctx, id.Value)
	if err != nil {
		s.warnFault("quota", err)
		return s.concurrencyCeiling(nil)
	}
	return s.concurrencyCeiling(quota)
}

// storeFault resolves a check whose stage could not reach its store.
// Fail-open admits the request unlimited; fail-closed denies with a
// short retry hint so clients come back once the store recovers.
func (s *Service) storeFault(stage string, err error, now time.Time) *Result {
	s.metrics.RecordFailOpen(stage)
	s.warnFault(stage, err)

	if s.cfg.FailClosed {
		return s.denyStatus(now, windowStatus{
			reason: ReasonStoreUnavailable,
			reset:  now.Add(time.Second),
		})
	}
	return s.allowUnlimited()
}

func (s *Service) warnFault(stage string, err error) {
	if s.faultLog.Allow() {
		s.logger.Warn("store unavailable",
			Field{"stage", stage},
			Field{"failOpen", !s.cfg.FailClosed},
			Field{"error", err})
	}
}

// allowUnlimited admits without any window having been consulted:
// whitelisted sources, disabled enforcement, and fail-open faults.
func (s *Service) allowUnlimited() *Result {
	return &Result{Allowed: true, Headers: map[string]string{}}
}

func (s *Service) allowStatuses(statuses []windowStatus) *Result {
	res := &Result{Allowed: true}
	if st, ok := tightest(statuses); ok {
		res.Limit = st.limit
		res.Remaining = st.remaining
		res.ResetTime = st.reset
	}
	res.Headers = buildHeaders(res)
	return res
}

func (s *Service) denyStatus(now time.Time, st windowStatus) *Result {
	res := &Result{
		Allowed:       false,
		Limit:         st.limit,
		Remaining:     st.remaining,
		ResetTime:     st.reset,
		RetryAfter:    st.retryAfter(now),
		QuotaExceeded: st.quota,
		Reason:        st.reason,
	}
	res.Headers = buildHeaders(res)
	return res
}

// recordCheck enqueues the usage metric and, for denials, the audit
// event. Both are fire-and-forget.
func (s *Service) recordCheck(req CheckRequest, res *Result) {
	if s.recorder == nil || s.closed.Load() {
		return
	}

	var job recordJob
	outcome := OutcomeAllowed
	if !res.Allowed {
		outcome = res.Reason
	}
	if s.usage != nil {
		job.metric = &UsageMetric{
			ID:        uuid.NewString(),
			UserID:    req.UserID,
			SourceIP:  req.SourceIP,
			Endpoint:  req.Endpoint,
			Method:    req.Method,
			Outcome:   outcome,
			UserAgent: req.UserAgent,
			Timestamp: s.clock.Now(),
		}
	}
	if !res.Allowed {
		severity := "info"
		if res.Reason == ReasonIPBlacklisted {
			severity = "warning"
		}
		job.audit = &AuditEvent{
			Event:    "rate_limit.denied",
			Actor:    "system",
			UserID:   req.UserID,
			Severity: severity,
			Payload: map[string]string{
				"reason":   res.Reason,
				"endpoint": req.Endpoint,
				"sourceIp": req.SourceIP,
			},
			Timestamp: s.clock.Now(),
		}
	}
	if job.metric != nil || job.audit != nil {
		s.recorder.record(job)
	}
}

// auditManagement records an administrative change in the audit trail.
func (s *Service) auditManagement(ctx context.Context, event, userID string) {
	if s.recorder == nil {
		return
	}
	actor := "system"
	if v := ctx.Value(actorContextKey{}); v != nil {
		if str, ok := v.(string); ok && str != "" {
			actor = str
		}
	}
	s.recorder.record(recordJob{audit: &AuditEvent{
		Event:     event,
		Actor:     actor,
		UserID:    userID,
		Severity:  "info",
		Timestamp: s.clock.Now(),
	}})
}

type actorContextKey struct{}

// WithActor returns a context carrying the administrative actor recorded
// with management audit events.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// lastExceeded returns the denying status: stages stop at the first
// breach, so it is always the last one observed.
func lastExceeded(statuses []windowStatus) *windowStatus {
	if n := len(statuses); n > 0 && statuses[n-1].exceeded {
		return &statuses[n-1]
	}
	return nil
}

// tightest returns the status with the least headroom; ties go to the
// window that replenishes first.
func tightest(statuses []windowStatus) (windowStatus, bool) {
	var best windowStatus
	found := false
	for _, st := range statuses {
		if !found || st.remaining < best.remaining ||
			(st.remaining == best.remaining && st.reset.Before(best.reset)) {
			best = st
			found = true
		}
	}
	return best, found
}

func buildHeaders(res *Result) map[string]string {
	if res.Limit <= 0 && res.ResetTime.IsZero() {
		return map[string]string{}
	}
	headers := map[string]string{
		HeaderLimit:     strconv.Itoa(res.Limit),
		HeaderRemaining: strconv.Itoa(res.Remaining),
		HeaderReset:     strconv.FormatInt(res.ResetTime.Unix(), 10),
	}
	if !res.Allowed && res.RetryAfter > 0 {
		secs := int64((res.RetryAfter + time.Second - 1) / time.Second)
		headers[HeaderRetryAfter] = strconv.FormatInt(secs, 10)
	}
	return headers
}
