package ratekeeper

import (
	"context"
	"time"
)

// guardedCounters decorates a CounterStore with circuit breaking and
// per-operation metrics. Components below the service see a plain
// CounterStore and stay oblivious to both concerns.
type guardedCounters struct {
	store   CounterStore
	breaker *breaker // nil when the breaker is disabled
	metrics Metrics
	clock   Clock
}

func (g *guardedCounters) IncrementAndExpire(ctx context.Context, key string, window time.Duration) (int64, error) {
	if g.breaker != nil && !g.breaker.allow() {
		return 0, ErrCircuitOpen
	}
	start := g.clock.Now()
	count, err := g.store.IncrementAndExpire(ctx, key, window)
	g.metrics.RecordStoreOperation("increment_and_expire", g.clock.Now().Sub(start), err)
	if g.breaker != nil {
		g.breaker.observe(err)
	}
	return count, err
}

func (g *guardedCounters) SlidingAllow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, time.Time, error) {
	if g.breaker != nil && !g.breaker.allow() {
		return false, 0, time.Time{}, ErrCircuitOpen
	}
	start := g.clock.Now()
	allowed, count, oldest, err := g.store.SlidingAllow(ctx, key, limit, window)
	g.metrics.RecordStoreOperation("sliding_allow", g.clock.Now().Sub(start), err)
	if g.breaker != nil {
		g.breaker.observe(err)
	}
	return allowed, count, oldest, err
}

// windowStatus describes one traffic window after counting the current
// request against it. The aggregator picks the tightest status for the
// response headers; a status with exceeded set denies the request,
// citing its reason.
type windowStatus struct {
	reason    string
	limit     int
	remaining int
	reset     time.Time
	exceeded  bool

	// quota marks windows backed by the user's stored quota record, so
	// denials can set Result.QuotaExceeded.
	quota bool
}

// retryAfter returns how long to wait until the window replenishes,
// never below one second so clients get a usable Retry-After.
func (w windowStatus) retryAfter(now time.Time) time.Duration {
	d := w.reset.Sub(now)
	if d < time.Second {
		return time.Second
	}
	return d
}

// checkFixedWindow counts the current request against a fixed window
// bucket. Requests past the limit still increment the bucket; the bucket
// replenishes wholesale at its boundary.
func checkFixedWindow(ctx context.Context, counters CounterStore, key string, limit int, window time.Duration, now time.Time) (windowStatus, error) {
	count, err := counters.IncrementAndExpire(ctx, key, window)
	if err != nil {
		return windowStatus{}, err
	}
	st := windowStatus{
		limit:    limit,
		reset:    bucketEnd(now, window),
		exceeded: count > int64(limit),
	}
	if remaining := int64(limit) - count; remaining > 0 {
		st.remaining = int(remaining)
	}
	return st, nil
}

// checkSlidingWindow counts the current request against a sliding log.
// Denied requests are not logged, so a caller recovers as soon as old
// entries age out of the window.
func checkSlidingWindow(ctx context.Context, counters CounterStore, key string, limit int, window time.Duration, now time.Time) (windowStatus, error) {
	allowed, count, oldest, err := counters.SlidingAllow(ctx, key, int64(limit), window)
	if err != nil {
		return windowStatus{}, err
	}
	st := windowStatus{
		limit:    limit,
		exceeded: !allowed,
	}
	if remaining := int64(limit) - count; remaining > 0 {
		st.remaining = int(remaining)
	}
	if oldest.IsZero() {
		st.reset = now.Add(window)
	} else {
		st.reset = oldest.Add(window)
	}
	return st, nil
}
