package ratekeeper

import (
	"context"
	"time"
)

const (
	globalWindow = time.Minute
	burstWindow  = 10 * time.Second
)

// globalLimiter enforces the per-source sliding minute window, with an
// optional short guard window in front of it. Both are keyed by source
// IP and endpoint, so one hot path cannot starve the rest of the API for
// the same client.
type globalLimiter struct {
	counters CounterStore
	limit    int // requests per minute
	burst    int // requests per guard window, 0 = off
	clock    Clock
}

// check counts the request against the global windows, guard window
// first, and returns the statuses it observed. A breached window comes
// back with exceeded set; store faults surface as errors for the
// service's fail-open handling.
func (g *globalLimiter) check(ctx context.Context, sourceIP, endpoint string) ([]windowStatus, error) {
	now := g.clock.Now()
	statuses := make([]windowStatus, 0, 2)

	if g.burst > 0 {
		st, err := checkSlidingWindow(ctx, g.counters, burstKey(sourceIP, endpoint), g.burst, burstWindow, now)
		if err != nil {
			return statuses, err
		}
		st.reason = ReasonGlobalRateLimit
		statuses = append(statuses, st)
		if st.exceeded {
			return statuses, nil
		}
	}

	st, err := checkSlidingWindow(ctx, g.counters, globalKey(sourceIP, endpoint), g.limit, globalWindow, now)
	if err != nil {
		return statuses, err
	}
	st.reason = ReasonGlobalRateLimit
	statuses = append(statuses, st)
	return statuses, nil
}
