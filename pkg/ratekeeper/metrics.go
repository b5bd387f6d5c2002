package ratekeeper

import "time"

// Metrics defines the interface for tracking engine operations.
type Metrics interface {
	// RecordCheck records the outcome of a rate limit check. reason is
	// "allowed" for admitted requests, the denial code otherwise.
	RecordCheck(identity, endpoint, reason string, allowed bool)

	// RecordCheckDuration records the latency of a full check.
	RecordCheckDuration(endpoint string, duration time.Duration)

	// RecordStoreOperation records the duration and status of a backing
	// store operation (e.g. "sliding_count", "consume_generation").
	RecordStoreOperation(operation string, duration time.Duration, err error)

	// RecordFailOpen records a check whose decision was pre-empted by a
	// store fault (admitted fail-open, or denied when running fail-closed).
	RecordFailOpen(stage string)

	// RecordRecorderDrop records a usage event dropped because the
	// recorder queue was full.
	RecordRecorderDrop()

	// RecordConcurrency records the in-flight count observed for an
	// identity after a Start or End transition.
	RecordConcurrency(identity string, inFlight int)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordCheck(identity, endpoint, reason string, allowed bool)              {}
func (n *NoopMetrics) RecordCheckDuration(endpoint string, duration time.Duration)              {}
func (n *NoopMetrics) RecordStoreOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordFailOpen(stage string)                                              {}
func (n *NoopMetrics) RecordRecorderDrop()                                                      {}
func (n *NoopMetrics) RecordConcurrency(identity string, inFlight int)                          {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                             {}
