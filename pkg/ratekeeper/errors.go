package ratekeeper

import "errors"

var (
	// ErrQuotaNotFound is returned when a user has no stored quota record.
	ErrQuotaNotFound = errors.New("quota not found")

	// ErrRuleNotFound is returned when a rule ID does not exist.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrQuotaExceeded is returned by repositories when a conditional
	// consume finds the ceiling already reached.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrConcurrencyLimit is returned by Start when the identity is already
	// at its concurrency ceiling.
	ErrConcurrencyLimit = errors.New("concurrency limit reached")

	// ErrStoreUnavailable is returned when a backing store cannot be reached.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrCircuitOpen is returned when the circuit breaker is rejecting
	// store calls.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrInvalidPeriod is returned for an unknown stats period.
	ErrInvalidPeriod = errors.New("invalid period")

	// ErrInvalidAmount is returned for non-positive consume amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidTier is returned for an unknown plan tier.
	ErrInvalidTier = errors.New("invalid tier")

	// ErrServiceClosed is returned after Close.
	ErrServiceClosed = errors.New("service closed")

	// ErrNotConfigured is returned by operations whose backing dependency
	// was not provided at construction.
	ErrNotConfigured = errors.New("dependency not configured")
)
