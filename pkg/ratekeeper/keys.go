package ratekeeper

import "fmt"

// Counter keys are flat strings so any key-value store can serve them.
// Fixed-window keys embed the bucket start; a finished bucket's counter
// can never collide with a live one even when expiry lags.

const (
	windowMinute = "minute"
	windowHour   = "hour"
	windowDay    = "day"
)

// globalKey addresses the per-source sliding window of the global limiter.
func globalKey(sourceIP, endpoint string) string {
	return fmt.Sprintf("global:%s:%s", sourceIP, endpoint)
}

// burstKey addresses the short guard window of the global limiter.
func burstKey(sourceIP, endpoint string) string {
	return fmt.Sprintf("burst:%s:%s", sourceIP, endpoint)
}

// apiWindowKey addresses a user's fixed API window counter.
func apiWindowKey(identityKey, window string, bucket int64) string {
	return fmt.Sprintf("api:%s:%s:%d", identityKey, window, bucket)
}

// ruleWindowKey addresses a rule's fixed window counter for one identity.
func ruleWindowKey(ruleID, identityKey, window string, bucket int64) string {
	return fmt.Sprintf("rule:%s:%s:%s:%d", ruleID, identityKey, window, bucket)
}

// concurrencyKey addresses an identity's in-flight slot counter.
func concurrencyKey(identityKey string) string {
	return fmt.Sprintf("inflight:%s", identityKey)
}
