package ratekeeper

import "time"

// Clock supplies the engine's notion of the current time. Window buckets,
// calendar resets and retry hints all derive from it, so substituting a
// fake makes every decision deterministic in tests.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by the wall clock.
func SystemClock() Clock { return systemClock{} }
