package ratekeeper

import "time"

// Fixed-window buckets are truncated against the absolute timeline
// (UTC-aligned for the day window), while generation quotas reset on
// calendar boundaries in the configured location. The two deliberately
// use different anchors: API windows must agree across processes in any
// time zone, quota resets must match what a user sees on their bill.

// windowBucket returns the start of the fixed window containing t, as a
// Unix timestamp suitable for embedding in a counter key.
func windowBucket(t time.Time, window time.Duration) int64 {
	return t.Truncate(window).Unix()
}

// bucketEnd returns when the fixed window containing t rolls over.
func bucketEnd(t time.Time, window time.Duration) time.Time {
	return t.Truncate(window).Add(window)
}

// nextMidnight returns the start of the next calendar day in loc.
func nextMidnight(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}

// nextMonthStart returns the first instant of the next calendar month in
// loc. time.Date normalizes month 13 into January of the next year.
func nextMonthStart(t time.Time, loc *time.Location) time.Time {
	y, m, _ := t.In(loc).Date()
	return time.Date(y, m+1, 1, 0, 0, 0, 0, loc)
}

// sameDay reports whether a and b fall on the same calendar day in loc.
func sameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// sameMonth reports whether a and b fall in the same calendar month in loc.
func sameMonth(a, b time.Time, loc *time.Location) bool {
	ay, am, _ := a.In(loc).Date()
	by, bm, _ := b.In(loc).Date()
	return ay == by && am == bm
}

// periodRange returns the reporting bounds for a stats period ending at
// now: the current calendar day, the trailing seven days, or the current
// calendar month.
func periodRange(p StatsPeriod, now time.Time, loc *time.Location) (from, to time.Time, err error) {
	switch p {
	case PeriodDay:
		y, m, d := now.In(loc).Date()
		return time.Date(y, m, d, 0, 0, 0, 0, loc), now, nil
	case PeriodWeek:
		return now.AddDate(0, 0, -7), now, nil
	case PeriodMonth:
		y, m, _ := now.In(loc).Date()
		return time.Date(y, m, 1, 0, 0, 0, 0, loc), now, nil
	default:
		return time.Time{}, time.Time{}, ErrInvalidPeriod
	}
}
