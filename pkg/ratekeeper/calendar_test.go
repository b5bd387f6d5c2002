package ratekeeper

import (
	"errors"
	"testing"
	"time"
)

func TestWindowBucket(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 34, 20, 0, time.UTC)

	b1 := windowBucket(base, time.Minute)
	b2 := windowBucket(base.Add(39*time.Second), time.Minute)
	b3 := windowBucket(base.Add(40*time.Second), time.Minute)

	if b1 != b2 {
		t.Errorf("Timestamps in the same minute must share a bucket: %d vs %d", b1, b2)
	}
	if b1 == b3 {
		t.Error("Next minute must start a new bucket")
	}
	if b3-b1 != 60 {
		t.Errorf("Adjacent minute buckets should differ by 60s, got %d", b3-b1)
	}
}

func TestBucketEnd(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 34, 20, 0, time.UTC)
	end := bucketEnd(at, time.Minute)
	want := time.Date(2025, 6, 1, 12, 35, 0, 0, time.UTC)
	if !end.Equal(want) {
		t.Errorf("bucketEnd = %v, want %v", end, want)
	}
}

func TestNextMidnight(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)

	at := time.Date(2025, 6, 1, 23, 30, 0, 0, loc)
	got := nextMidnight(at, loc)
	want := time.Date(2025, 6, 2, 0, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Errorf("nextMidnight = %v, want %v", got, want)
	}

	// The boundary follows the configured location, not the instant's zone.
	utcEvening := time.Date(2025, 6, 2, 1, 0, 0, 0, time.UTC) // 20:00 on June 1 in UTC-5
	got = nextMidnight(utcEvening, loc)
	if !got.Equal(want) {
		t.Errorf("nextMidnight across zones = %v, want %v", got, want)
	}
}

func TestNextMonthStart(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
		want time.Time
	}{
		{
			name: "mid month",
			at:   time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC),
			want: time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "december rolls into next year",
			at:   time.Date(2025, 12, 20, 10, 0, 0, 0, time.UTC),
			want: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "last day of january",
			at:   time.Date(2025, 1, 31, 23, 59, 0, 0, time.UTC),
			want: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := nextMonthStart(tc.at, time.UTC)
			if !got.Equal(tc.want) {
				t.Errorf("nextMonthStart(%v) = %v, want %v", tc.at, got, tc.want)
			}
		})
	}
}

func TestSameDay_LocationMatters(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)

	// 03:00 and 23:00 UTC on June 1: the same UTC day, but 22:00 May 31
	// and 18:00 June 1 in UTC-5.
	a := time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)
	b := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)

	if !sameDay(a, b, time.UTC) {
		t.Error("Expected same UTC day")
	}
	if sameDay(a, b, loc) {
		t.Error("Expected different days in UTC-5")
	}
}

func TestSameMonth(t *testing.T) {
	a := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	b := time.Date(2025, 6, 30, 23, 59, 0, 0, time.UTC)
	c := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	d := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)

	if !sameMonth(a, b, time.UTC) {
		t.Error("June 1 and June 30 are the same month")
	}
	if sameMonth(b, c, time.UTC) {
		t.Error("June 30 and July 1 are different months")
	}
	if sameMonth(a, d, time.UTC) {
		t.Error("Same month in different years must not match")
	}
}

func TestPeriodRange(t *testing.T) {
	now := time.Date(2025, 6, 15, 14, 30, 0, 0, time.UTC)

	from, to, err := periodRange(PeriodDay, now, time.UTC)
	if err != nil {
		t.Fatalf("periodRange(day) failed: %v", err)
	}
	if !from.Equal(time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)) || !to.Equal(now) {
		t.Errorf("day range = [%v, %v]", from, to)
	}

	from, _, err = periodRange(PeriodWeek, now, time.UTC)
	if err != nil {
		t.Fatalf("periodRange(week) failed: %v", err)
	}
	if !from.Equal(now.AddDate(0, 0, -7)) {
		t.Errorf("week range starts %v, want trailing seven days", from)
	}

	from, _, err = periodRange(PeriodMonth, now, time.UTC)
	if err != nil {
		t.Fatalf("periodRange(month) failed: %v", err)
	}
	if !from.Equal(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("month range starts %v, want first of month", from)
	}

	_, _, err = periodRange(StatsPeriod("year"), now, time.UTC)
	if !errors.Is(err, ErrInvalidPeriod) {
		t.Errorf("Expected ErrInvalidPeriod, got %v", err)
	}
}
