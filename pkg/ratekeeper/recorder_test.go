package ratekeeper

import (
	"context"
	"sync"
	"testing"
	"time"
)

// captureMetricStore records inserts, optionally blocking each one until
// released so tests can fill the recorder queue deterministically.
type captureMetricStore struct {
	started chan struct{}
	release chan struct{}

	mu       sync.Mutex
	inserted []*UsageMetric
}

func (s *captureMetricStore) InsertMetric(_ context.Context, m *UsageMetric) error {
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, m)
	return nil
}

func (s *captureMetricStore) SummarizeUsage(context.Context, string, time.Time, time.Time) (*UsageSummary, error) {
	return &UsageSummary{}, nil
}

func (s *captureMetricStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inserted)
}

type captureAudit struct {
	mu     sync.Mutex
	events []*AuditEvent
}

func (c *captureAudit) Log(_ context.Context, e *AuditEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureAudit) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

type dropCountingMetrics struct {
	NoopMetrics
	drops int
}

func (m *dropCountingMetrics) RecordRecorderDrop() {
	m.drops++
}

func TestRecorder_DeliversMetricsAndAudits(t *testing.T) {
	store := &captureMetricStore{}
	audit := &captureAudit{}
	rec := newRecorder(store, audit, RecorderConfig{}, &NoopLogger{}, &NoopMetrics{})

	rec.record(recordJob{metric: &UsageMetric{ID: "m1", Outcome: OutcomeAllowed}})
	rec.record(recordJob{
		metric: &UsageMetric{ID: "m2", Outcome: ReasonQuotaDaily},
		audit:  &AuditEvent{Event: "rate_limit.denied"},
	})
	rec.close()

	if store.count() != 2 {
		t.Errorf("Expected 2 metrics delivered, got %d", store.count())
	}
	if audit.count() != 1 {
		t.Errorf("Expected 1 audit event delivered, got %d", audit.count())
	}
}

func TestRecorder_DropsWhenQueueIsFull(t *testing.T) {
	store := &captureMetricStore{
		started: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	metrics := &dropCountingMetrics{}
	rec := newRecorder(store, nil, RecorderConfig{BufferSize: 1}, &NoopLogger{}, metrics)

	// First job: wait until the worker is inside the store write, so the
	// one-slot buffer is known to be empty again.
	rec.record(recordJob{metric: &UsageMetric{ID: "m1"}})
	<-store.started

	// Second job fills the buffer; the third finds it full and is dropped
	// rather than blocking the caller.
	rec.record(recordJob{metric: &UsageMetric{ID: "m2"}})
	rec.record(recordJob{metric: &UsageMetric{ID: "m3"}})

	if metrics.drops != 1 {
		t.Errorf("Expected 1 dropped event, got %d", metrics.drops)
	}

	close(store.release)
	rec.close()

	if store.count() != 2 {
		t.Errorf("Expected 2 metrics delivered after drain, got %d", store.count())
	}
}

func TestRecorder_NilSinksAreSkipped(t *testing.T) {
	store := &captureMetricStore{}
	rec := newRecorder(store, nil, RecorderConfig{}, &NoopLogger{}, &NoopMetrics{})

	rec.record(recordJob{
		metric: &UsageMetric{ID: "m1"},
		audit:  &AuditEvent{Event: "rate_limit.denied"},
	})
	rec.close()

	if store.count() != 1 {
		t.Errorf("Expected the metric delivered, got %d", store.count())
	}
}

func TestRecorder_CloseIsIdempotent(t *testing.T) {
	rec := newRecorder(&captureMetricStore{}, nil, RecorderConfig{}, &NoopLogger{}, &NoopMetrics{})
	rec.close()
	rec.close()
}
