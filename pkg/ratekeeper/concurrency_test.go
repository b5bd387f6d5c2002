package ratekeeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryTracker_AcquireRelease(t *testing.T) {
	tracker := NewMemoryTracker()
	ctx := context.Background()

	count, err := tracker.Acquire(ctx, "user:1", "req-a", 2)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 in flight, got %d", count)
	}

	count, _ = tracker.Acquire(ctx, "user:1", "req-b", 2)
	if count != 2 {
		t.Errorf("Expected 2 in flight, got %d", count)
	}

	_, err = tracker.Acquire(ctx, "user:1", "req-c", 2)
	if !errors.Is(err, ErrConcurrencyLimit) {
		t.Errorf("Expected ErrConcurrencyLimit at the ceiling, got %v", err)
	}

	count, err = tracker.Release(ctx, "user:1", "req-a")
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 in flight after release, got %d", count)
	}

	if _, err := tracker.Acquire(ctx, "user:1", "req-c", 2); err != nil {
		t.Errorf("Slot freed by release should admit the next request, got %v", err)
	}
}

func TestMemoryTracker_IdempotentAcquire(t *testing.T) {
	tracker := NewMemoryTracker()
	ctx := context.Background()

	_, _ = tracker.Acquire(ctx, "user:1", "req-a", 1)
	count, err := tracker.Acquire(ctx, "user:1", "req-a", 1)
	if err != nil {
		t.Fatalf("Re-acquiring the same request ID should be idempotent, got %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 in flight, got %d", count)
	}
}

func TestMemoryTracker_ReleaseUnknownIsNoop(t *testing.T) {
	tracker := NewMemoryTracker()
	ctx := context.Background()

	_, _ = tracker.Acquire(ctx, "user:1", "req-a", 2)
	count, err := tracker.Release(ctx, "user:1", "never-acquired")
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Unknown request ID must not free a slot, got %d", count)
	}

	if _, err := tracker.Release(ctx, "user:nobody", "x"); err != nil {
		t.Errorf("Releasing an unknown key should be a no-op, got %v", err)
	}
}

func TestMemoryTracker_KeysAreIndependent(t *testing.T) {
	tracker := NewMemoryTracker()
	ctx := context.Background()

	_, _ = tracker.Acquire(ctx, "user:1", "a", 1)
	if _, err := tracker.Acquire(ctx, "user:2", "b", 1); err != nil {
		t.Errorf("Limits are per identity, got %v", err)
	}

	inFlight, _ := tracker.InFlight(ctx, "user:1")
	if inFlight != 1 {
		t.Errorf("Expected 1 in flight for user:1, got %d", inFlight)
	}
}

func TestMemoryTracker_ZeroLimitNeverBlocks(t *testing.T) {
	tracker := NewMemoryTracker()
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		if _, err := tracker.Acquire(ctx, "user:1", requestID(i), 0); err != nil {
			t.Fatalf("Limit 0 means unlimited, got %v at %d", err, i)
		}
	}
}

func requestID(i int) string {
	return string(rune('a' + i%26)) + string(rune('0'+i/26))
}

func TestMemoryTracker_ConcurrentAdmission(t *testing.T) {
	tracker := NewMemoryTracker()
	ctx := context.Background()

	const limit = 5
	var admitted int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := tracker.Acquire(ctx, "user:1", requestID(i), limit); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if admitted != limit {
		t.Errorf("Expected exactly %d admissions, got %d", limit, admitted)
	}
}

// stubSlots is an in-memory ConcurrencyStore for StoreTracker tests.
type stubSlots struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
}

func newStubSlots() *stubSlots {
	return &stubSlots{counts: make(map[string]int64)}
}

func (s *stubSlots) AcquireSlot(_ context.Context, key string, _ time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.counts[key]++
	return s.counts[key], nil
}

func (s *stubSlots) ReleaseSlot(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	if s.counts[key] > 0 {
		s.counts[key]--
	}
	return s.counts[key], nil
}

func (s *stubSlots) SlotCount(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	return s.counts[key], nil
}

func TestStoreTracker_IncrementThenCheck(t *testing.T) {
	slots := newStubSlots()
	tracker := NewStoreTracker(slots, time.Minute)
	ctx := context.Background()

	count, err := tracker.Acquire(ctx, "user:1", "a", 2)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1, got %d", count)
	}
	_, _ = tracker.Acquire(ctx, "user:1", "b", 2)

	// The over-limit acquire hands its slot straight back.
	count, err = tracker.Acquire(ctx, "user:1", "c", 2)
	if !errors.Is(err, ErrConcurrencyLimit) {
		t.Fatalf("Expected ErrConcurrencyLimit, got %v", err)
	}
	if count != 2 {
		t.Errorf("Expected count back at 2 after rollback, got %d", count)
	}

	inFlight, _ := tracker.InFlight(ctx, "user:1")
	if inFlight != 2 {
		t.Errorf("Rejected acquire must not leak a slot, got %d", inFlight)
	}
}

func TestStoreTracker_StoreErrorSurfaces(t *testing.T) {
	slots := newStubSlots()
	slots.err = errors.New("store down")
	tracker := NewStoreTracker(slots, time.Minute)

	if _, err := tracker.Acquire(context.Background(), "user:1", "a", 2); err == nil {
		t.Error("Expected store error to surface")
	}
}

func TestNewStoreTracker_DefaultTTL(t *testing.T) {
	tracker := NewStoreTracker(newStubSlots(), 0)
	if tracker.ttl != 5*time.Minute {
		t.Errorf("Expected default TTL of 5m, got %v", tracker.ttl)
	}
}
