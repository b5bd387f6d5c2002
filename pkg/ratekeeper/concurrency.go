package ratekeeper

import (
	"context"
	"sync"
	"time"
)

// ConcurrencyTracker counts in-flight requests per identity. Acquire and
// Release bracket a request; InFlight is the read used before admission.
type ConcurrencyTracker interface {
	// InFlight returns the number of open requests for the identity key.
	InFlight(ctx context.Context, key string) (int, error)

	// Acquire opens a slot for the request unless the identity already
	// has limit requests in flight, in which case it returns
	// ErrConcurrencyLimit without opening one. A limit of zero or below
	// admits unconditionally. Returns the in-flight count including the
	// new request.
	Acquire(ctx context.Context, key, requestID string, limit int) (int, error)

	// Release closes the slot opened by Acquire and returns the remaining
	// in-flight count. Callers release exactly once per successful
	// Acquire, from a defer so early returns and panics cannot leak slots.
	Release(ctx context.Context, key, requestID string) (int, error)
}

// MemoryTracker tracks in-flight requests in process memory: a set of
// open request IDs per identity behind one mutex. An identity's entry is
// removed as soon as its set empties, so idle identities cost nothing.
//
// The view is process-local. Behind a load balancer each process bounds
// only its own share of an identity's traffic; use StoreTracker when the
// ceiling must hold across instances.
type MemoryTracker struct {
	mu   sync.Mutex
	open map[string]map[string]struct{}
}

// NewMemoryTracker creates an empty in-process tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{open: make(map[string]map[string]struct{})}
}

// InFlight implements ConcurrencyTracker.
func (t *MemoryTracker) InFlight(_ context.Context, key string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open[key]), nil
}

// Acquire implements ConcurrencyTracker. Re-acquiring an already open
// request ID is idempotent.
func (t *MemoryTracker) Acquire(_ context.Context, key, requestID string, limit int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set := t.open[key]
	if _, exists := set[requestID]; !exists && limit > 0 && len(set) >= limit {
		return len(set), ErrConcurrencyLimit
	}
	if set == nil {
		set = make(map[string]struct{})
		t.open[key] = set
	}
	set[requestID] = struct{}{}
	return len(set), nil
}

// Release implements ConcurrencyTracker. Releasing an unknown request ID
// is a no-op, so double releases cannot free someone else's slot.
func (t *MemoryTracker) Release(_ context.Context, key, requestID string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set := t.open[key]
	if set == nil {
		return 0, nil
	}
	delete(set, requestID)
	if len(set) == 0 {
		delete(t.open, key)
		return 0, nil
	}
	return len(set), nil
}

// StoreTracker tracks in-flight requests through a shared
// ConcurrencyStore, giving every process the same view. Admission is
// increment-then-check: the slot is taken first and handed back when the
// count overshoots the limit, so two processes can never both squeeze
// into the last slot.
//
// Slots carry a safety TTL so a crashed process cannot pin its
// identities at the ceiling forever. Request IDs are not tracked
// individually; Release trusts its caller, which is why the service
// releases from a defer.
type StoreTracker struct {
	store ConcurrencyStore
	ttl   time.Duration
}

// NewStoreTracker creates a tracker over the given store. A ttl of zero
// or below defaults to 5 minutes; it should comfortably exceed the
// longest legitimate request.
func NewStoreTracker(store ConcurrencyStore, ttl time.Duration) *StoreTracker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &StoreTracker{store: store, ttl: ttl}
}

// InFlight implements ConcurrencyTracker.
func (t *StoreTracker) InFlight(ctx context.Context, key string) (int, error) {
	count, err := t.store.SlotCount(ctx, concurrencyKey(key))
	return int(count), err
}

// Acquire implements ConcurrencyTracker.
func (t *StoreTracker) Acquire(ctx context.Context, key, _ string, limit int) (int, error) {
	count, err := t.store.AcquireSlot(ctx, concurrencyKey(key), t.ttl)
	if err != nil {
		return 0, err
	}
	if limit > 0 && count > int64(limit) {
		if _, err := t.store.ReleaseSlot(ctx, concurrencyKey(key)); err != nil {
			return int(count), err
		}
		return int(count) - 1, ErrConcurrencyLimit
	}
	return int(count), nil
}

// Release implements ConcurrencyTracker.
func (t *StoreTracker) Release(ctx context.Context, key, _ string) (int, error) {
	count, err := t.store.ReleaseSlot(ctx, concurrencyKey(key))
	return int(count), err
}
