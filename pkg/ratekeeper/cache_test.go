package ratekeeper

import (
	"fmt"
	"testing"
	"time"
)

func TestQuotaCache_HitAndExpiry(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cache := newQuotaCache(10, 5*time.Second, clock)

	if _, ok := cache.get("user1"); ok {
		t.Error("Empty cache should miss")
	}

	cache.set(&UserQuota{UserID: "user1", PlanTier: TierPro})
	quota, ok := cache.get("user1")
	if !ok {
		t.Fatal("Expected cache hit")
	}
	if quota.PlanTier != TierPro {
		t.Errorf("Expected tier pro, got %s", quota.PlanTier)
	}

	clock.Advance(6 * time.Second)
	if _, ok := cache.get("user1"); ok {
		t.Error("Entry should expire after the TTL")
	}
}

func TestQuotaCache_CopiesInBothDirections(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cache := newQuotaCache(10, time.Minute, clock)

	original := &UserQuota{UserID: "user1", Features: []string{"priority-queue"}}
	cache.set(original)
	original.Features[0] = "mutated-after-set"

	quota, ok := cache.get("user1")
	if !ok {
		t.Fatal("Expected cache hit")
	}
	if quota.Features[0] != "priority-queue" {
		t.Error("Cache stored a reference instead of a copy")
	}

	quota.Features[0] = "mutated-after-get"
	again, _ := cache.get("user1")
	if again.Features[0] != "priority-queue" {
		t.Error("Cache handed out its internal record")
	}
}

func TestQuotaCache_EvictsLeastRecentlyUsed(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cache := newQuotaCache(3, time.Minute, clock)

	for i := 1; i <= 3; i++ {
		cache.set(&UserQuota{UserID: fmt.Sprintf("user%d", i)})
	}

	// Touch user1 so user2 becomes the oldest.
	clock.Advance(time.Second)
	if _, ok := cache.get("user1"); !ok {
		t.Fatal("Expected user1 to be cached")
	}

	cache.set(&UserQuota{UserID: "user4"})

	if _, ok := cache.get("user2"); ok {
		t.Error("user2 should have been evicted")
	}
	for _, id := range []string{"user1", "user3", "user4"} {
		if _, ok := cache.get(id); !ok {
			t.Errorf("%s should still be cached", id)
		}
	}
	if cache.evictions != 1 {
		t.Errorf("Expected 1 eviction, got %d", cache.evictions)
	}
}

func TestQuotaCache_Invalidate(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cache := newQuotaCache(10, time.Minute, clock)

	cache.set(&UserQuota{UserID: "user1"})
	cache.invalidate("user1")

	if _, ok := cache.get("user1"); ok {
		t.Error("Invalidated entry should miss")
	}
}
