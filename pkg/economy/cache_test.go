package economy

import (
	"sync"
	"testing"
	"time"
)

func TestCacheFreshHitAndExpiry(test *testing.T) {
	test.Parallel()
	clock := newFakeClock()
	cache := NewBalanceCache(time.Minute, clock.Now)
	player := PlayerIDFromUUID(mustUUID(test, "7c9e6679-7425-40de-944b-e07fc1f90ae7"))

	if _, ok := cache.Get(player); ok {
		test.Fatalf("unexpected hit on empty cache")
	}
	cache.Put(player, 42)
	if balance, ok := cache.Get(player); !ok || balance != 42 {
		test.Fatalf("expected fresh 42, got %v (ok=%v)", balance, ok)
	}

	clock.Advance(61 * time.Second)
	if _, ok := cache.Get(player); ok {
		test.Fatalf("expected stale entry to miss for authoritative reads")
	}
	if balance, ok := cache.GetStale(player); !ok || balance != 42 {
		test.Fatalf("expected stale fallback 42, got %v (ok=%v)", balance, ok)
	}
	if !cache.Contains(player) {
		test.Fatalf("stale entry should still be present")
	}
}

func TestCachePutOverwritesAndRefreshes(test *testing.T) {
	test.Parallel()
	clock := newFakeClock()
	cache := NewBalanceCache(time.Minute, clock.Now)
	player := PlayerIDFromUUID(mustUUID(test, "7c9e6679-7425-40de-944b-e07fc1f90ae7"))

	cache.Put(player, 10)
	clock.Advance(59 * time.Second)
	cache.Put(player, 20)
	clock.Advance(30 * time.Second)
	if balance, ok := cache.Get(player); !ok || balance != 20 {
		test.Fatalf("expected refreshed 20, got %v (ok=%v)", balance, ok)
	}
}

func TestCacheInvalidate(test *testing.T) {
	test.Parallel()
	clock := newFakeClock()
	cache := NewBalanceCache(time.Minute, clock.Now)
	alice := PlayerIDFromUUID(mustUUID(test, "7c9e6679-7425-40de-944b-e07fc1f90ae7"))
	bob := PlayerIDFromUUID(mustUUID(test, "16fd2706-8baf-433b-82eb-8c7fada847da"))

	cache.Put(alice, 1)
	cache.Put(bob, 2)
	cache.Invalidate(alice)
	if cache.Contains(alice) {
		test.Fatalf("alice should be gone")
	}
	if !cache.Contains(bob) {
		test.Fatalf("bob should remain")
	}
	cache.InvalidateAll()
	if cache.Len() != 0 {
		test.Fatalf("expected empty cache, got %d entries", cache.Len())
	}
}

func TestCacheConcurrentAccess(test *testing.T) {
	test.Parallel()
	cache := NewBalanceCache(time.Minute, time.Now)
	player := PlayerIDFromUUID(mustUUID(test, "7c9e6679-7425-40de-944b-e07fc1f90ae7"))

	var wait sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wait.Add(1)
		go func(seed int) {
			defer wait.Done()
			for iteration := 0; iteration < 200; iteration++ {
				cache.Put(player, float64(seed*iteration))
				cache.Get(player)
				cache.GetStale(player)
			}
		}(worker)
	}
	wait.Wait()
	if !cache.Contains(player) {
		test.Fatalf("entry lost after concurrent writes")
	}
}
