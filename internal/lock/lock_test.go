package lock

import (
	"testing"
	"time"

	"github.com/finbridge/exactlink/internal/clock"
	"github.com/finbridge/exactlink/internal/store"
)

func TestTryAcquireIsExclusive(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	locker := NewLocker(store.NewMemoryCache(clk), 30*time.Second)

	guard, ok := locker.TryAcquire("conn-1")
	if !ok {
		t.Fatal("first acquire should succeed")
	}
	if _, ok := locker.TryAcquire("conn-1"); ok {
		t.Fatal("second acquire should fail while held")
	}

	// A different connection gets its own lock.
	if _, ok := locker.TryAcquire("conn-2"); !ok {
		t.Fatal("locks must be keyed per connection")
	}

	guard.Release()
	if _, ok := locker.TryAcquire("conn-1"); !ok {
		t.Fatal("acquire should succeed after release")
	}
}

func TestLockExpiresAfterTTL(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	locker := NewLocker(store.NewMemoryCache(clk), 30*time.Second)

	if _, ok := locker.TryAcquire("conn-1"); !ok {
		t.Fatal("first acquire should succeed")
	}
	clk.Advance(31 * time.Second)
	if _, ok := locker.TryAcquire("conn-1"); !ok {
		t.Fatal("acquire should succeed after the holder's TTL lapsed")
	}
}

func TestStaleGuardCannotEvictSuccessor(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	cache := store.NewMemoryCache(clk)
	locker := NewLocker(cache, 30*time.Second)

	stale, ok := locker.TryAcquire("conn-1")
	if !ok {
		t.Fatal("first acquire should succeed")
	}
	clk.Advance(31 * time.Second)

	if _, ok := locker.TryAcquire("conn-1"); !ok {
		t.Fatal("successor should take over the expired lock")
	}

	stale.Release()
	if _, ok := locker.TryAcquire("conn-1"); ok {
		t.Fatal("stale release must not free the successor's lock")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	locker := NewLocker(store.NewMemoryCache(clk), 30*time.Second)

	guard, _ := locker.TryAcquire("conn-1")
	guard.Release()
	guard.Release()

	next, ok := locker.TryAcquire("conn-1")
	if !ok {
		t.Fatal("acquire should succeed after release")
	}
	// The double release above must not have removed the new sentinel.
	guard.Release()
	if _, ok := locker.TryAcquire("conn-1"); ok {
		t.Fatal("lock should still be held by the new guard")
	}
	next.Release()
}
