package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryLockerMutualExclusion(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()

	token, ok, err := locker.TryLock(ctx, "0xuser", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first lock should succeed: ok=%t err=%v", ok, err)
	}

	if _, ok, _ := locker.TryLock(ctx, "0xuser", time.Minute); ok {
		t.Fatal("second lock on the same address must fail")
	}
	if _, ok, _ := locker.TryLock(ctx, "0xother", time.Minute); !ok {
		t.Fatal("a different address must not be blocked")
	}

	// A stale token must not release the current holder.
	if err := locker.Unlock(ctx, "0xuser", "not-the-token"); err != nil {
		t.Fatalf("unlock with wrong token: %v", err)
	}
	if _, ok, _ := locker.TryLock(ctx, "0xuser", time.Minute); ok {
		t.Fatal("wrong-token unlock must not release the lock")
	}

	if err := locker.Unlock(ctx, "0xuser", token); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, ok, _ := locker.TryLock(ctx, "0xuser", time.Minute); !ok {
		t.Fatal("lock should be free after release")
	}
}

func TestMemoryLockerRacingAcquires(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()

	start := make(chan struct{})
	var wg sync.WaitGroup
	var wins atomic.Int64
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, ok, err := locker.TryLock(ctx, "0xuser", time.Minute)
			if err != nil {
				t.Errorf("try lock: %v", err)
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Fatalf("exactly one racing acquire may win, got %d", got)
	}
}

func TestMemoryLockerTTLExpiry(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()

	if _, ok, _ := locker.TryLock(ctx, "0xuser", 10*time.Millisecond); !ok {
		t.Fatal("first lock should succeed")
	}
	time.Sleep(20 * time.Millisecond)

	// A crashed holder's lock clears on its own once the TTL lapses.
	if _, ok, _ := locker.TryLock(ctx, "0xuser", time.Minute); !ok {
		t.Fatal("expired lock should be reacquirable")
	}
}

func TestMemoryBudgetReserveBoundary(t *testing.T) {
	ctx := context.Background()
	budget := NewMemoryBudget(90, 3)

	// 86 used plus the 3-op reserve still clears the 90 ceiling, so the
	// 87th operation goes through.
	for i := 0; i < 86; i++ {
		if err := budget.Record(ctx, "0xuser"); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	allowed, err := budget.Allows(ctx, "0xuser")
	if err != nil {
		t.Fatalf("allows: %v", err)
	}
	if !allowed {
		t.Fatal("86 used must still allow: the next op leaves the reserve intact")
	}

	// 87 used: one more would eat into the reserve.
	if err := budget.Record(ctx, "0xuser"); err != nil {
		t.Fatalf("record: %v", err)
	}
	allowed, err = budget.Allows(ctx, "0xuser")
	if err != nil {
		t.Fatalf("allows: %v", err)
	}
	if allowed {
		t.Fatal("87 used must deny: the reserve is not the orchestrator's to spend")
	}
}

func TestMemoryBudgetPerAddress(t *testing.T) {
	ctx := context.Background()
	budget := NewMemoryBudget(4, 3)

	if err := budget.Record(ctx, "0xbusy"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if allowed, _ := budget.Allows(ctx, "0xbusy"); allowed {
		t.Fatal("exhausted address should be denied")
	}
	if allowed, _ := budget.Allows(ctx, "0xfresh"); !allowed {
		t.Fatal("one user's spend must not count against another")
	}
}

func TestMemoryRevocations(t *testing.T) {
	ctx := context.Background()
	revocations := NewMemoryRevocations()

	revoked, err := revocations.IsRevoked(ctx, "key-1")
	if err != nil || revoked {
		t.Fatalf("unknown key: revoked=%t err=%v", revoked, err)
	}

	if err := revocations.Revoke(ctx, "key-1", time.Hour); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	revoked, _ = revocations.IsRevoked(ctx, "key-1")
	if !revoked {
		t.Fatal("revoked key should report revoked")
	}

	// The mark ages out with its TTL; expiry checks take over from there.
	if err := revocations.Revoke(ctx, "key-2", 5*time.Millisecond); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	revoked, _ = revocations.IsRevoked(ctx, "key-2")
	if revoked {
		t.Fatal("revocation mark should lapse after its TTL")
	}
}
