package joblock

import (
	"context"
	"testing"
	"time"
)

var t0 = time.Date(2026, 4, 15, 12, 0, 0, 0, time.UTC)

func clockAt(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestAcquire_SecondWorkerBlocked(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore().WithClock(clockAt(t0))

	first := New("settlement", "worker-a", []string{"bk_1", "bk_2"}, time.Minute, t0)
	if err := store.Acquire(ctx, first); err != nil {
		t.Fatal(err)
	}

	second := New("settlement", "worker-b", []string{"bk_3"}, time.Minute, t0)
	if err := store.Acquire(ctx, second); err != ErrLockHeld {
		t.Errorf("same job name must block: %v", err)
	}
}

func TestAcquire_OverlappingBookingsBlocked(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore().WithClock(clockAt(t0))

	first := New("settlement", "worker-a", []string{"bk_1", "bk_2"}, time.Minute, t0)
	if err := store.Acquire(ctx, first); err != nil {
		t.Fatal(err)
	}

	// A different job touching an overlapping booking set is blocked.
	overlapping := New("backfill", "worker-b", []string{"bk_2", "bk_9"}, time.Minute, t0)
	if err := store.Acquire(ctx, overlapping); err != ErrLockHeld {
		t.Errorf("overlapping booking set must block: %v", err)
	}

	disjoint := New("backfill", "worker-b", []string{"bk_8", "bk_9"}, time.Minute, t0)
	if err := store.Acquire(ctx, disjoint); err != nil {
		t.Errorf("disjoint booking set should acquire: %v", err)
	}
}

func TestAcquire_ExpiredLockDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore().WithClock(clockAt(t0))

	stale := New("settlement", "worker-dead", []string{"bk_1"}, time.Minute, t0.Add(-2*time.Minute))
	if err := store.Acquire(ctx, stale); err != nil {
		t.Fatal(err)
	}

	fresh := New("settlement", "worker-b", []string{"bk_1"}, time.Minute, t0)
	if err := store.Acquire(ctx, fresh); err != nil {
		t.Errorf("expired lease must not block: %v", err)
	}
}

func TestRenew_Monotonic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore().WithClock(clockAt(t0))

	l := New("settlement", "worker-a", []string{"bk_1"}, time.Minute, t0)
	if err := store.Acquire(ctx, l); err != nil {
		t.Fatal(err)
	}

	if err := store.Renew(ctx, l.ID, t0.Add(2*time.Minute)); err != nil {
		t.Fatalf("renew forward: %v", err)
	}
	// Renewal can never shorten the lease.
	if err := store.Renew(ctx, l.ID, t0.Add(time.Minute)); err != ErrLockExpired {
		t.Errorf("backward renew must fail: %v", err)
	}

	got, _ := store.Get(ctx, l.ID)
	if !got.ExpiresAt.Equal(t0.Add(2 * time.Minute)) {
		t.Errorf("expiry: %v", got.ExpiresAt)
	}
	if got.RenewedAt == nil {
		t.Error("renewed_at not stamped")
	}
}

func TestRenew_SameExpiryKeepsLease(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore().WithClock(clockAt(t0))

	// A worker renewing between candidates computes now+TTL each time.
	// With no clock movement that is the expiry the lease already has;
	// the renewal must still count, not kill the lease mid-cycle.
	l := New("settlement", "worker-a", []string{"bk_1"}, time.Minute, t0)
	if err := store.Acquire(ctx, l); err != nil {
		t.Fatal(err)
	}

	if err := store.Renew(ctx, l.ID, t0.Add(time.Minute)); err != nil {
		t.Fatalf("renew to unchanged expiry: %v", err)
	}
	if err := store.Renew(ctx, l.ID, t0.Add(time.Minute)); err != nil {
		t.Fatalf("repeat renew to unchanged expiry: %v", err)
	}

	got, _ := store.Get(ctx, l.ID)
	if !got.ExpiresAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("expiry: %v", got.ExpiresAt)
	}
	if got.RenewedAt == nil {
		t.Error("renewed_at not stamped")
	}
}

func TestRenew_AfterExpiry(t *testing.T) {
	ctx := context.Background()
	now := t0
	store := NewMemoryStore().WithClock(func() time.Time { return now })

	l := New("settlement", "worker-a", []string{"bk_1"}, time.Minute, t0)
	if err := store.Acquire(ctx, l); err != nil {
		t.Fatal(err)
	}

	now = t0.Add(2 * time.Minute)
	if err := store.Renew(ctx, l.ID, t0.Add(5*time.Minute)); err != ErrLockExpired {
		t.Errorf("renewing an expired lease must fail: %v", err)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore().WithClock(clockAt(t0))

	l := New("settlement", "worker-a", []string{"bk_1"}, time.Minute, t0)
	_ = store.Acquire(ctx, l)

	if err := store.Release(ctx, l.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.Release(ctx, l.ID); err != nil {
		t.Errorf("double release must be a no-op: %v", err)
	}
	if _, err := store.Get(ctx, l.ID); err != ErrLockNotFound {
		t.Errorf("released lease should be gone: %v", err)
	}

	// And a new worker can acquire immediately.
	next := New("settlement", "worker-b", []string{"bk_1"}, time.Minute, t0)
	if err := store.Acquire(ctx, next); err != nil {
		t.Errorf("acquire after release: %v", err)
	}
}

func TestListActive_ExcludesExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore().WithClock(clockAt(t0))

	live := New("settlement", "worker-a", []string{"bk_1"}, time.Minute, t0)
	_ = store.Acquire(ctx, live)
	stale := New("backfill", "worker-b", []string{"bk_2"}, time.Minute, t0.Add(-5*time.Minute))
	_ = store.Acquire(ctx, stale)

	locks, err := store.ListActive(ctx, t0)
	if err != nil {
		t.Fatal(err)
	}
	if len(locks) != 1 || locks[0].ID != live.ID {
		t.Errorf("active locks: %+v", locks)
	}
}
