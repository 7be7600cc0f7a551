package coord

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// openCoordDB opens a shared on-disk coordination database so that two
// Lock handles see each other, the way two processes would.
func openCoordDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coord.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestLock(t *testing.T, db *sql.DB, owner string, ttl time.Duration) *Lock {
	t.Helper()
	l, err := NewLock(LockConfig{
		DB:          db,
		Name:        "signal",
		Owner:       owner,
		TTL:         ttl,
		Attempts:    3,
		BackoffStep: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewLock: %v", err)
	}
	t.Cleanup(l.Release)
	return l
}

func TestLock_SingleWriter(t *testing.T) {
	db := openCoordDB(t)
	a := newTestLock(t, db, "owner-a", time.Minute)
	b := newTestLock(t, db, "owner-b", time.Minute)

	gotA, err := a.Acquire(context.Background())
	if err != nil {
		t.Fatalf("a.Acquire: %v", err)
	}
	gotB, err := b.Acquire(context.Background())
	if err != nil {
		t.Fatalf("b.Acquire: %v", err)
	}

	if !gotA {
		t.Error("first acquirer should win")
	}
	if gotB {
		t.Error("second acquirer must not also win")
	}
}

func TestLock_ReleaseAllowsNextAcquire(t *testing.T) {
	db := openCoordDB(t)
	a := newTestLock(t, db, "owner-a", time.Minute)
	b := newTestLock(t, db, "owner-b", time.Minute)

	if ok, _ := a.Acquire(context.Background()); !ok {
		t.Fatal("a should acquire")
	}
	a.Release()

	if ok, err := b.Acquire(context.Background()); err != nil || !ok {
		t.Fatalf("b.Acquire after release = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestLock_IdempotentRelease(t *testing.T) {
	db := openCoordDB(t)
	a := newTestLock(t, db, "owner-a", time.Minute)
	b := newTestLock(t, db, "owner-b", time.Minute)

	if ok, _ := a.Acquire(context.Background()); !ok {
		t.Fatal("a should acquire")
	}
	a.Release()

	if ok, _ := b.Acquire(context.Background()); !ok {
		t.Fatal("b should acquire after a released")
	}

	// Releasing a again must not throw and must not disturb b's lock.
	a.Release()

	var owner string
	if err := db.QueryRow(`SELECT owner FROM channel_locks WHERE name = 'signal'`).Scan(&owner); err != nil {
		t.Fatalf("readback: %v", err)
	}
	if owner != "owner-b" {
		t.Errorf("owner = %q after double release, want owner-b", owner)
	}
}

func TestLock_ExpiredLeaseIsReacquirable(t *testing.T) {
	db := openCoordDB(t)
	a := newTestLock(t, db, "owner-a", 20*time.Millisecond)
	b := newTestLock(t, db, "owner-b", time.Minute)

	if ok, _ := a.Acquire(context.Background()); !ok {
		t.Fatal("a should acquire")
	}
	// Simulate owner-a crashing: stop the renew loop without deleting
	// the row, then wait for the lease to lapse.
	a.mu.Lock()
	cancel := a.stopRenew
	done := a.renewDone
	a.mu.Unlock()
	cancel()
	<-done
	time.Sleep(40 * time.Millisecond)

	if ok, err := b.Acquire(context.Background()); err != nil || !ok {
		t.Fatalf("b.Acquire after lease expiry = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestLock_ReacquireRefreshesOwnLease(t *testing.T) {
	db := openCoordDB(t)
	a := newTestLock(t, db, "owner-a", time.Minute)

	if ok, _ := a.Acquire(context.Background()); !ok {
		t.Fatal("first acquire failed")
	}

	var before int64
	if err := db.QueryRow(`SELECT expires_at FROM channel_locks WHERE name = 'signal'`).Scan(&before); err != nil {
		t.Fatal(err)
	}

	time.Sleep(5 * time.Millisecond)
	if ok, _ := a.tryAcquire(); !ok {
		t.Fatal("re-acquire by same owner should succeed")
	}

	var after int64
	if err := db.QueryRow(`SELECT expires_at FROM channel_locks WHERE name = 'signal'`).Scan(&after); err != nil {
		t.Fatal(err)
	}
	if after <= before {
		t.Errorf("lease not refreshed: before=%d after=%d", before, after)
	}
}

func TestLock_BoundedRetries(t *testing.T) {
	db := openCoordDB(t)
	a := newTestLock(t, db, "owner-a", time.Minute)
	b := newTestLock(t, db, "owner-b", time.Minute)

	if ok, _ := a.Acquire(context.Background()); !ok {
		t.Fatal("a should acquire")
	}

	start := time.Now()
	ok, err := b.Acquire(context.Background())
	if err != nil {
		t.Fatalf("b.Acquire: %v", err)
	}
	if ok {
		t.Error("b must not acquire a held, unexpired lock")
	}
	// 3 attempts with 5ms step: backoff 5+10 = 15ms minimum.
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("Acquire returned after %v, expected bounded retries with backoff", elapsed)
	}
}

func TestLock_OnLostFiresAfterTakeover(t *testing.T) {
	db := openCoordDB(t)

	lost := make(chan struct{})
	a, err := NewLock(LockConfig{
		DB:          db,
		Name:        "signal",
		Owner:       "owner-a",
		TTL:         20 * time.Millisecond,
		Attempts:    1,
		BackoffStep: time.Millisecond,
		OnLost:      func() { close(lost) },
	})
	if err != nil {
		t.Fatalf("NewLock: %v", err)
	}
	t.Cleanup(a.Release)

	if ok, _ := a.Acquire(context.Background()); !ok {
		t.Fatal("a should acquire")
	}

	// Another owner steals the row, as happens when a's lease expired
	// during a long GC pause or suspend.
	if _, err := db.Exec(
		`UPDATE channel_locks SET owner = 'owner-b', expires_at = ? WHERE name = 'signal'`,
		time.Now().Add(time.Minute).UnixMilli(),
	); err != nil {
		t.Fatalf("steal lock: %v", err)
	}

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("OnLost never fired after takeover")
	}
	if a.Held() {
		t.Error("Held() = true after losing the lease")
	}
}
