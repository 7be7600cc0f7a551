package route

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openRouteDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "route.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestStore(t *testing.T) *StickyStore {
	t.Helper()
	store, err := NewStickyStore(openRouteDB(t), "signal")
	if err != nil {
		t.Fatalf("NewStickyStore: %v", err)
	}
	return store
}

func TestStickyStorePutGet(t *testing.T) {
	store := newTestStore(t)

	if err := store.Put("dm:+15551234567", "ada", time.Minute, false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, _, err := store.Get("dm:+15551234567")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "ada" {
		t.Errorf("Get = %q, want %q", got, "ada")
	}
}

func TestStickyStoreMissingKey(t *testing.T) {
	store := newTestStore(t)

	got, _, err := store.Get("dm:+15550000000")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "" {
		t.Errorf("Get = %q, want empty", got)
	}
}

func TestStickyStoreExpiry(t *testing.T) {
	store := newTestStore(t)

	if err := store.Put("dm:+15551234567", "ada", 10*time.Millisecond, false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	time.Sleep(25 * time.Millisecond)

	got, _, err := store.Get("dm:+15551234567")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "" {
		t.Errorf("expired binding returned %q, want empty", got)
	}
}

func TestStickyStoreUpsertRefreshes(t *testing.T) {
	store := newTestStore(t)

	if err := store.Put("dm:+15551234567", "ada", 15*time.Millisecond, false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// Rebinding before expiry extends the lease.
	time.Sleep(10 * time.Millisecond)
	if err := store.Put("dm:+15551234567", "grace", time.Minute, false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	got, _, err := store.Get("dm:+15551234567")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "grace" {
		t.Errorf("Get = %q, want %q", got, "grace")
	}
}

func TestStickyStoreChannelsAreIsolated(t *testing.T) {
	db := openRouteDB(t)
	signal, err := NewStickyStore(db, "signal")
	if err != nil {
		t.Fatalf("NewStickyStore: %v", err)
	}
	discord, err := NewStickyStore(db, "discord")
	if err != nil {
		t.Fatalf("NewStickyStore: %v", err)
	}

	if err := signal.Put("dm:alice", "ada", time.Minute, false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, _, err := discord.Get("dm:alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "" {
		t.Errorf("discord store leaked signal binding %q", got)
	}
}

func TestStickyStoreExplicitFlagRoundTrip(t *testing.T) {
	store := newTestStore(t)

	if err := store.Put("dm:alice", "ada", time.Minute, true); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, explicit, err := store.Get("dm:alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "ada" || !explicit {
		t.Errorf("Get = (%q, %v), want (ada, true)", got, explicit)
	}

	// A default rebind clears the flag.
	if err := store.Put("dm:alice", "ada", time.Minute, false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, explicit, err = store.Get("dm:alice"); err != nil || explicit {
		t.Errorf("Get explicit = %v (err %v), want false", explicit, err)
	}
}

func TestStickyStoreDelete(t *testing.T) {
	store := newTestStore(t)

	if err := store.Put("dm:+15551234567", "ada", time.Minute, false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Delete("dm:+15551234567"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, _, err := store.Get("dm:+15551234567")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "" {
		t.Errorf("Get after Delete = %q, want empty", got)
	}
}
