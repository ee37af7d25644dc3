package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStore("not a url"); err == nil {
		t.Fatal("expected error for invalid redis url")
	}
}

func TestSaveAndLookupRestore(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	alice := Identity{UserID: "usr_1", Login: "alice"}
	if err := store.SaveRestore(ctx, "jti-1", alice, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRestore failed: %v", err)
	}
	if !s.Exists("restore:jti-1") {
		t.Fatal("expected restore:jti-1 key in redis")
	}

	got, err := store.LookupRestore(ctx, "jti-1")
	if err != nil {
		t.Fatalf("LookupRestore failed: %v", err)
	}
	if got != alice {
		t.Fatalf("LookupRestore = %+v, want %+v", got, alice)
	}
}

func TestLookupExpiredRestore(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	if err := store.SaveRestore(ctx, "jti-short", Identity{UserID: "usr_2", Login: "bob"}, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("SaveRestore failed: %v", err)
	}
	s.FastForward(2 * time.Second)

	if _, err := store.LookupRestore(ctx, "jti-short"); !errors.Is(err, ErrRestoreNotFound) {
		t.Fatalf("expected ErrRestoreNotFound, got %v", err)
	}
}

func TestRevokeRestoreIsolation(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()
	expiresAt := time.Now().Add(time.Hour)

	if err := store.SaveRestore(ctx, "jti-a", Identity{UserID: "usr_a", Login: "a"}, expiresAt); err != nil {
		t.Fatalf("SaveRestore a: %v", err)
	}
	if err := store.SaveRestore(ctx, "jti-b", Identity{UserID: "usr_b", Login: "b"}, expiresAt); err != nil {
		t.Fatalf("SaveRestore b: %v", err)
	}
	if err := store.RevokeRestore(ctx, "jti-a"); err != nil {
		t.Fatalf("RevokeRestore: %v", err)
	}
	if err := store.RevokeRestore(ctx, "jti-missing"); err != nil {
		t.Fatalf("revoking an unknown jti should not fail: %v", err)
	}

	if _, err := store.LookupRestore(ctx, "jti-a"); !errors.Is(err, ErrRestoreNotFound) {
		t.Fatalf("expected revoked jti-a to be gone, got %v", err)
	}
	got, err := store.LookupRestore(ctx, "jti-b")
	if err != nil || got.Login != "b" {
		t.Fatalf("jti-b after revoke: %+v %v", got, err)
	}
}

func TestSaveRestoreRejectsPastExpiry(t *testing.T) {
	store, _ := setupTestRedis(t)
	err := store.SaveRestore(context.Background(), "jti-old", Identity{UserID: "usr", Login: "x"}, time.Now().Add(-time.Minute))
	if err == nil {
		t.Fatal("expected error for an already expired restore token")
	}
}

func TestMemoryRestoreStoreExpires(t *testing.T) {
	store := NewMemoryRestoreStore()
	now := time.Now()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if err := store.SaveRestore(ctx, "jti", Identity{UserID: "usr", Login: "x"}, now.Add(time.Minute)); err != nil {
		t.Fatalf("SaveRestore: %v", err)
	}
	if _, err := store.LookupRestore(ctx, "jti"); err != nil {
		t.Fatalf("LookupRestore before expiry: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := store.LookupRestore(ctx, "jti"); !errors.Is(err, ErrRestoreNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}
}
