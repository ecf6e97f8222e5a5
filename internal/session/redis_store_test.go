package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"weeklydiary/api/internal/store"
)

const testTTL = 7 * 24 * time.Hour

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	rs, err := NewRedisStore("redis://"+s.Addr(), testTTL)
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { rs.Close() })
	return rs, s
}

func TestNewRedisStore(t *testing.T) {
	rs, _ := setupTestRedis(t)
	if err := rs.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreBadURL(t *testing.T) {
	if _, err := NewRedisStore("not a url", testTTL); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestCreateAndLookupSession(t *testing.T) {
	rs, s := setupTestRedis(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	err := rs.CreateSession(ctx, store.Session{ID: "hash-1", UserID: "u_1", IP: "10.0.0.1", UserAgent: "test", CreatedAt: now})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	sess, err := rs.LookupSession(ctx, "hash-1", now.Add(-testTTL))
	if err != nil {
		t.Fatalf("LookupSession failed: %v", err)
	}
	if sess.UserID != "u_1" || sess.IP != "10.0.0.1" || !sess.CreatedAt.Equal(now) {
		t.Fatalf("unexpected session %+v", sess)
	}

	ttl := s.TTL("session:hash-1")
	if ttl <= 0 || ttl > testTTL {
		t.Fatalf("expected ttl within session lifetime, got %s", ttl)
	}
}

func TestTouchDoesNotExtendTTL(t *testing.T) {
	rs, s := setupTestRedis(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := rs.CreateSession(ctx, store.Session{ID: "hash-2", UserID: "u_1", CreatedAt: now}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	s.FastForward(time.Hour)
	before := s.TTL("session:hash-2")

	if err := rs.TouchSession(ctx, "hash-2", now.Add(time.Hour)); err != nil {
		t.Fatalf("TouchSession failed: %v", err)
	}
	if after := s.TTL("session:hash-2"); after != before {
		t.Fatalf("touch changed ttl from %s to %s", before, after)
	}
	if got := s.HGet("session:hash-2", "last_seen"); got == "" {
		t.Fatal("expected last_seen to be written")
	}
}

func TestTouchMissingSessionDoesNotCreateKey(t *testing.T) {
	rs, s := setupTestRedis(t)
	if err := rs.TouchSession(context.Background(), "ghost", time.Now()); err != nil {
		t.Fatalf("TouchSession failed: %v", err)
	}
	if s.Exists("session:ghost") {
		t.Fatal("touch must not create a session")
	}
}

func TestLookupExpiredSession(t *testing.T) {
	rs, s := setupTestRedis(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := rs.CreateSession(ctx, store.Session{ID: "hash-3", UserID: "u_1", CreatedAt: now}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	s.FastForward(testTTL + time.Second)

	if _, err := rs.LookupSession(ctx, "hash-3", now.Add(-testTTL)); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected expired session to be absent, got %v", err)
	}
}

func TestLookupSessionOlderThanWindow(t *testing.T) {
	rs, s := setupTestRedis(t)
	ctx := context.Background()
	created := time.Now().UTC().Add(-time.Hour)

	if err := rs.CreateSession(ctx, store.Session{ID: "hash-4", UserID: "u_1", CreatedAt: created}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// A shorter window than the key's TTL still wins.
	if _, err := rs.LookupSession(ctx, "hash-4", created.Add(time.Minute)); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if s.Exists("session:hash-4") {
		t.Fatal("expected stale session to be deleted on lookup")
	}
}

func TestDeleteSession(t *testing.T) {
	rs, _ := setupTestRedis(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := rs.CreateSession(ctx, store.Session{ID: "hash-5", UserID: "u_1", CreatedAt: now}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := rs.DeleteSession(ctx, "hash-5"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if _, err := rs.LookupSession(ctx, "hash-5", now.Add(-testTTL)); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected deleted session to be absent, got %v", err)
	}
}

func TestCreateRejectsAlreadyExpired(t *testing.T) {
	rs, _ := setupTestRedis(t)
	err := rs.CreateSession(context.Background(), store.Session{ID: "old", UserID: "u_1", CreatedAt: time.Now().Add(-2 * testTTL)})
	if err == nil {
		t.Fatal("expected error for a session past its lifetime")
	}
}
