package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newIntegrationStore(t *testing.T) *PostgresStore {
	t.Helper()
	db := openTestDB(t)
	if err := ApplyMigrations(context.Background(), db, Migrations()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db, RetryPolicy{Attempts: 1})
}

func mustCreateUser(t *testing.T, s *PostgresStore, id, username, nickname string) User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), User{ID: id, Username: username, PasswordHash: "hash", Nickname: nickname})
	if err != nil {
		t.Fatalf("CreateUser(%s) error = %v", username, err)
	}
	return u
}

func TestPostgresUserUniqueness(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	mustCreateUser(t, s, "u_1", "alice", "ally")

	if _, err := s.CreateUser(ctx, User{ID: "u_2", Username: "alice", PasswordHash: "x"}); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
	if _, err := s.CreateUser(ctx, User{ID: "u_3", Username: "bob1", PasswordHash: "x", Nickname: "ally"}); !errors.Is(err, ErrNicknameTaken) {
		t.Fatalf("expected ErrNicknameTaken, got %v", err)
	}
	mustCreateUser(t, s, "u_4", "carol", "")
	mustCreateUser(t, s, "u_5", "dave1", "")
}

func TestPostgresSessionExpiry(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	mustCreateUser(t, s, "u_1", "alice", "")

	now := time.Now().UTC()
	if err := s.CreateSession(ctx, Session{ID: "fresh", UserID: "u_1", CreatedAt: now}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := s.CreateSession(ctx, Session{ID: "stale", UserID: "u_1", CreatedAt: now.Add(-8 * 24 * time.Hour)}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	notBefore := now.Add(-7 * 24 * time.Hour)
	if sess, err := s.LookupSession(ctx, "fresh", notBefore); err != nil || sess.UserID != "u_1" {
		t.Fatalf("expected fresh session, got %+v %v", sess, err)
	}
	if _, err := s.LookupSession(ctx, "stale", notBefore); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected stale session to be absent, got %v", err)
	}
	if _, err := s.LookupSession(ctx, "missing", notBefore); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresReplaceDayPhotos(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	mustCreateUser(t, s, "u_1", "alice", "")

	date := "2024-03-15"
	first := []DiaryPhoto{
		{ID: "dp_a", ObjectKey: "uploads/u_1/diary/2024-03-15/a.jpg", Mime: "image/jpeg", Bytes: 10, OrderIndex: 0},
		{ID: "dp_b", ObjectKey: "uploads/u_1/diary/2024-03-15/b.jpg", Mime: "image/jpeg", Bytes: 10, OrderIndex: 1},
	}
	if _, _, err := s.ReplaceDayPhotos(ctx, "u_1", date, first); err != nil {
		t.Fatalf("ReplaceDayPhotos() error = %v", err)
	}

	second := []DiaryPhoto{{ID: "dp_c", ObjectKey: "uploads/u_1/diary/2024-03-15/c.jpg", Mime: "image/png", Bytes: 20}}
	_, orphaned, err := s.ReplaceDayPhotos(ctx, "u_1", date, second)
	if err != nil {
		t.Fatalf("ReplaceDayPhotos() error = %v", err)
	}
	if len(orphaned) != 2 {
		t.Fatalf("expected previous two keys orphaned, got %v", orphaned)
	}

	photos, err := s.ListPhotosByDate(ctx, "u_1", date)
	if err != nil {
		t.Fatalf("ListPhotosByDate() error = %v", err)
	}
	if len(photos) != 1 || photos[0].ID != "dp_c" {
		t.Fatalf("expected only photo C, got %+v", photos)
	}

	entry, created, err := s.UpsertDiaryEntry(ctx, DiaryEntry{ID: "de_1", UserID: "u_1", Date: date, Text: "hello"})
	if err != nil || !created {
		t.Fatalf("UpsertDiaryEntry() = %v created=%v", err, created)
	}
	photos, _ = s.ListPhotosByDate(ctx, "u_1", date)
	if photos[0].EntryID == nil || *photos[0].EntryID != entry.ID {
		t.Fatalf("expected photo attached to entry, got %+v", photos[0].EntryID)
	}

	_, created, err = s.UpsertDiaryEntry(ctx, DiaryEntry{ID: "de_2", UserID: "u_1", Date: date, Text: "again"})
	if err != nil || created {
		t.Fatalf("expected second upsert to update, got created=%v err=%v", created, err)
	}

	thumbs, err := s.MonthThumbnails(ctx, "u_1", "2024-03-01", "2024-03-31")
	if err != nil || len(thumbs) != 1 || thumbs[0].ObjectKey != second[0].ObjectKey {
		t.Fatalf("unexpected thumbnails %+v %v", thumbs, err)
	}

	_, keys, err := s.DeleteDiaryEntry(ctx, "u_1", entry.ID)
	if err != nil || len(keys) != 1 {
		t.Fatalf("DeleteDiaryEntry() keys=%v err=%v", keys, err)
	}
}

func TestPostgresMovingEntryAdoptsTargetDayPhotos(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	mustCreateUser(t, s, "u_1", "alice", "")

	entry, _, err := s.UpsertDiaryEntry(ctx, DiaryEntry{ID: "de_1", UserID: "u_1", Date: "2024-03-15", Text: "hello"})
	if err != nil {
		t.Fatalf("UpsertDiaryEntry() error = %v", err)
	}
	if _, _, err := s.ReplaceDayPhotos(ctx, "u_1", "2024-03-15", []DiaryPhoto{
		{ID: "dp_a", ObjectKey: "uploads/u_1/diary/2024-03-15/a.jpg", Mime: "image/jpeg", Bytes: 10, OrderIndex: 0},
	}); err != nil {
		t.Fatalf("ReplaceDayPhotos() error = %v", err)
	}
	if _, _, err := s.ReplaceDayPhotos(ctx, "u_1", "2024-03-16", []DiaryPhoto{
		{ID: "dp_x", ObjectKey: "uploads/u_1/diary/2024-03-16/x.jpg", Mime: "image/jpeg", Bytes: 10, OrderIndex: 0},
	}); err != nil {
		t.Fatalf("ReplaceDayPhotos() error = %v", err)
	}

	if _, _, err := s.UpdateDiaryEntry(ctx, "u_1", entry.ID, "moved", "2024-03-16"); err != nil {
		t.Fatalf("UpdateDiaryEntry() error = %v", err)
	}

	photos, err := s.ListPhotosByDate(ctx, "u_1", "2024-03-16")
	if err != nil {
		t.Fatalf("ListPhotosByDate() error = %v", err)
	}
	if len(photos) != 2 || photos[0].ID != "dp_a" || photos[1].ID != "dp_x" {
		t.Fatalf("expected moved photo then adopted photo, got %+v", photos)
	}
	for _, p := range photos {
		if p.EntryID == nil || *p.EntryID != entry.ID {
			t.Fatalf("photo %s not attached to %s", p.ID, entry.ID)
		}
	}
	if photos[0].OrderIndex == photos[1].OrderIndex {
		t.Fatalf("order indexes collide: %d", photos[0].OrderIndex)
	}
}

func TestPostgresScheduleOwnership(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	mustCreateUser(t, s, "u_1", "alice", "")
	mustCreateUser(t, s, "u_2", "bobby", "")

	sc, err := s.CreateSchedule(ctx, Schedule{ID: "sc_1", UserID: "u_1", Title: "dentist", StartAt: "2024-03-15T09:00"})
	if err != nil {
		t.Fatalf("CreateSchedule() error = %v", err)
	}
	if _, err := s.DeleteSchedule(ctx, "u_2", sc.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected foreign delete to be not found, got %v", err)
	}
	counts, err := s.MonthScheduleCounts(ctx, "u_1", "2024-03-01", "2024-03-31")
	if err != nil || len(counts) != 1 || counts[0].Date != "2024-03-15" || counts[0].Count != 1 {
		t.Fatalf("unexpected counts %+v %v", counts, err)
	}
}
