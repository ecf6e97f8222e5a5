// Package search answers diary and user searches, preferring Meilisearch
// and falling back to database queries.
package search

import (
	"context"
	"log/slog"
	"unicode/utf8"
)

const snippetRunes = 120

// Service is the facade that tries Meilisearch first and falls back to the store.
type Service struct {
	meili    *Meili
	fallback Fallback
	log      *slog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, fallback Fallback, logger *slog.Logger) *Service {
	return &Service{meili: meili, fallback: fallback, log: logger}
}

func (s *Service) meiliReady() bool {
	return s.meili != nil && s.meili.Healthy()
}

func (s *Service) SearchEntries(ctx context.Context, userID, text string, limit int) ([]EntryHit, error) {
	if s.meiliReady() {
		hits, err := s.meili.SearchEntries(userID, text, limit)
		if err == nil {
			return hits, nil
		}
		s.log.Warn("meilisearch error, falling back to database", "error", err)
	}

	entries, err := s.fallback.SearchDiaryEntries(ctx, userID, text, limit)
	if err != nil {
		return nil, err
	}
	hits := make([]EntryHit, 0, len(entries))
	for _, e := range entries {
		hits = append(hits, EntryHit{ID: e.ID, Date: e.Date, Snippet: snippet(e.Text)})
	}
	return hits, nil
}

func (s *Service) SearchUsers(ctx context.Context, text, excludeUserID string, limit int) ([]UserHit, error) {
	if s.meiliReady() {
		hits, err := s.meili.SearchUsers(text, excludeUserID, limit)
		if err == nil {
			return hits, nil
		}
		s.log.Warn("meilisearch error, falling back to database", "error", err)
	}

	users, err := s.fallback.SearchUsers(ctx, text, excludeUserID, limit)
	if err != nil {
		return nil, err
	}
	hits := make([]UserHit, 0, len(users))
	for _, u := range users {
		hits = append(hits, UserHit{ID: u.ID, Username: u.Username, Nickname: u.Nickname, AvatarURL: u.AvatarURL})
	}
	return hits, nil
}

// IndexEntry indexes a diary entry (fire-and-forget to Meilisearch).
func (s *Service) IndexEntry(e EntryRecord) {
	if !s.meiliReady() {
		return
	}
	go func() {
		if err := s.meili.IndexEntries([]EntryRecord{e}); err != nil {
			s.log.Warn("index diary entry", "id", e.ID, "error", err)
		}
	}()
}

// DeleteEntry removes a diary entry from the index (fire-and-forget).
func (s *Service) DeleteEntry(id string) {
	if !s.meiliReady() {
		return
	}
	go func() {
		if err := s.meili.DeleteEntry(id); err != nil {
			s.log.Warn("delete diary entry from index", "id", id, "error", err)
		}
	}()
}

// IndexUser indexes a user profile (fire-and-forget).
func (s *Service) IndexUser(u UserRecord) {
	if !s.meiliReady() {
		return
	}
	go func() {
		if err := s.meili.IndexUsers([]UserRecord{u}); err != nil {
			s.log.Warn("index user", "id", u.ID, "error", err)
		}
	}()
}

// Reindex pushes every entry and user from loader into Meilisearch.
func (s *Service) Reindex(ctx context.Context, loader Loader) {
	if !s.meiliReady() || loader == nil {
		return
	}
	entries, users, err := loader.LoadSearchRecords(ctx)
	if err != nil {
		s.log.Warn("search reindex load failed", "error", err)
		return
	}

	entryRecords := make([]EntryRecord, 0, len(entries))
	for _, e := range entries {
		entryRecords = append(entryRecords, EntryRecordFrom(e))
	}
	userRecords := make([]UserRecord, 0, len(users))
	for _, u := range users {
		userRecords = append(userRecords, UserRecordFrom(u))
	}

	if err := s.meili.IndexEntries(entryRecords); err != nil {
		s.log.Warn("reindex diary entries", "error", err)
	}
	if err := s.meili.IndexUsers(userRecords); err != nil {
		s.log.Warn("reindex users", "error", err)
	}
}

func snippet(text string) string {
	if utf8.RuneCountInString(text) <= snippetRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:snippetRunes]) + "…"
}
