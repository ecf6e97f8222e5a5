package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"weeklydiary/api/internal/calendar"
	"weeklydiary/api/internal/objectstore"
	"weeklydiary/api/internal/search"
	"weeklydiary/api/internal/store"
	"weeklydiary/api/internal/util"
)

const (
	maxDiaryTextRunes = 20000
	searchLimit       = 20
)

type EntryView struct {
	ID        string    `json:"id"`
	Date      string    `json:"date"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type PhotoView struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	URL    string `json:"url"`
	Date   string `json:"date"`
	Mime   string `json:"mime"`
	Bytes  int64  `json:"bytes"`
	Width  *int   `json:"width"`
	Height *int   `json:"height"`
	Order  int    `json:"order"`
}

type DayView struct {
	Entry  *EntryView  `json:"entry"`
	Photos []PhotoView `json:"photos"`
}

func entryView(e store.DiaryEntry) EntryView {
	return EntryView{ID: e.ID, Date: e.Date, Text: e.Text, CreatedAt: e.CreatedAt, UpdatedAt: e.UpdatedAt}
}

func (s *Service) photoView(p store.DiaryPhoto) PhotoView {
	return PhotoView{
		ID:     p.ID,
		Key:    p.ObjectKey,
		URL:    s.objectURL(p.ObjectKey),
		Date:   p.Date,
		Mime:   p.Mime,
		Bytes:  p.Bytes,
		Width:  p.Width,
		Height: p.Height,
		Order:  p.OrderIndex,
	}
}

func (s *Service) photoViews(photos []store.DiaryPhoto) []PhotoView {
	views := make([]PhotoView, 0, len(photos))
	for _, p := range photos {
		views = append(views, s.photoView(p))
	}
	return views
}

func (s *Service) objectURL(key string) string {
	return objectstore.PublicURL(s.cfg.R2PublicURL, key)
}

func validateDiaryText(text string) error {
	if utf8.RuneCountInString(text) > maxDiaryTextRunes {
		return validationError("text is too long")
	}
	return nil
}

func (s *Service) ListDiary(ctx context.Context, userID, from, to string) ([]EntryView, error) {
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	if from != "" && !calendar.ValidDate(from) {
		return nil, badDate("from")
	}
	if to != "" && !calendar.ValidDate(to) {
		return nil, badDate("to")
	}
	entries, err := s.store.ListDiaryEntries(ctx, userID, from, to)
	if err != nil {
		return nil, err
	}
	views := make([]EntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, entryView(e))
	}
	return views, nil
}

// SaveDiary creates or replaces the entry of one day. created reports
// whether a new row was written.
func (s *Service) SaveDiary(ctx context.Context, userID, date, text string) (EntryView, bool, error) {
	date = strings.TrimSpace(date)
	if !calendar.ValidDate(date) {
		return EntryView{}, false, badDate("date")
	}
	if err := validateDiaryText(text); err != nil {
		return EntryView{}, false, err
	}
	entry, created, err := s.store.UpsertDiaryEntry(ctx, store.DiaryEntry{
		ID:     util.NewID(util.PrefixEntry),
		UserID: userID,
		Date:   date,
		Text:   text,
	})
	if err != nil {
		return EntryView{}, false, err
	}
	s.invalidateOverview(ctx, userID, entry.Date)
	s.search.IndexEntry(search.EntryRecordFrom(entry))
	return entryView(entry), created, nil
}

func (s *Service) GetDiary(ctx context.Context, userID, entryID string) (EntryView, error) {
	if !util.LooksLikeID(entryID, util.PrefixEntry) {
		return EntryView{}, notFoundError("Diary entry")
	}
	entry, err := s.store.GetDiaryEntry(ctx, userID, entryID)
	if errors.Is(err, store.ErrNotFound) {
		return EntryView{}, notFoundError("Diary entry")
	}
	if err != nil {
		return EntryView{}, err
	}
	return entryView(entry), nil
}

// UpdateDiary rewrites an entry's text and, when date is non-empty, moves
// the entry and its photos to that day.
func (s *Service) UpdateDiary(ctx context.Context, userID, entryID, text, date string) (EntryView, error) {
	if !util.LooksLikeID(entryID, util.PrefixEntry) {
		return EntryView{}, notFoundError("Diary entry")
	}
	date = strings.TrimSpace(date)
	if date != "" && !calendar.ValidDate(date) {
		return EntryView{}, badDate("date")
	}
	if err := validateDiaryText(text); err != nil {
		return EntryView{}, err
	}
	before, after, err := s.store.UpdateDiaryEntry(ctx, userID, entryID, text, date)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return EntryView{}, notFoundError("Diary entry")
	case errors.Is(err, store.ErrConflict):
		return EntryView{}, domainError(http.StatusConflict, "DATE_TAKEN", "Another entry already exists for that date", nil)
	case err != nil:
		return EntryView{}, err
	}
	s.invalidateOverview(ctx, userID, before.Date)
	if after.Date != before.Date {
		s.invalidateOverview(ctx, userID, after.Date)
	}
	s.search.IndexEntry(search.EntryRecordFrom(after))
	return entryView(after), nil
}

func (s *Service) DeleteDiary(ctx context.Context, userID, entryID string) error {
	if !util.LooksLikeID(entryID, util.PrefixEntry) {
		return notFoundError("Diary entry")
	}
	entry, keys, err := s.store.DeleteDiaryEntry(ctx, userID, entryID)
	if errors.Is(err, store.ErrNotFound) {
		return notFoundError("Diary entry")
	}
	if err != nil {
		return err
	}
	s.removeObjects(ctx, keys)
	s.invalidateOverview(ctx, userID, entry.Date)
	s.search.DeleteEntry(entry.ID)
	return nil
}

// DiaryDay returns the entry for date, or a nil entry, plus the day's photos.
func (s *Service) DiaryDay(ctx context.Context, userID, date string) (DayView, error) {
	if !calendar.ValidDate(date) {
		return DayView{}, badDate("date")
	}
	view := DayView{Photos: []PhotoView{}}
	entry, err := s.store.GetDiaryEntryByDate(ctx, userID, date)
	switch {
	case err == nil:
		ev := entryView(entry)
		view.Entry = &ev
	case !errors.Is(err, store.ErrNotFound):
		return DayView{}, err
	}
	photos, err := s.store.ListPhotosByDate(ctx, userID, date)
	if err != nil {
		return DayView{}, err
	}
	view.Photos = s.photoViews(photos)
	return view, nil
}

func (s *Service) SearchDiary(ctx context.Context, userID, query string) ([]search.EntryHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []search.EntryHit{}, nil
	}
	hits, err := s.search.SearchEntries(ctx, userID, query, searchLimit)
	if err != nil {
		return nil, err
	}
	if hits == nil {
		hits = []search.EntryHit{}
	}
	return hits, nil
}

// invalidateOverview drops the cached month containing date. Failures only
// leave a stale entry until its TTL runs out.
func (s *Service) invalidateOverview(ctx context.Context, userID, date string) {
	if s.overview == nil {
		return
	}
	year, month, ok := calendar.MonthOf(date)
	if !ok {
		return
	}
	if err := s.overview.Invalidate(ctx, userID, year, month); err != nil {
		s.log.WarnContext(ctx, "overview cache invalidate failed", "user_id", userID, "year", year, "month", month, "error", err)
	}
}

// removeObjects deletes stored objects best-effort.
func (s *Service) removeObjects(ctx context.Context, keys []string) {
	if s.objects == nil {
		return
	}
	for _, key := range keys {
		if err := s.objects.Remove(ctx, key); err != nil {
			s.log.WarnContext(ctx, "object remove failed", "key", key, "error", err)
		}
	}
}
