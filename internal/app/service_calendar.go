package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"weeklydiary/api/internal/calendar"
	"weeklydiary/api/internal/store"
	"weeklydiary/api/internal/util"
)

const (
	maxTitleRunes    = 120
	maxLocationRunes = 120
)

type Overview struct {
	Year  int            `json:"year"`
	Month int            `json:"month"`
	Days  []calendar.Day `json:"days"`
}

type ScheduleView struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	StartAt   string    `json:"start_at"`
	EndAt     *string   `json:"end_at"`
	Location  string    `json:"location"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ScheduleInput is a create or patch request. Nil fields are absent.
type ScheduleInput struct {
	Title    *string `json:"title"`
	StartAt  *string `json:"start_at"`
	EndAt    *string `json:"end_at"`
	Location *string `json:"location"`
}

func scheduleView(sc store.Schedule) ScheduleView {
	return ScheduleView{
		ID:        sc.ID,
		Title:     sc.Title,
		StartAt:   sc.StartAt,
		EndAt:     sc.EndAt,
		Location:  sc.Location,
		CreatedAt: sc.CreatedAt,
		UpdatedAt: sc.UpdatedAt,
	}
}

func scheduleViews(items []store.Schedule) []ScheduleView {
	views := make([]ScheduleView, 0, len(items))
	for _, sc := range items {
		views = append(views, scheduleView(sc))
	}
	return views
}

// CalendarOverview returns one Day per day of the month. Missing year or
// month default to the current month.
func (s *Service) CalendarOverview(ctx context.Context, userID, yearParam, monthParam string) (Overview, error) {
	year, month, err := calendar.ResolveMonth(yearParam, monthParam, s.now())
	if err != nil {
		return Overview{}, domainError(http.StatusBadRequest, "BAD_MONTH", err.Error(), nil)
	}

	cacheable := false
	var version int64
	if s.overview != nil {
		var cached Overview
		hit, err := s.overview.Get(ctx, userID, year, month, &cached)
		if err != nil {
			s.log.WarnContext(ctx, "overview cache read failed", "user_id", userID, "error", err)
		}
		if hit && len(cached.Days) == calendar.DaysIn(year, month) {
			return cached, nil
		}
		version, err = s.overview.Version(ctx, userID, year, month)
		if err != nil {
			s.log.WarnContext(ctx, "overview cache version read failed", "user_id", userID, "error", err)
		} else {
			cacheable = true
		}
	}

	from, to := calendar.MonthRange(year, month)
	counts, err := s.store.MonthScheduleCounts(ctx, userID, from, to)
	if err != nil {
		return Overview{}, err
	}
	thumbs, err := s.store.MonthThumbnails(ctx, userID, from, to)
	if err != nil {
		return Overview{}, err
	}
	diaryDates, err := s.store.MonthDiaryDates(ctx, userID, from, to)
	if err != nil {
		return Overview{}, err
	}

	countByDay := make(map[string]int, len(counts))
	for _, c := range counts {
		countByDay[c.Date] = c.Count
	}
	thumbByDay := make(map[string]string, len(thumbs))
	for _, t := range thumbs {
		thumbByDay[t.Date] = s.objectURL(t.ObjectKey)
	}
	diaryByDay := make(map[string]bool, len(diaryDates))
	for _, d := range diaryDates {
		diaryByDay[d] = true
	}

	overview := Overview{
		Year:  year,
		Month: month,
		Days:  calendar.BuildOverview(year, month, countByDay, thumbByDay, diaryByDay),
	}
	if cacheable {
		stored, err := s.overview.Set(ctx, userID, year, month, version, overview)
		if err != nil {
			s.log.WarnContext(ctx, "overview cache write failed", "user_id", userID, "error", err)
		} else if !stored {
			s.log.DebugContext(ctx, "overview changed while computing; not cached", "user_id", userID, "year", year, "month", month)
		}
	}
	return overview, nil
}

func validateScheduleText(title, location *string) error {
	if title != nil {
		t := strings.TrimSpace(*title)
		if t == "" || utf8.RuneCountInString(t) > maxTitleRunes {
			return validationError("title must be 1-120 characters")
		}
		*title = t
	}
	if location != nil {
		l := strings.TrimSpace(*location)
		if utf8.RuneCountInString(l) > maxLocationRunes {
			return validationError("location must be at most 120 characters")
		}
		*location = l
	}
	return nil
}

func validateTimestamp(field string, value *string) error {
	if value == nil {
		return nil
	}
	v := strings.TrimSpace(*value)
	if _, ok := calendar.DateOf(v); !ok {
		return badDate(field)
	}
	*value = v
	return nil
}

func (s *Service) CreateSchedule(ctx context.Context, userID string, in ScheduleInput) (ScheduleView, error) {
	if in.Title == nil || in.StartAt == nil {
		return ScheduleView{}, validationError("title and start_at are required")
	}
	if err := validateScheduleText(in.Title, in.Location); err != nil {
		return ScheduleView{}, err
	}
	if err := validateTimestamp("start_at", in.StartAt); err != nil {
		return ScheduleView{}, err
	}
	if in.EndAt != nil && strings.TrimSpace(*in.EndAt) == "" {
		in.EndAt = nil
	}
	if err := validateTimestamp("end_at", in.EndAt); err != nil {
		return ScheduleView{}, err
	}
	location := ""
	if in.Location != nil {
		location = *in.Location
	}

	sc, err := s.store.CreateSchedule(ctx, store.Schedule{
		ID:       util.NewID(util.PrefixSchedule),
		UserID:   userID,
		Title:    *in.Title,
		StartAt:  *in.StartAt,
		EndAt:    in.EndAt,
		Location: location,
	})
	if err != nil {
		return ScheduleView{}, err
	}
	s.invalidateScheduleMonth(ctx, userID, sc.StartAt)
	return scheduleView(sc), nil
}

func (s *Service) SchedulesByDay(ctx context.Context, userID, date string) ([]ScheduleView, error) {
	if !calendar.ValidDate(date) {
		return nil, badDate("date")
	}
	items, err := s.store.ListSchedulesByDay(ctx, userID, date)
	if err != nil {
		return nil, err
	}
	return scheduleViews(items), nil
}

// SchedulesRange lists schedules whose start date is within [start, end].
func (s *Service) SchedulesRange(ctx context.Context, userID, start, end string) ([]ScheduleView, error) {
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	if !calendar.ValidDate(start) {
		return nil, badDate("start")
	}
	if !calendar.ValidDate(end) {
		return nil, badDate("end")
	}
	if end < start {
		return nil, validationError("end must not be before start")
	}
	items, err := s.store.ListSchedulesRange(ctx, userID, start, end)
	if err != nil {
		return nil, err
	}
	return scheduleViews(items), nil
}

func (s *Service) UpdateSchedule(ctx context.Context, userID, scheduleID string, in ScheduleInput) (ScheduleView, error) {
	if !util.LooksLikeID(scheduleID, util.PrefixSchedule) {
		return ScheduleView{}, notFoundError("Schedule")
	}
	if err := validateScheduleText(in.Title, in.Location); err != nil {
		return ScheduleView{}, err
	}
	if err := validateTimestamp("start_at", in.StartAt); err != nil {
		return ScheduleView{}, err
	}
	if in.EndAt != nil && strings.TrimSpace(*in.EndAt) == "" {
		in.EndAt = nil
	}
	if err := validateTimestamp("end_at", in.EndAt); err != nil {
		return ScheduleView{}, err
	}

	before, err := s.store.GetSchedule(ctx, userID, scheduleID)
	if errors.Is(err, store.ErrNotFound) {
		return ScheduleView{}, notFoundError("Schedule")
	}
	if err != nil {
		return ScheduleView{}, err
	}
	after, err := s.store.UpdateSchedule(ctx, userID, scheduleID, store.SchedulePatch{
		Title:    in.Title,
		StartAt:  in.StartAt,
		EndAt:    in.EndAt,
		Location: in.Location,
	})
	if errors.Is(err, store.ErrNotFound) {
		return ScheduleView{}, notFoundError("Schedule")
	}
	if err != nil {
		return ScheduleView{}, err
	}
	s.invalidateScheduleMonth(ctx, userID, before.StartAt)
	if after.StartAt != before.StartAt {
		s.invalidateScheduleMonth(ctx, userID, after.StartAt)
	}
	return scheduleView(after), nil
}

func (s *Service) DeleteSchedule(ctx context.Context, userID, scheduleID string) error {
	if !util.LooksLikeID(scheduleID, util.PrefixSchedule) {
		return notFoundError("Schedule")
	}
	sc, err := s.store.DeleteSchedule(ctx, userID, scheduleID)
	if errors.Is(err, store.ErrNotFound) {
		return notFoundError("Schedule")
	}
	if err != nil {
		return err
	}
	s.invalidateScheduleMonth(ctx, userID, sc.StartAt)
	return nil
}

func (s *Service) invalidateScheduleMonth(ctx context.Context, userID, startAt string) {
	if date, ok := calendar.DateOf(startAt); ok {
		s.invalidateOverview(ctx, userID, date)
	}
}
