// Package calendar builds the month grid shown on the calendar page.
package calendar

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

var ErrInvalidMonth = errors.New("year must be 1..9999 and month 1..12")

type Day struct {
	Date           string  `json:"date"`
	ScheduleCount  int     `json:"scheduleCount"`
	DiaryThumbnail *string `json:"diaryThumbnail"`
	HasDiary       bool    `json:"hasDiary"`
}

// ValidDate reports whether s is a real calendar day in YYYY-MM-DD form.
func ValidDate(s string) bool {
	if len(s) != len(dateLayout) {
		return false
	}
	_, err := time.Parse(dateLayout, s)
	return err == nil
}

// DateOf extracts the leading calendar day from a timestamp-ish string such
// as "2024-03-15T09:00" or "2024-03-15 09:00".
func DateOf(timestamp string) (string, bool) {
	if len(timestamp) < len(dateLayout) {
		return "", false
	}
	date := timestamp[:len(dateLayout)]
	if !ValidDate(date) {
		return "", false
	}
	return date, true
}

func DaysIn(year, month int) int {
	return time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// MonthRange returns the first and last day of the month as YYYY-MM-DD.
func MonthRange(year, month int) (string, string) {
	first := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	last := time.Date(year, time.Month(month), DaysIn(year, month), 0, 0, 0, 0, time.UTC)
	return first.Format(dateLayout), last.Format(dateLayout)
}

// MonthOf returns the year and month a YYYY-MM-DD date falls in.
func MonthOf(date string) (int, int, bool) {
	t, err := time.Parse(dateLayout, date)
	if err != nil {
		return 0, 0, false
	}
	return t.Year(), int(t.Month()), true
}

// ResolveMonth parses query values, defaulting missing parts to now.
func ResolveMonth(yearParam, monthParam string, now time.Time) (int, int, error) {
	year, month := now.Year(), int(now.Month())
	if v := strings.TrimSpace(yearParam); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: year %q", ErrInvalidMonth, v)
		}
		year = parsed
	}
	if v := strings.TrimSpace(monthParam); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: month %q", ErrInvalidMonth, v)
		}
		month = parsed
	}
	if year < 1 || year > 9999 || month < 1 || month > 12 {
		return 0, 0, ErrInvalidMonth
	}
	return year, month, nil
}

// BuildOverview merges per-day facts into a dense slice covering day 1
// through the last day of the month. Keys outside the month are ignored.
func BuildOverview(year, month int, scheduleCounts map[string]int, thumbnails map[string]string, diaryDays map[string]bool) []Day {
	n := DaysIn(year, month)
	days := make([]Day, n)
	for i := 0; i < n; i++ {
		date := fmt.Sprintf("%04d-%02d-%02d", year, month, i+1)
		day := Day{Date: date, ScheduleCount: scheduleCounts[date]}
		if thumb, ok := thumbnails[date]; ok && thumb != "" {
			day.DiaryThumbnail = &thumb
		}
		day.HasDiary = diaryDays[date] || day.DiaryThumbnail != nil
		days[i] = day
	}
	return days
}
