package app

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"weeklydiary/api/internal/presign"
)

// handleDiary serves /api/diary, /api/diary/search, /api/diary/day/:date,
// /api/diary/photo/:id, /api/diary/entry/:id and /api/diary/:id.
func (s *HTTPServer) handleDiary(w http.ResponseWriter, r *http.Request, userID string, parts []string) {
	ctx := r.Context()

	if len(parts) == 2 {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListDiary(ctx, userID, r.URL.Query().Get("from"), r.URL.Query().Get("to"))
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": items})
		case http.MethodPost:
			var body struct {
				Date string `json:"date"`
				Text string `json:"text"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			entry, created, err := s.service.SaveDiary(ctx, userID, body.Date, body.Text)
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			status := http.StatusOK
			if created {
				status = http.StatusCreated
			}
			writeJSON(w, status, map[string]any{"ok": true, "id": entry.ID, "date": entry.Date})
		default:
			methodNotAllowed(w)
		}
		return
	}

	if len(parts) == 3 && parts[2] == "search" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		hits, err := s.service.SearchDiary(ctx, userID, r.URL.Query().Get("q"))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": hits})
		return
	}

	if len(parts) == 4 && parts[2] == "day" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		day, err := s.service.DiaryDay(ctx, userID, parts[3])
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, day)
		return
	}

	if len(parts) == 4 && parts[2] == "photo" {
		if r.Method != http.MethodDelete {
			methodNotAllowed(w)
			return
		}
		if err := s.service.DeletePhoto(ctx, userID, parts[3]); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	entryID := ""
	switch {
	case len(parts) == 3:
		entryID = parts[2]
	case len(parts) == 4 && parts[2] == "entry" && r.Method == http.MethodDelete:
		entryID = parts[3]
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
		entry, err := s.service.GetDiary(ctx, userID, entryID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	case http.MethodPut:
		var body struct {
			Text string `json:"text"`
			Date string `json:"date"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		entry, err := s.service.UpdateDiary(ctx, userID, entryID, body.Text, body.Date)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "entry": entry})
	case http.MethodDelete:
		if err := s.service.DeleteDiary(ctx, userID, entryID); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		methodNotAllowed(w)
	}
}

// handleUploads serves the presign/complete flow, the photo gallery and the
// object proxy.
func (s *HTTPServer) handleUploads(w http.ResponseWriter, r *http.Request, userID string, parts []string) {
	ctx := r.Context()
	path := r.URL.Path

	if path == "/api/upload/presign-batch" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var body struct {
			CalendarDate string         `json:"calendarDate"`
			Category     string         `json:"category"`
			Items        []presign.Item `json:"items"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		items, err := s.service.PresignBatch(ctx, userID, body.CalendarDate, body.Category, body.Items)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "items": items})
		return
	}

	if path == "/api/upload/complete" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var body struct {
			CalendarDate string          `json:"calendarDate"`
			Files        []CompletedFile `json:"files"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		items, err := s.service.CompleteUpload(ctx, userID, body.CalendarDate, body.Files)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "items": items})
		return
	}

	if path == "/api/images/recent" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		items, err := s.service.RecentPhotos(ctx, userID, r.URL.Query().Get("limit"))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
		return
	}

	if path == "/api/r2/object" {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			methodNotAllowed(w)
			return
		}
		body, info, err := s.service.OpenObject(ctx, userID, r.URL.Query().Get("key"))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		defer body.Close()
		// The uploader picks the stored type; only image types from the
		// upload policy are echoed back.
		contentType := "application/octet-stream"
		if mediaType, _, _ := strings.Cut(info.ContentType, ";"); s.service.uploads.Allowed(mediaType) {
			contentType = info.ContentType
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("X-Content-Type-Options", "nosniff")
		if info.Size > 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
		}
		w.Header().Set("Cache-Control", "private, max-age=300")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return
		}
		if _, err := io.Copy(w, body); err != nil {
			s.log.WarnContext(ctx, "object stream interrupted", "key", info.Key, "error", err)
		}
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleCalendar(w http.ResponseWriter, r *http.Request, userID string, parts []string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	query := r.URL.Query()

	if len(parts) == 3 && parts[2] == "overview" {
		overview, err := s.service.CalendarOverview(r.Context(), userID, query.Get("year"), query.Get("month"))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, overview)
		return
	}

	if len(parts) == 3 && parts[2] == "images" {
		items, err := s.service.DayImages(r.Context(), userID, query.Get("date"))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSchedules(w http.ResponseWriter, r *http.Request, userID string, parts []string) {
	ctx := r.Context()

	if len(parts) == 2 {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var body ScheduleInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		sc, err := s.service.CreateSchedule(ctx, userID, body)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "id": sc.ID})
		return
	}

	if len(parts) == 4 && parts[2] == "day" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		items, err := s.service.SchedulesByDay(ctx, userID, parts[3])
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
		return
	}

	if len(parts) == 3 && parts[2] == "range" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		items, err := s.service.SchedulesRange(ctx, userID, r.URL.Query().Get("start"), r.URL.Query().Get("end"))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
		return
	}

	if len(parts) != 3 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	scheduleID := parts[2]

	switch r.Method {
	case http.MethodPatch:
		var body ScheduleInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		sc, err := s.service.UpdateSchedule(ctx, userID, scheduleID, body)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "item": sc})
	case http.MethodDelete:
		if err := s.service.DeleteSchedule(ctx, userID, scheduleID); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		methodNotAllowed(w)
	}
}
