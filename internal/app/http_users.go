package app

import (
	"errors"
	"mime"
	"net/http"
	"strings"
)

// multipartOverhead is the allowance for form fields and boundaries on top
// of the avatar file itself.
const multipartOverhead = 64 << 10

// handleUsers serves /api/me, /api/users/... and /api/friends/....
func (s *HTTPServer) handleUsers(w http.ResponseWriter, r *http.Request, userID string, parts []string) {
	ctx := r.Context()
	path := r.URL.Path

	if path == "/api/me" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		me, err := s.service.Me(ctx, userID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user": me})
		return
	}

	if path == "/api/users/me" {
		if r.Method != http.MethodPatch {
			methodNotAllowed(w)
			return
		}
		var body struct {
			Nickname *string `json:"nickname"`
			Bio      *string `json:"bio"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		user, err := s.service.UpdateProfile(ctx, userID, body.Nickname, body.Bio)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "nickname": user.Nickname, "bio": user.Bio})
		return
	}

	if path == "/api/users/me/bio" {
		if r.Method != http.MethodPatch && r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var body struct {
			Bio string `json:"bio"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		user, err := s.service.UpdateProfile(ctx, userID, nil, &body.Bio)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "bio": user.Bio})
		return
	}

	if path == "/api/users/me/avatar" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleAvatar(w, r, userID)
		return
	}

	if path == "/api/users/check-nickname" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var body struct {
			Nickname string `json:"nickname"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		exists, err := s.service.CheckNickname(ctx, userID, body.Nickname)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"exists": exists})
		return
	}

	if path == "/api/users/search" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		users, err := s.service.SearchUsers(ctx, userID, r.URL.Query().Get("q"))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})
		return
	}

	if len(parts) == 3 && parts[1] == "users" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		profile, err := s.service.Profile(ctx, userID, parts[2])
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, profile)
		return
	}

	if path == "/api/friends/request" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var body struct {
			ToUserID string `json:"toUserId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		status, err := s.service.RequestFriend(ctx, userID, body.ToUserID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": status})
		return
	}

	if path == "/api/friends/respond" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var body struct {
			FromUserID string `json:"fromUserId"`
			Action     string `json:"action"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		status, err := s.service.RespondFriend(ctx, userID, body.FromUserID, body.Action)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": status})
		return
	}

	if path == "/api/friends/list" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		friends, err := s.service.ListFriends(ctx, userID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"friends": friends})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleAvatar accepts either a JSON {key|url} pointing at a presigned
// upload or a multipart "avatar" file stored server-side.
func (s *HTTPServer) handleAvatar(w http.ResponseWriter, r *http.Request, userID string) {
	ctx := r.Context()
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var avatarURL string
	var err error
	if mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, s.service.cfg.UploadMaxBytes+multipartOverhead)
		file, header, ferr := r.FormFile("avatar")
		if ferr != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(ferr, &tooLarge) {
				writeError(w, http.StatusBadRequest, "FILE_TOO_LARGE", "avatar exceeds the upload limit", nil)
				return
			}
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "avatar file is required", nil)
			return
		}
		defer file.Close()
		avatarURL, err = s.service.UploadAvatar(ctx, userID, file, header.Size, header.Header.Get("Content-Type"))
	} else {
		var body struct {
			Key string `json:"key"`
			URL string `json:"url"`
		}
		if derr := decodeBody(r, &body); derr != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", derr.Error(), nil)
			return
		}
		if strings.TrimSpace(body.Key) != "" {
			avatarURL, err = s.service.SetAvatarKey(ctx, userID, body.Key)
		} else {
			avatarURL, err = s.service.SetAvatarURL(ctx, userID, body.URL)
		}
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "avatarUrl": avatarURL})
}
