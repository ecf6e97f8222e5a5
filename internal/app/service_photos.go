package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"weeklydiary/api/internal/calendar"
	"weeklydiary/api/internal/objectstore"
	"weeklydiary/api/internal/presign"
	"weeklydiary/api/internal/store"
	"weeklydiary/api/internal/util"
)

const (
	defaultRecentLimit = 60
	maxRecentLimit     = 200
)

type PresignedUpload struct {
	Key       string `json:"key"`
	UploadURL string `json:"uploadUrl"`
	CDNURL    string `json:"cdnUrl"`
	MaxBytes  int64  `json:"maxBytes"`
	ExpiresIn int    `json:"expiresIn"`
}

// CompletedFile describes an object the client finished uploading.
type CompletedFile struct {
	Key    string `json:"key"`
	Mime   string `json:"mime"`
	Bytes  int64  `json:"bytes"`
	Width  *int   `json:"width,omitempty"`
	Height *int   `json:"height,omitempty"`
	Order  *int   `json:"order,omitempty"`
}

func uploadDomainError(err error) error {
	var uerr *presign.UploadError
	if errors.As(err, &uerr) {
		return domainError(http.StatusBadRequest, uerr.Code, uerr.Message, map[string]any{"index": uerr.Index})
	}
	return err
}

// PresignBatch validates every item and returns one short-lived PUT URL per
// item. Nothing is signed when any item is rejected.
func (s *Service) PresignBatch(ctx context.Context, userID, date, category string, items []presign.Item) ([]PresignedUpload, error) {
	date = strings.TrimSpace(date)
	if !calendar.ValidDate(date) {
		return nil, badDate("calendarDate")
	}
	if category == "" {
		category = presign.CategoryDiary
	}
	if !presign.ValidCategory(category) {
		return nil, domainError(http.StatusBadRequest, presign.CodeBadCategory, "category must be diary or avatar", nil)
	}
	if len(items) == 0 {
		return nil, validationError("items must not be empty")
	}
	if err := s.uploads.ValidateBatch(items); err != nil {
		return nil, uploadDomainError(err)
	}

	expires := s.cfg.PresignExpires
	if expires <= 0 {
		expires = presign.DefaultExpiry
	}
	now := s.now()
	out := make([]PresignedUpload, 0, len(items))
	for _, item := range items {
		key := presign.NewObjectKey(userID, category, date, presign.Extension(item.Mime, item.Ext))
		uploadURL, err := s.signer.PresignPut(ctx, key, expires, now)
		if errors.Is(err, presign.ErrMissingCredentials) {
			return nil, storageUnavailable()
		}
		if err != nil {
			return nil, err
		}
		out = append(out, PresignedUpload{
			Key:       key,
			UploadURL: uploadURL,
			CDNURL:    s.objectURL(key),
			MaxBytes:  s.uploads.MaxBytes,
			ExpiresIn: int(expires.Seconds()),
		})
	}
	s.log.DebugContext(ctx, "presigned uploads", "user_id", userID, "date", date, "count", len(out))
	return out, nil
}

// CompleteUpload replaces the photo set of date with files. Objects of the
// previous set that are not resubmitted are removed from storage.
func (s *Service) CompleteUpload(ctx context.Context, userID, date string, files []CompletedFile) ([]PhotoView, error) {
	date = strings.TrimSpace(date)
	if !calendar.ValidDate(date) {
		return nil, badDate("calendarDate")
	}
	if len(files) > presign.MaxBatchItems {
		return nil, domainError(http.StatusBadRequest, presign.CodeTooManyFiles, "at most "+strconv.Itoa(presign.MaxBatchItems)+" files per day", nil)
	}

	prefix := presign.KeyPrefix(userID, presign.CategoryDiary, date)
	seen := make(map[string]bool, len(files))
	photos := make([]store.DiaryPhoto, 0, len(files))
	for i, f := range files {
		key := strings.TrimSpace(f.Key)
		if !strings.HasPrefix(key, prefix) || strings.Contains(key, "..") || seen[key] {
			return nil, domainError(http.StatusBadRequest, "BAD_KEY", "key is not an upload of this user and day", map[string]any{"index": i})
		}
		seen[key] = true
		if err := s.uploads.ValidateItem(presign.Item{Mime: f.Mime, Bytes: f.Bytes}); err != nil {
			var uerr *presign.UploadError
			if errors.As(err, &uerr) {
				uerr.Index = i
			}
			return nil, uploadDomainError(err)
		}
		if s.objects != nil {
			if _, err := s.objects.Stat(ctx, key); err != nil {
				if errors.Is(err, objectstore.ErrNotFound) {
					return nil, domainError(http.StatusBadRequest, "OBJECT_MISSING", "object was not uploaded", map[string]any{"index": i})
				}
				return nil, err
			}
		}
		order := i
		if f.Order != nil {
			order = *f.Order
		}
		photos = append(photos, store.DiaryPhoto{
			ID:         util.NewID(util.PrefixPhoto),
			ObjectKey:  key,
			Mime:       strings.ToLower(strings.TrimSpace(f.Mime)),
			Bytes:      f.Bytes,
			Width:      f.Width,
			Height:     f.Height,
			OrderIndex: order,
		})
	}
	sort.SliceStable(photos, func(i, j int) bool { return photos[i].OrderIndex < photos[j].OrderIndex })

	stored, orphaned, err := s.store.ReplaceDayPhotos(ctx, userID, date, photos)
	if errors.Is(err, store.ErrConflict) {
		return nil, domainError(http.StatusConflict, "KEY_IN_USE", "an object key is already attached to another photo", nil)
	}
	if err != nil {
		return nil, err
	}
	s.removeObjects(ctx, orphaned)
	s.invalidateOverview(ctx, userID, date)
	return s.photoViews(stored), nil
}

func (s *Service) DeletePhoto(ctx context.Context, userID, photoID string) error {
	if !util.LooksLikeID(photoID, util.PrefixPhoto) {
		return notFoundError("Photo")
	}
	photo, err := s.store.DeletePhoto(ctx, userID, photoID)
	if errors.Is(err, store.ErrNotFound) {
		return notFoundError("Photo")
	}
	if err != nil {
		return err
	}
	s.removeObjects(ctx, []string{photo.ObjectKey})
	s.invalidateOverview(ctx, userID, photo.Date)
	return nil
}

// RecentPhotos clamps limit to 1..200; an empty or unparsable limit means 60.
func (s *Service) RecentPhotos(ctx context.Context, userID, limitParam string) ([]PhotoView, error) {
	limit := defaultRecentLimit
	if v, err := strconv.Atoi(strings.TrimSpace(limitParam)); err == nil {
		limit = min(max(v, 1), maxRecentLimit)
	}
	photos, err := s.store.RecentPhotos(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	return s.photoViews(photos), nil
}

func (s *Service) DayImages(ctx context.Context, userID, date string) ([]PhotoView, error) {
	date = strings.TrimSpace(date)
	if !calendar.ValidDate(date) {
		return nil, badDate("date")
	}
	photos, err := s.store.ListPhotosByDate(ctx, userID, date)
	if err != nil {
		return nil, err
	}
	return s.photoViews(photos), nil
}

// OpenObject streams an object the caller owns. Keys outside the caller's
// namespace are reported as missing.
func (s *Service) OpenObject(ctx context.Context, userID, key string) (io.ReadCloser, objectstore.ObjectInfo, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, objectstore.ObjectInfo{}, validationError("key is required")
	}
	if !strings.HasPrefix(key, presign.UserPrefix(userID)) || strings.Contains(key, "..") {
		return nil, objectstore.ObjectInfo{}, notFoundError("Object")
	}
	if s.objects == nil {
		return nil, objectstore.ObjectInfo{}, storageUnavailable()
	}
	body, info, err := s.objects.Get(ctx, key)
	if errors.Is(err, objectstore.ErrNotFound) {
		return nil, objectstore.ObjectInfo{}, notFoundError("Object")
	}
	if err != nil {
		return nil, objectstore.ObjectInfo{}, err
	}
	return body, info, nil
}

// SetAvatarKey points the avatar at an object previously uploaded through a
// presigned avatar URL.
func (s *Service) SetAvatarKey(ctx context.Context, userID, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", validationError("key or url is required")
	}
	if !strings.HasPrefix(key, presign.CategoryPrefix(userID, presign.CategoryAvatar)) || strings.Contains(key, "..") {
		return "", domainError(http.StatusBadRequest, "BAD_KEY", "key is not an avatar upload of this user", nil)
	}
	if s.objects != nil {
		if _, err := s.objects.Stat(ctx, key); err != nil {
			if errors.Is(err, objectstore.ErrNotFound) {
				return "", domainError(http.StatusBadRequest, "OBJECT_MISSING", "object was not uploaded", nil)
			}
			return "", err
		}
	}
	return s.saveAvatar(ctx, userID, s.objectURL(key))
}

// SetAvatarURL accepts a URL that already resolves to one of the caller's
// avatar objects, as returned by a previous upload.
func (s *Service) SetAvatarURL(ctx context.Context, userID, rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", validationError("key or url is required")
	}
	badURL := domainError(http.StatusBadRequest, "BAD_URL", "url does not point at an avatar upload", nil)
	if s.cfg.R2PublicURL == "" {
		escaped, ok := strings.CutPrefix(rawURL, s.objectURL(""))
		if !ok {
			return "", badURL
		}
		key, err := url.QueryUnescape(escaped)
		if err != nil {
			return "", badURL
		}
		return s.SetAvatarKey(ctx, userID, key)
	}
	if !strings.HasPrefix(rawURL, s.objectURL(presign.CategoryPrefix(userID, presign.CategoryAvatar))) || strings.Contains(rawURL, "..") {
		return "", badURL
	}
	return s.saveAvatar(ctx, userID, rawURL)
}

// UploadAvatar stores a multipart avatar server-side.
func (s *Service) UploadAvatar(ctx context.Context, userID string, body io.Reader, size int64, contentType string) (string, error) {
	if s.objects == nil {
		return "", storageUnavailable()
	}
	mime := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	if err := s.uploads.ValidateItem(presign.Item{Mime: mime, Bytes: size}); err != nil {
		return "", uploadDomainError(err)
	}
	date := s.now().UTC().Format("2006-01-02")
	key := presign.NewObjectKey(userID, presign.CategoryAvatar, date, presign.Extension(mime, ""))
	if err := s.objects.Put(ctx, key, body, size, mime); err != nil {
		return "", err
	}
	return s.saveAvatar(ctx, userID, s.objectURL(key))
}

func (s *Service) saveAvatar(ctx context.Context, userID, avatarURL string) (string, error) {
	if err := s.store.UpdateAvatar(ctx, userID, avatarURL); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", notFoundError("User")
		}
		return "", err
	}
	if user, err := s.store.GetUserByID(ctx, userID); err == nil {
		s.indexUser(user)
	}
	return avatarURL, nil
}
