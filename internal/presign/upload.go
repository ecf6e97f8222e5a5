package presign

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	CodeMimeNotAllowed = "MIME_NOT_ALLOWED"
	CodeFileTooLarge   = "FILE_TOO_LARGE"
	CodeTooManyFiles   = "TOO_MANY_FILES"
	CodeBadCategory    = "BAD_CATEGORY"

	MaxBatchItems = 9

	CategoryDiary  = "diary"
	CategoryAvatar = "avatar"
)

// UploadError is returned before any signature is computed so a rejected
// request never carries a usable URL.
type UploadError struct {
	Code    string
	Message string
	Index   int
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type Item struct {
	Mime  string `json:"mime"`
	Bytes int64  `json:"bytes"`
	Ext   string `json:"ext,omitempty"`
}

type Policy struct {
	AllowedMIME []string
	MaxBytes    int64
}

func (p Policy) Allowed(mime string) bool {
	mime = strings.ToLower(strings.TrimSpace(mime))
	for _, allowed := range p.AllowedMIME {
		if strings.EqualFold(allowed, mime) {
			return true
		}
	}
	return false
}

// ValidateItem checks one upload against the MIME allow-list and size bound.
func (p Policy) ValidateItem(item Item) error {
	if !p.Allowed(item.Mime) {
		return &UploadError{Code: CodeMimeNotAllowed, Message: fmt.Sprintf("mime %q is not allowed", item.Mime)}
	}
	if item.Bytes <= 0 || item.Bytes > p.MaxBytes {
		return &UploadError{Code: CodeFileTooLarge, Message: fmt.Sprintf("size must be between 1 and %d bytes", p.MaxBytes)}
	}
	return nil
}

// ValidateBatch validates every item and reports the first failure with its index.
func (p Policy) ValidateBatch(items []Item) error {
	if len(items) > MaxBatchItems {
		return &UploadError{Code: CodeTooManyFiles, Message: fmt.Sprintf("at most %d files per batch", MaxBatchItems)}
	}
	for i, item := range items {
		if err := p.ValidateItem(item); err != nil {
			uerr := err.(*UploadError)
			uerr.Index = i
			return uerr
		}
	}
	return nil
}

func ValidCategory(category string) bool {
	return category == CategoryDiary || category == CategoryAvatar
}

// KeyPrefix is the namespace a user may write to for one category and day.
func KeyPrefix(userID, category, date string) string {
	return "uploads/" + userID + "/" + category + "/" + date + "/"
}

// CategoryPrefix is the namespace of all of a user's objects in one category.
func CategoryPrefix(userID, category string) string {
	return "uploads/" + userID + "/" + category + "/"
}

// UserPrefix covers every object a user owns.
func UserPrefix(userID string) string {
	return "uploads/" + userID + "/"
}

var extPattern = regexp.MustCompile(`^[a-z0-9]{1,8}$`)

var mimeExt = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/webp": "webp",
	"image/avif": "avif",
	"image/gif":  "gif",
}

// Extension picks a file extension, preferring the client's hint when it is sane.
func Extension(mime, hint string) string {
	hint = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(hint), "."))
	if extPattern.MatchString(hint) {
		return hint
	}
	if ext, ok := mimeExt[strings.ToLower(mime)]; ok {
		return ext
	}
	return "bin"
}

// NewObjectKey builds uploads/<user>/<category>/<date>/<uuid>.<ext>.
func NewObjectKey(userID, category, date, ext string) string {
	return KeyPrefix(userID, category, date) + uuid.NewString() + "." + ext
}
