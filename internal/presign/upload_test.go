package presign

import (
	"errors"
	"regexp"
	"testing"
)

var policy = Policy{
	AllowedMIME: []string{"image/jpeg", "image/png", "image/webp", "image/avif", "image/gif"},
	MaxBytes:    4 * 1024 * 1024,
}

func uploadCode(t *testing.T, err error) string {
	t.Helper()
	var uerr *UploadError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected *UploadError, got %v", err)
	}
	return uerr.Code
}

func TestValidateItem(t *testing.T) {
	if err := policy.ValidateItem(Item{Mime: "image/jpeg", Bytes: 1024}); err != nil {
		t.Fatalf("expected valid item, got %v", err)
	}
	if err := policy.ValidateItem(Item{Mime: "IMAGE/PNG", Bytes: policy.MaxBytes}); err != nil {
		t.Fatalf("expected case-insensitive mime and inclusive max, got %v", err)
	}
	if code := uploadCode(t, policy.ValidateItem(Item{Mime: "application/pdf", Bytes: 10})); code != CodeMimeNotAllowed {
		t.Fatalf("expected MIME_NOT_ALLOWED, got %s", code)
	}
	if code := uploadCode(t, policy.ValidateItem(Item{Mime: "image/gif", Bytes: policy.MaxBytes + 1})); code != CodeFileTooLarge {
		t.Fatalf("expected FILE_TOO_LARGE, got %s", code)
	}
	if code := uploadCode(t, policy.ValidateItem(Item{Mime: "image/gif", Bytes: 0})); code != CodeFileTooLarge {
		t.Fatalf("expected FILE_TOO_LARGE for empty file, got %s", code)
	}
}

func TestValidateBatch(t *testing.T) {
	items := make([]Item, MaxBatchItems+1)
	for i := range items {
		items[i] = Item{Mime: "image/png", Bytes: 1}
	}
	if code := uploadCode(t, policy.ValidateBatch(items)); code != CodeTooManyFiles {
		t.Fatalf("expected TOO_MANY_FILES, got %s", code)
	}

	err := policy.ValidateBatch([]Item{{Mime: "image/png", Bytes: 1}, {Mime: "text/html", Bytes: 1}})
	var uerr *UploadError
	if !errors.As(err, &uerr) || uerr.Index != 1 || uerr.Code != CodeMimeNotAllowed {
		t.Fatalf("expected second item rejected, got %v", err)
	}
}

func TestObjectKeys(t *testing.T) {
	key := NewObjectKey("u_1", CategoryDiary, "2024-03-15", Extension("image/jpeg", ""))
	pattern := regexp.MustCompile(`^uploads/u_1/diary/2024-03-15/[0-9a-f-]{36}\.jpg$`)
	if !pattern.MatchString(key) {
		t.Fatalf("unexpected key %q", key)
	}
	if got := Extension("image/png", ".WEBP"); got != "webp" {
		t.Fatalf("expected client hint, got %q", got)
	}
	if got := Extension("image/png", "../../x"); got != "png" {
		t.Fatalf("expected hint rejected, got %q", got)
	}
	if !ValidCategory(CategoryAvatar) || ValidCategory("docs") {
		t.Fatal("unexpected category validation")
	}
}
