package objectstore

import (
	"errors"
	"net/http"
	"testing"

	"github.com/minio/minio-go/v7"

	"weeklydiary/api/internal/config"
)

func TestPublicURL(t *testing.T) {
	key := "uploads/u_1/diary/2024-03-15/a b.jpg"
	if got := PublicURL("https://cdn.example.com/", key); got != "https://cdn.example.com/uploads/u_1/diary/2024-03-15/a%20b.jpg" {
		t.Fatalf("unexpected cdn url %q", got)
	}
	if got := PublicURL("", key); got != "/api/r2/object?key=uploads%2Fu_1%2Fdiary%2F2024-03-15%2Fa+b.jpg" {
		t.Fatalf("unexpected proxy url %q", got)
	}
}

func TestMapError(t *testing.T) {
	if err := mapError(nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if err := mapError(minio.ErrorResponse{Code: "NoSuchKey"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mapError(minio.ErrorResponse{StatusCode: http.StatusNotFound}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for 404, got %v", err)
	}
	other := minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}
	if err := mapError(other); errors.Is(err, ErrNotFound) {
		t.Fatal("access denied must not map to not found")
	}
}

func TestNewRequiresConfiguredStorage(t *testing.T) {
	if _, err := New(config.Config{}); err == nil {
		t.Fatal("expected error for unconfigured storage")
	}
}

func TestNewUsesEndpointScheme(t *testing.T) {
	var gotEndpoint string
	var gotSecure bool
	orig := newMinioClient
	newMinioClient = func(endpoint string, opts *minio.Options) (*minio.Client, error) {
		gotEndpoint, gotSecure = endpoint, opts.Secure
		return orig(endpoint, opts)
	}
	t.Cleanup(func() { newMinioClient = orig })

	cfg := config.Config{
		R2Endpoint:        "http://localhost:9000",
		R2Bucket:          "diary",
		R2AccessKeyID:     "minioadmin",
		R2SecretAccessKey: "minioadmin",
	}
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if client.bucket != "diary" || gotEndpoint != "localhost:9000" || gotSecure {
		t.Fatalf("unexpected client setup endpoint=%q secure=%v", gotEndpoint, gotSecure)
	}
}
