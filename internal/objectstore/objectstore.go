// Package objectstore wraps the S3-compatible bucket used for photos and
// avatars. Browsers upload through presigned URLs; the API itself only
// checks, streams, writes and removes objects.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"weeklydiary/api/internal/config"
	"weeklydiary/api/internal/presign"
)

var ErrNotFound = errors.New("object not found")

type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
}

type Client struct {
	mc     *minio.Client
	bucket string
}

var newMinioClient = func(endpoint string, opts *minio.Options) (*minio.Client, error) {
	return minio.New(endpoint, opts)
}

func New(cfg config.Config) (*Client, error) {
	if !cfg.StorageConfigured() {
		return nil, errors.New("object storage is not configured")
	}
	mc, err := newMinioClient(cfg.R2Host(), &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.R2AccessKeyID, cfg.R2SecretAccessKey, ""),
		Secure: !strings.HasPrefix(strings.TrimSpace(cfg.R2Endpoint), "http://"),
		Region: presign.DefaultRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	return &Client{mc: mc, bucket: cfg.R2Bucket}, nil
}

func (c *Client) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := c.mc.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, mapError(err)
	}
	return ObjectInfo{Key: info.Key, Size: info.Size, ContentType: info.ContentType}, nil
}

func (c *Client) Remove(ctx context.Context, key string) error {
	return mapError(c.mc.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}))
}

// Get returns a reader the caller must close.
func (c *Client) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, mapError(err)
	}
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, ObjectInfo{}, mapError(err)
	}
	return obj, ObjectInfo{Key: info.Key, Size: info.Size, ContentType: info.ContentType}, nil
}

func (c *Client) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	_, err := c.mc.PutObject(ctx, c.bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	return mapError(err)
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return err
}

// PublicURL is where a browser can fetch key. Without a public bucket domain
// objects are streamed through the API.
func PublicURL(base, key string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return "/api/r2/object?key=" + url.QueryEscape(key)
	}
	return base + "/" + presign.EncodePath(key)
}
