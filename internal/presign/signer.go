// Package presign produces SigV4 query-signed URLs for S3-compatible object
// storage (Cloudflare R2 in production, MinIO locally).
package presign

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/smithy-go/encoding/httpbinding"
)

const (
	unsignedBody = "UNSIGNED-PAYLOAD"
	expiresParam = "X-Amz-Expires"

	DefaultRegion  = "auto"
	DefaultService = "s3"
	DefaultExpiry  = 120 * time.Second
	maxExpiry      = 7 * 24 * time.Hour
)

var ErrMissingCredentials = errors.New("presign: host, bucket and credentials are required")

var newHTTPSigner = func() *v4.Signer {
	// Object paths are escaped once by EncodePath; S3 signs them as sent.
	return v4.NewSigner(func(o *v4.SignerOptions) {
		o.DisableURIPathEscaping = true
	})
}

type Signer struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Service         string
	Host            string
	Bucket          string
	Scheme          string
}

// Request is one operation to be presigned.
type Request struct {
	Method  string
	Host    string
	Path    string
	Expires time.Duration
	Now     time.Time
}

// PresignPut authorizes a single PUT of key into the signer's bucket. The
// content type is not part of the signature; the client sends it as a header.
func (s Signer) PresignPut(ctx context.Context, key string, expires time.Duration, now time.Time) (string, error) {
	if s.Host == "" || s.Bucket == "" || s.AccessKeyID == "" || s.SecretAccessKey == "" {
		return "", ErrMissingCredentials
	}
	if strings.TrimSpace(key) == "" {
		return "", errors.New("presign: object key is required")
	}
	return s.Presign(ctx, Request{
		Method:  http.MethodPut,
		Host:    s.Host,
		Path:    "/" + s.Bucket + "/" + EncodePath(key),
		Expires: expires,
		Now:     now,
	})
}

// Presign signs an arbitrary request at req.Now. Path must already be
// URI-encoded.
func (s Signer) Presign(ctx context.Context, req Request) (string, error) {
	if req.Expires <= 0 {
		req.Expires = DefaultExpiry
	}
	if req.Expires > maxExpiry {
		return "", fmt.Errorf("presign: expiry %s exceeds %s", req.Expires, maxExpiry)
	}
	region := s.Region
	if region == "" {
		region = DefaultRegion
	}
	service := s.Service
	if service == "" {
		service = DefaultService
	}
	scheme := s.Scheme
	if scheme == "" {
		scheme = "https"
	}

	target, err := url.Parse(scheme + "://" + req.Host + req.Path)
	if err != nil {
		return "", fmt.Errorf("presign: build url: %w", err)
	}
	query := target.Query()
	query.Set(expiresParam, strconv.Itoa(int(req.Expires/time.Second)))
	target.RawQuery = query.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), nil)
	if err != nil {
		return "", fmt.Errorf("presign: build request: %w", err)
	}

	creds := aws.Credentials{
		AccessKeyID:     s.AccessKeyID,
		SecretAccessKey: s.SecretAccessKey,
	}
	signed, _, err := newHTTPSigner().PresignHTTP(ctx, creds, httpReq, unsignedBody, service, region, req.Now.UTC())
	if err != nil {
		return "", fmt.Errorf("presign: sign: %w", err)
	}
	return signed, nil
}

// EncodePath URI-encodes every segment of an object key, keeping slashes.
func EncodePath(key string) string {
	return httpbinding.EscapePath(key, false)
}
