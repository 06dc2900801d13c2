package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

const (
	defaultPublicBaseURL = "https://storage.googleapis.com"
	uploadTimeout        = 2 * time.Minute
	imageCacheControl    = "public, max-age=86400"
)

var errMissingBucket = errors.New("media: bucket name required")

// GCSConfig describes the bucket profile images are mirrored into.
type GCSConfig struct {
	Client        *storage.Client
	Bucket        string
	PublicBaseURL string
}

// GCSUploader writes objects to a Google Cloud Storage bucket.
type GCSUploader struct {
	client        *storage.Client
	bucket        string
	publicBaseURL string
}

// NewGCSUploader constructs a GCSUploader. A nil client is created with default credentials.
func NewGCSUploader(ctx context.Context, cfg GCSConfig) (*GCSUploader, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errMissingBucket
	}
	client := cfg.Client
	if client == nil {
		created, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("media: create storage client: %w", err)
		}
		client = created
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	if baseURL == "" {
		baseURL = defaultPublicBaseURL + "/" + bucket
	}
	return &GCSUploader{client: client, bucket: bucket, publicBaseURL: baseURL}, nil
}

// Upload writes body to objectName and returns its public URL.
func (u *GCSUploader) Upload(ctx context.Context, objectName, contentType string, body []byte) (string, error) {
	uploadCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	writer := u.client.Bucket(u.bucket).Object(objectName).NewWriter(uploadCtx)
	writer.ContentType = contentType
	writer.CacheControl = imageCacheControl
	if _, err := io.Copy(writer, bytes.NewReader(body)); err != nil {
		_ = writer.Close()
		return "", fmt.Errorf("write object %s: %w", objectName, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close object %s: %w", objectName, err)
	}
	return PublicObjectURL(u.publicBaseURL, objectName), nil
}

// Close releases the storage client.
func (u *GCSUploader) Close() error {
	return u.client.Close()
}

// PublicObjectURL joins a base URL and an object name, escaping each path segment.
func PublicObjectURL(baseURL, objectName string) string {
	segments := strings.Split(objectName, "/")
	for index, segment := range segments {
		segments[index] = url.PathEscape(segment)
	}
	return strings.TrimRight(baseURL, "/") + "/" + strings.Join(segments, "/")
}

var _ Uploader = (*GCSUploader)(nil)
