// Package gcs archives pages to Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"maps"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to write to GCS.
type Config struct {
	Bucket string
	// Metadata is attached to every object written.
	Metadata map[string]string
}

// BlobStore writes artifacts to a configured GCS bucket.
type BlobStore struct {
	client   *storage.Client
	bucket   string
	metadata map[string]string
}

// New creates a GCS-backed blob store. The client is owned by the caller.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client:   client,
		bucket:   cfg.Bucket,
		metadata: maps.Clone(cfg.Metadata),
	}, nil
}

// Ping verifies the bucket exists and is readable, so misconfiguration fails
// at startup instead of on the first archived page.
func (s *BlobStore) Ping(ctx context.Context) error {
	if _, err := s.client.Bucket(s.bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("get bucket %s attributes: %w", s.bucket, err)
	}
	return nil
}

// PutObject uploads data to the configured bucket and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	writer := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if len(s.metadata) > 0 {
		writer.Metadata = maps.Clone(s.metadata)
	}
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object %s: %w (close writer: %v)", path, err, closeErr)
		}
		return "", fmt.Errorf("copy object %s: %w", path, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer for %s: %w", path, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}
