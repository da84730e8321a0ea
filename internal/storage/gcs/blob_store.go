// Package gcs mirrors normalized outputs into Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config names the destination bucket.
type Config struct {
	Bucket string
}

// BlobStore uploads mirrored CSVs to one bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
}

// New validates cfg and binds it to client.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	switch {
	case client == nil:
		return nil, errors.New("storage client is required")
	case strings.TrimSpace(cfg.Bucket) == "":
		return nil, errors.New("bucket name is required")
	}
	return &BlobStore{client: client, bucket: cfg.Bucket}, nil
}

// CheckBucket confirms the bucket exists and the credentials can read it.
func (s *BlobStore) CheckBucket(ctx context.Context) error {
	if _, err := s.client.Bucket(s.bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("gcs bucket %q: %w", s.bucket, err)
	}
	return nil
}

// PutObject uploads r under key and returns its gs:// URI. Outputs are
// overwritten on every normalize run, so objects are marked no-cache.
func (s *BlobStore) PutObject(ctx context.Context, key string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("object key is required")
	}
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.CacheControl = "no-cache"
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, r); err != nil {
		return "", errors.Join(fmt.Errorf("upload %s: %w", key, err), w.Close())
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", key, err)
	}
	return "gs://" + s.bucket + "/" + key, nil
}
