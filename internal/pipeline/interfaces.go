// Package pipeline declares the collaborators shared by the ingestion and
// normalization stages, plus the events they emit.
package pipeline

import (
	"context"
	"io"
	"time"
)

// BlobStore mirrors normalized outputs and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes dataset events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher retrieves a page or API document in full.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// Downloader streams one resource to disk under a byte ceiling.
type Downloader interface {
	Download(ctx context.Context, url, destPath string, limit int64) DownloadResult
}

// Pacer delays successive requests to the same host.
type Pacer interface {
	Wait(ctx context.Context, url string) error
}

// Ledger records per-resource attempts outside the manifest.
type Ledger interface {
	Record(ctx context.Context, attempt Attempt) error
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
	HashFile(path string) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
