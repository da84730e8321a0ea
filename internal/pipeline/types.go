package pipeline

import (
	"fmt"
	"net/http"
	"time"
)

// Page is a fully buffered HTTP response body.
type Page struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// DownloadResult mirrors download.Result so stages can depend on the interface.
type DownloadResult struct {
	OK      bool
	Message string
	Bytes   int64
}

// Attempt is one resource download as recorded by the ledger.
type Attempt struct {
	RunID       string    `json:"run_id"`
	Source      string    `json:"source"`
	Dataset     string    `json:"dataset"`
	ResourceURL string    `json:"resource_url"`
	SavedAs     string    `json:"saved_as,omitempty"`
	OK          bool      `json:"ok"`
	Message     string    `json:"message"`
	Bytes       int64     `json:"bytes"`
	ContentHash string    `json:"content_hash,omitempty"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// Event types published on the notification topic.
const (
	EventDatasetIngested   = "dataset.ingested"
	EventDatasetNormalized = "dataset.normalized"
)

// DatasetEvent is the payload published after a dataset is ingested or normalized.
type DatasetEvent struct {
	Type         string    `json:"type"`
	RunID        string    `json:"run_id,omitempty"`
	Dataset      string    `json:"dataset"`
	SourceURL    string    `json:"source_url,omitempty"`
	ManifestPath string    `json:"manifest_path"`
	Files        []string  `json:"files"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// StatusError reports a non-2xx HTTP response.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %v", e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }
