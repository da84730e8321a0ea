// Package ingest drives catalog and CKAN ingestion: it decides what to
// download for each dataset, downloads it under the size ceiling and records
// the outcome in the dataset's manifest.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/opendata-harvester/internal/clock/system"
	"github.com/JakeFAU/opendata-harvester/internal/hash/sha256"
	"github.com/JakeFAU/opendata-harvester/internal/id/uuid"
	"github.com/JakeFAU/opendata-harvester/internal/ledger"
	"github.com/JakeFAU/opendata-harvester/internal/manifest"
	"github.com/JakeFAU/opendata-harvester/internal/metrics"
	"github.com/JakeFAU/opendata-harvester/internal/pipeline"
	"github.com/JakeFAU/opendata-harvester/internal/policy/blocklist"
)

// Sources label ledger rows, events and metrics.
const (
	SourceCatalog = "catalog"
	SourceCKAN    = "ckan"
)

// Config holds the ingest settings.
type Config struct {
	RawRoot       string
	SizeLimit     int64
	MaxLinks      int
	CKANNamespace string
	Topic         string
}

// Summary totals one ingest run.
type Summary struct {
	RunID string
	// Datasets counts datasets whose manifest was written.
	Datasets int
	// Failed counts datasets abandoned before a manifest could be written.
	Failed     int
	Downloaded int
	Skipped    int
	Errors     int
	Manifests  []string
}

// Ingester wires the collaborators used by both ingest flows.
type Ingester struct {
	cfg        Config
	fetcher    pipeline.Fetcher
	downloader pipeline.Downloader
	pacer      pipeline.Pacer
	ledger     pipeline.Ledger
	hasher     pipeline.Hasher
	clock      pipeline.Clock
	ids        pipeline.IDGenerator
	publisher  pipeline.Publisher
	blocked    *blocklist.Blocklist
	logger     *zap.Logger
}

// Option customizes an Ingester.
type Option func(*Ingester)

// WithPacer spaces out requests to the same host.
func WithPacer(p pipeline.Pacer) Option { return func(in *Ingester) { in.pacer = p } }

// WithLedger records every download attempt.
func WithLedger(l pipeline.Ledger) Option { return func(in *Ingester) { in.ledger = l } }

// WithHasher overrides the content digest.
func WithHasher(h pipeline.Hasher) Option { return func(in *Ingester) { in.hasher = h } }

// WithClock overrides the time source.
func WithClock(c pipeline.Clock) Option { return func(in *Ingester) { in.clock = c } }

// WithIDGenerator overrides run id generation.
func WithIDGenerator(g pipeline.IDGenerator) Option { return func(in *Ingester) { in.ids = g } }

// WithPublisher announces each written manifest on cfg.Topic.
func WithPublisher(p pipeline.Publisher) Option { return func(in *Ingester) { in.publisher = p } }

// WithBlocklist skips every resource and page whose host is blocked.
func WithBlocklist(b *blocklist.Blocklist) Option { return func(in *Ingester) { in.blocked = b } }

// New builds an Ingester.
func New(cfg Config, fetcher pipeline.Fetcher, downloader pipeline.Downloader, logger *zap.Logger, opts ...Option) *Ingester {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxLinks <= 0 {
		cfg.MaxLinks = 3
	}
	in := &Ingester{
		cfg:        cfg,
		fetcher:    fetcher,
		downloader: downloader,
		hasher:     sha256.New(),
		clock:      system.New(),
		ids:        uuid.New(),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(in)
	}
	in.ledger = ledger.NewSafe(in.ledger, logger)
	return in
}

// run carries per-run state through one flow.
type run struct {
	id      string
	source  string
	summary *Summary
}

func (in *Ingester) startRun(source string) (*run, error) {
	id, err := in.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	in.logger.Info("ingest run started", zap.String("run_id", id), zap.String("source", source))
	return &run{id: id, source: source, summary: &Summary{RunID: id}}, nil
}

func (in *Ingester) finishRun(r *run) {
	s := r.summary
	in.logger.Info("ingest run complete",
		zap.String("run_id", r.id),
		zap.String("source", r.source),
		zap.Int("datasets", s.Datasets),
		zap.Int("failed", s.Failed),
		zap.Int("downloaded", s.Downloaded),
		zap.Int("skipped", s.Skipped),
		zap.Int("errors", s.Errors),
	)
	metrics.MarkRunCompleted("ingest-"+r.source, in.clock.Now())
}

// fetchResource downloads one resource into dir/filename after the courtesy
// pause and records the attempt in the ledger.
func (in *Ingester) fetchResource(ctx context.Context, r *run, dataset, resourceURL, dir, filename string) pipeline.DownloadResult {
	var res pipeline.DownloadResult
	if in.blocked.BlocksURL(resourceURL) {
		res = pipeline.DownloadResult{Message: blockedMessage}
	} else if in.pacer != nil {
		if err := in.pacer.Wait(ctx, resourceURL); err != nil {
			res = pipeline.DownloadResult{Message: "error: " + err.Error()}
		}
	}
	dest := filepath.Join(dir, filename)
	if res.Message == "" {
		res = in.downloader.Download(ctx, resourceURL, dest, in.cfg.SizeLimit)
	}

	attempt := pipeline.Attempt{
		RunID:       r.id,
		Source:      r.source,
		Dataset:     dataset,
		ResourceURL: resourceURL,
		OK:          res.OK,
		Message:     res.Message,
		Bytes:       res.Bytes,
		AttemptedAt: in.clock.Now(),
	}
	switch metrics.OutcomeFromMessage(res.OK, res.Message) {
	case metrics.OutcomeOK:
		r.summary.Downloaded++
		attempt.SavedAs = filename
		if digest, err := in.hasher.HashFile(dest); err == nil {
			attempt.ContentHash = digest
		} else {
			in.logger.Debug("hash downloaded file", zap.String("path", dest), zap.Error(err))
		}
	case metrics.OutcomeSkipped:
		r.summary.Skipped++
	default:
		r.summary.Errors++
	}
	in.logger.Debug("resource attempted",
		zap.String("dataset", dataset),
		zap.String("url", resourceURL),
		zap.Bool("ok", res.OK),
		zap.String("message", res.Message),
	)
	_ = in.ledger.Record(ctx, attempt)
	return res
}

func (in *Ingester) writeManifest(ctx context.Context, r *run, dir string, doc manifest.Document, name, sourceURL string, files []string, outcome string) error {
	path, err := manifest.Write(dir, doc)
	if err != nil {
		metrics.ObserveDataset(r.source, metrics.OutcomeError)
		return fmt.Errorf("write manifest for %s: %w", name, err)
	}
	r.summary.Datasets++
	r.summary.Manifests = append(r.summary.Manifests, path)
	metrics.ObserveDataset(r.source, outcome)
	in.announce(ctx, r, path, name, sourceURL, files)
	return nil
}

func (in *Ingester) announce(ctx context.Context, r *run, manifestPath, name, sourceURL string, files []string) {
	if in.publisher == nil {
		return
	}
	event := pipeline.DatasetEvent{
		Type:         pipeline.EventDatasetIngested,
		RunID:        r.id,
		Dataset:      name,
		SourceURL:    sourceURL,
		ManifestPath: filepath.ToSlash(manifestPath),
		Files:        append([]string{}, files...),
		OccurredAt:   in.clock.Now(),
	}
	if _, err := in.publisher.Publish(ctx, in.cfg.Topic, event); err != nil && !errors.Is(err, context.Canceled) {
		in.logger.Warn("publish ingested event failed", zap.String("dataset", name), zap.Error(err))
	}
}

const blockedMessage = "skipped: blocked domain"

// DomainFromURL returns the URL's host and port with ":" replaced by "_".
func DomainFromURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return strings.ReplaceAll(u.Host, ":", "_")
}

func datasetOutcome(saved int, failed bool) string {
	switch {
	case failed:
		return metrics.OutcomeError
	case saved > 0:
		return metrics.OutcomeOK
	default:
		return metrics.OutcomeEmpty
	}
}
