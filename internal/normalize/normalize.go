// Package normalize converts retrieved artifacts into canonical CSV files.
//
// Dispatch is by lower-cased file extension through a strategy table. Each
// converter writes zero or more CSV files and reports their paths. Unsupported
// extensions produce nothing and are not errors. Archives re-enter the same
// table for every member, bounded by depth, member count and extracted bytes.
package normalize

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/opendata-harvester/internal/metrics"
	"github.com/JakeFAU/opendata-harvester/internal/pipeline"
)

// ErrArchiveLimit is returned when an archive exceeds a configured bound.
var ErrArchiveLimit = errors.New("archive limit exceeded")

// Config controls the normalizer's roots and archive bounds.
type Config struct {
	RawRoot           string
	CSVRoot           string
	MaxArchiveDepth   int
	MaxArchiveMembers int
	MaxExtractBytes   int64
	MirrorPrefix      string
	Topic             string
}

// Job is one artifact to convert.
type Job struct {
	// Src is the artifact on disk.
	Src string
	// OutDir receives the CSV outputs.
	OutDir string
	// Stem names the outputs; archive members carry their archive's stem as a prefix.
	Stem string
	// Depth counts enclosing archives.
	Depth int

	budget *int64
}

// Converter turns one artifact into CSV files and returns their paths.
type Converter interface {
	Convert(ctx context.Context, job Job) ([]string, error)
}

// ConverterFunc adapts a function to Converter.
type ConverterFunc func(ctx context.Context, job Job) ([]string, error)

// Convert implements Converter.
func (f ConverterFunc) Convert(ctx context.Context, job Job) ([]string, error) {
	return f(ctx, job)
}

// Normalizer owns the strategy table and the optional mirror and notifier.
type Normalizer struct {
	cfg        Config
	converters map[string]Converter
	logger     *zap.Logger
	mirror     pipeline.BlobStore
	publisher  pipeline.Publisher
	clock      pipeline.Clock
}

// Option customizes a Normalizer.
type Option func(*Normalizer)

// WithMirror uploads every written CSV to store.
func WithMirror(store pipeline.BlobStore) Option {
	return func(n *Normalizer) { n.mirror = store }
}

// WithPublisher announces each normalized manifest.
func WithPublisher(pub pipeline.Publisher) Option {
	return func(n *Normalizer) { n.publisher = pub }
}

// WithClock overrides the event timestamp source.
func WithClock(clock pipeline.Clock) Option {
	return func(n *Normalizer) { n.clock = clock }
}

// WithConverter registers or replaces the converter for ext (e.g. ".csv").
func WithConverter(ext string, c Converter) Option {
	return func(n *Normalizer) { n.converters[strings.ToLower(ext)] = c }
}

// New builds a Normalizer with the built-in converters.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxArchiveDepth <= 0 {
		cfg.MaxArchiveDepth = 3
	}
	if cfg.MaxArchiveMembers <= 0 {
		cfg.MaxArchiveMembers = 1000
	}
	if cfg.MaxExtractBytes <= 0 {
		cfg.MaxExtractBytes = 1 << 30
	}
	n := &Normalizer{
		cfg:    cfg,
		logger: logger.Named("normalize"),
	}
	n.converters = map[string]Converter{
		".csv":     ConverterFunc(n.convertCSV),
		".tsv":     ConverterFunc(n.convertTSV),
		".xlsx":    ConverterFunc(n.convertXLSX),
		".json":    ConverterFunc(n.convertJSON),
		".geojson": ConverterFunc(n.convertJSON),
		".zip":     ConverterFunc(n.convertZip),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Supports reports whether ext has a registered converter.
func (n *Normalizer) Supports(ext string) bool {
	_, ok := n.converters[strings.ToLower(ext)]
	return ok
}

// ConvertFile converts a single artifact into outDir, naming outputs after its stem.
func (n *Normalizer) ConvertFile(ctx context.Context, src, outDir string) []string {
	budget := n.cfg.MaxExtractBytes
	return n.dispatch(ctx, Job{
		Src:    src,
		OutDir: outDir,
		Stem:   fileStem(src),
		budget: &budget,
	})
}

// dispatch converts job and swallows converter errors after logging them;
// a failed artifact yields whatever outputs were completed before the failure.
func (n *Normalizer) dispatch(ctx context.Context, job Job) []string {
	ext := strings.ToLower(filepath.Ext(job.Src))
	conv, ok := n.converters[ext]
	if !ok {
		n.logger.Debug("skipping unsupported format", zap.String("src", job.Src))
		return nil
	}
	outputs, err := conv.Convert(ctx, job)

	format := strings.TrimPrefix(ext, ".")
	switch {
	case err != nil:
		n.logger.Warn("conversion failed",
			zap.String("src", job.Src),
			zap.Int("outputs", len(outputs)),
			zap.Error(err),
		)
		metrics.ObserveConversion(format, metrics.OutcomeError, len(outputs))
	case len(outputs) == 0:
		n.logger.Info("no tabular content", zap.String("src", job.Src))
		metrics.ObserveConversion(format, metrics.OutcomeEmpty, 0)
	default:
		n.logger.Debug("converted",
			zap.String("src", job.Src),
			zap.Strings("outputs", outputs),
		)
		metrics.ObserveConversion(format, metrics.OutcomeOK, len(outputs))
	}
	return outputs
}

func fileStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
