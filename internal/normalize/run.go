package normalize

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/opendata-harvester/internal/manifest"
	"github.com/JakeFAU/opendata-harvester/internal/pipeline"
	"github.com/JakeFAU/opendata-harvester/internal/telemetry"
)

// Summary totals one normalization run.
type Summary struct {
	Manifests int
	Failed    int
	Outputs   []string
}

// Run converts every manifest under RawRoot. A missing RawRoot aborts the run;
// an unreadable manifest is logged and skipped.
func (n *Normalizer) Run(ctx context.Context) (Summary, error) {
	var summary Summary
	info, err := os.Stat(n.cfg.RawRoot)
	if err != nil {
		return summary, fmt.Errorf("raw root %s: %w", n.cfg.RawRoot, err)
	}
	if !info.IsDir() {
		return summary, fmt.Errorf("raw root %s is not a directory", n.cfg.RawRoot)
	}

	var manifests []string
	err = filepath.WalkDir(n.cfg.RawRoot, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			n.logger.Warn("walk raw root", zap.String("path", p), zap.Error(walkErr))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() && d.Name() == manifest.FileName {
			manifests = append(manifests, p)
		}
		return nil
	})
	if err != nil {
		return summary, fmt.Errorf("walk raw root: %w", err)
	}

	for _, mpath := range manifests {
		if err := ctx.Err(); err != nil {
			return summary, fmt.Errorf("normalize canceled: %w", err)
		}
		summary.Manifests++
		outputs, err := n.ProcessManifest(ctx, mpath)
		if err != nil {
			summary.Failed++
			n.logger.Warn("skipping manifest", zap.String("manifest", mpath), zap.Error(err))
			continue
		}
		summary.Outputs = append(summary.Outputs, outputs...)
	}
	n.logger.Info("normalization complete",
		zap.Int("manifests", summary.Manifests),
		zap.Int("failed", summary.Failed),
		zap.Int("outputs", len(summary.Outputs)),
	)
	return summary, nil
}

// ProcessManifest converts every saved file listed by the manifest at mpath.
// Outputs land under CSVRoot at the manifest's path relative to RawRoot.
func (n *Normalizer) ProcessManifest(ctx context.Context, mpath string) (outputs []string, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "normalize.manifest", trace.WithAttributes(attribute.String("manifest", mpath)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("outputs", len(outputs)))
		span.End()
	}()

	rec, err := manifest.Load(mpath)
	if err != nil {
		return nil, err
	}
	rel, err := filepath.Rel(n.cfg.RawRoot, rec.Dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("manifest %s is outside raw root %s", mpath, n.cfg.RawRoot)
	}
	outDir := filepath.Join(n.cfg.CSVRoot, rel)

	for _, name := range rec.Files {
		src := rec.FilePath(name)
		if _, err := os.Stat(src); err != nil {
			n.logger.Debug("listed file missing", zap.String("manifest", mpath), zap.String("file", src))
			continue
		}
		outputs = append(outputs, n.ConvertFile(ctx, src, outDir)...)
	}

	n.mirrorOutputs(ctx, outputs)
	n.announce(ctx, rec, outputs)
	return outputs, nil
}

func (n *Normalizer) mirrorOutputs(ctx context.Context, outputs []string) {
	if n.mirror == nil {
		return
	}
	for _, out := range outputs {
		rel, err := filepath.Rel(n.cfg.CSVRoot, out)
		if err != nil {
			continue
		}
		key := path.Join(n.cfg.MirrorPrefix, filepath.ToSlash(rel))
		if err := n.mirrorOne(ctx, out, key); err != nil {
			n.logger.Warn("mirror upload failed", zap.String("file", out), zap.Error(err))
		}
	}
}

func (n *Normalizer) mirrorOne(ctx context.Context, file, key string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	defer func() { _ = f.Close() }()
	uri, err := n.mirror.PutObject(ctx, key, "text/csv", f)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	n.logger.Debug("mirrored output", zap.String("file", file), zap.String("uri", uri))
	return nil
}

func (n *Normalizer) announce(ctx context.Context, rec manifest.Record, outputs []string) {
	if n.publisher == nil {
		return
	}
	files := make([]string, 0, len(outputs))
	for _, out := range outputs {
		if rel, err := filepath.Rel(n.cfg.CSVRoot, out); err == nil {
			files = append(files, filepath.ToSlash(rel))
		}
	}
	now := time.Now().UTC()
	if n.clock != nil {
		now = n.clock.Now()
	}
	event := pipeline.DatasetEvent{
		Type:         pipeline.EventDatasetNormalized,
		Dataset:      rec.Name,
		SourceURL:    rec.SourceURL,
		ManifestPath: filepath.ToSlash(rec.Path),
		Files:        files,
		OccurredAt:   now,
	}
	if _, err := n.publisher.Publish(ctx, n.cfg.Topic, event); err != nil && !errors.Is(err, context.Canceled) {
		n.logger.Warn("publish normalized event failed", zap.String("manifest", rec.Path), zap.Error(err))
	}
}
