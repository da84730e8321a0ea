package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/opendata-harvester/internal/ckan"
	"github.com/JakeFAU/opendata-harvester/internal/manifest"
	"github.com/JakeFAU/opendata-harvester/internal/telemetry"
)

// IngestCKAN ingests each dataset reference (slug or portal URL) through
// package_show. A reference that cannot be resolved fails that dataset only
// and leaves no manifest.
func (in *Ingester) IngestCKAN(ctx context.Context, client *ckan.Client, refs []string) (Summary, error) {
	r, err := in.startRun(SourceCKAN)
	if err != nil {
		return Summary{}, err
	}
	defer in.finishRun(r)

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return *r.summary, fmt.Errorf("ckan ingest canceled: %w", err)
		}
		if err := in.ingestPackage(ctx, r, client, ref); err != nil {
			r.summary.Failed++
			in.logger.Error("ckan dataset failed", zap.String("ref", ref), zap.Error(err))
		}
	}
	return *r.summary, nil
}

func (in *Ingester) ingestPackage(ctx context.Context, r *run, client *ckan.Client, ref string) (err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "ingest.dataset", trace.WithAttributes(
		attribute.String("source", SourceCKAN),
		attribute.String("ref", ref),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	slug, err := client.SlugFromRef(ref)
	if err != nil {
		return err
	}
	pkg, err := client.PackageShow(ctx, slug)
	if err != nil {
		return err
	}

	dir := filepath.Join(in.cfg.RawRoot, in.cfg.CKANNamespace, slug)
	doc := &manifest.API{Dataset: slug, Title: pkg.Title, Notes: pkg.Notes}
	used := make(map[string]bool, len(pkg.Resources))
	var saved []string
	failed := false

	for _, res := range pkg.Resources {
		status := manifest.ResourceStatus{
			ID:     res.ID,
			Name:   res.DisplayName(),
			Format: strings.ToLower(res.Format),
			URL:    res.URL,
		}
		if res.URL == "" {
			status.MarkFailed("missing url")
			doc.Resources = append(doc.Resources, status)
			failed = true
			continue
		}
		filename := uniqueFilename(res, used)
		result := in.fetchResource(ctx, r, slug, res.URL, dir, filename)
		if result.OK {
			status.MarkSaved(filename)
			saved = append(saved, filename)
		} else {
			status.MarkFailed(result.Message)
			failed = true
		}
		doc.Resources = append(doc.Resources, status)
	}

	sourceURL := ref
	if sourceURL == slug {
		sourceURL = ""
	}
	return in.writeManifest(ctx, r, dir, doc, slug, sourceURL, saved, datasetOutcome(len(saved), failed && len(saved) == 0))
}

// uniqueFilename returns the resource's filename, suffixed -2, -3... when an
// earlier resource in the same dataset already claimed it.
func uniqueFilename(res ckan.Resource, used map[string]bool) string {
	base, ext := res.FilenameParts()
	name := base + ext
	for i := 2; used[name]; i++ {
		name = fmt.Sprintf("%s-%d%s", base, i, ext)
	}
	used[name] = true
	return name
}
