package ingest

import (
	"context"
	"fmt"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/opendata-harvester/internal/catalog"
	"github.com/JakeFAU/opendata-harvester/internal/links"
	"github.com/JakeFAU/opendata-harvester/internal/manifest"
	"github.com/JakeFAU/opendata-harvester/internal/metrics"
	"github.com/JakeFAU/opendata-harvester/internal/telemetry"
)

// IngestCatalog ingests each catalog entry in order. A catalog URL that is
// already a file is downloaded directly; when that fails, or the URL is a
// landing page, the page is fetched and its file links are tried instead.
// Every entry with a URL gets a manifest, even when nothing was saved.
func (in *Ingester) IngestCatalog(ctx context.Context, entries []catalog.Entry) (Summary, error) {
	r, err := in.startRun(SourceCatalog)
	if err != nil {
		return Summary{}, err
	}
	defer in.finishRun(r)

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return *r.summary, fmt.Errorf("catalog ingest canceled: %w", err)
		}
		if entry.URL == "" {
			continue
		}
		if err := in.ingestEntry(ctx, r, entry); err != nil {
			r.summary.Failed++
			in.logger.Error("catalog entry failed", zap.String("dataset", entry.Name), zap.Error(err))
		}
	}
	return *r.summary, nil
}

func (in *Ingester) ingestEntry(ctx context.Context, r *run, entry catalog.Entry) (err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "ingest.dataset", trace.WithAttributes(
		attribute.String("source", SourceCatalog),
		attribute.String("dataset", entry.Name),
		attribute.String("url", entry.URL),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	domain := DomainFromURL(entry.URL)
	slug := catalog.DatasetSlug(entry.Name)
	dir := filepath.Join(in.cfg.RawRoot, domain, slug)
	doc := manifest.NewCatalog(entry.Name, entry.URL, domain)

	if links.IsFileURL(entry.URL) {
		filename := slug + links.URLExt(entry.URL)
		res := in.fetchResource(ctx, r, entry.Name, entry.URL, dir, filename)
		doc.AddNote("direct:" + res.Message)
		if res.OK {
			doc.AddSaved(filename)
			return in.writeManifest(ctx, r, dir, doc, entry.Name, entry.URL, doc.SavedFiles, metrics.OutcomeOK)
		}
	}

	failed := in.discover(ctx, r, entry, slug, dir, doc)
	return in.writeManifest(ctx, r, dir, doc, entry.Name, entry.URL, doc.SavedFiles,
		datasetOutcome(len(doc.SavedFiles), failed))
}

// discover fetches the landing page and downloads up to MaxLinks of its file
// links. It reports whether the page itself could not be fetched.
func (in *Ingester) discover(ctx context.Context, r *run, entry catalog.Entry, slug, dir string, doc *manifest.Catalog) bool {
	if in.blocked.BlocksURL(entry.URL) {
		doc.AddNote(blockedMessage)
		return false
	}
	page, err := in.fetcher.Fetch(ctx, entry.URL)
	var found []string
	if err == nil {
		base := page.URL
		if base == "" {
			base = entry.URL
		}
		found, err = links.Extract(base, string(page.Body))
	}
	if err != nil {
		doc.AddNote(fmt.Sprintf("error: fetch page failed: %v", err))
		in.logger.Warn("fetch page failed", zap.String("dataset", entry.Name), zap.String("url", entry.URL), zap.Error(err))
		return true
	}
	if len(found) == 0 {
		doc.AddNote("no direct file links found on page")
		return false
	}
	if len(found) > in.cfg.MaxLinks {
		found = found[:in.cfg.MaxLinks]
	}
	for i, link := range found {
		filename := fmt.Sprintf("%s-%d%s", slug, i+1, links.URLExt(link))
		res := in.fetchResource(ctx, r, entry.Name, link, dir, filename)
		doc.AddNote(link + ": " + res.Message)
		if res.OK {
			doc.AddSaved(filename)
		}
	}
	return false
}
