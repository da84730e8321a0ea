package ingest

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/opendata-harvester/internal/catalog"
	"github.com/JakeFAU/opendata-harvester/internal/ckan"
	"github.com/JakeFAU/opendata-harvester/internal/manifest"
	"github.com/JakeFAU/opendata-harvester/internal/pipeline"
	"github.com/JakeFAU/opendata-harvester/internal/policy/blocklist"
	"github.com/JakeFAU/opendata-harvester/internal/publisher/memory"
)

type stubFetcher struct {
	pages map[string]pipeline.Page
	errs  map[string]error
}

func (s *stubFetcher) Fetch(_ context.Context, url string) (pipeline.Page, error) {
	if err, ok := s.errs[url]; ok {
		return pipeline.Page{}, err
	}
	if page, ok := s.pages[url]; ok {
		if page.URL == "" {
			page.URL = url
		}
		return page, nil
	}
	return pipeline.Page{}, &pipeline.StatusError{StatusCode: http.StatusNotFound, Err: errors.New("Not Found")}
}

// stubDownloader writes bodies for known URLs and fails everything else.
type stubDownloader struct {
	bodies  map[string]string
	results map[string]pipeline.DownloadResult
	calls   []string
}

func (s *stubDownloader) Download(_ context.Context, url, dest string, _ int64) pipeline.DownloadResult {
	s.calls = append(s.calls, url)
	if res, ok := s.results[url]; ok {
		return res
	}
	body, ok := s.bodies[url]
	if !ok {
		return pipeline.DownloadResult{Message: "error: unexpected status 404 Not Found"}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return pipeline.DownloadResult{Message: "error: " + err.Error()}
	}
	if err := os.WriteFile(dest, []byte(body), 0o644); err != nil {
		return pipeline.DownloadResult{Message: "error: " + err.Error()}
	}
	return pipeline.DownloadResult{OK: true, Message: "ok", Bytes: int64(len(body))}
}

type recordingLedger struct {
	mu       sync.Mutex
	attempts []pipeline.Attempt
}

func (l *recordingLedger) Record(_ context.Context, a pipeline.Attempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, a)
	return nil
}

type countingPacer struct{ urls []string }

func (p *countingPacer) Wait(_ context.Context, url string) error {
	p.urls = append(p.urls, url)
	return nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fixedIDs struct{ id string }

func (g fixedIDs) NewID() (string, error) { return g.id, nil }

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	root       string
	fetcher    *stubFetcher
	downloader *stubDownloader
	ledger     *recordingLedger
	pacer      *countingPacer
	publisher  *memory.Publisher
	ingester   *Ingester
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		root:       t.TempDir(),
		fetcher:    &stubFetcher{pages: map[string]pipeline.Page{}, errs: map[string]error{}},
		downloader: &stubDownloader{bodies: map[string]string{}, results: map[string]pipeline.DownloadResult{}},
		ledger:     &recordingLedger{},
		pacer:      &countingPacer{},
		publisher:  memory.New(),
	}
	h.ingester = New(Config{
		RawRoot:       h.root,
		SizeLimit:     1024,
		MaxLinks:      2,
		CKANNamespace: "nsw",
		Topic:         "datasets",
	}, h.fetcher, h.downloader, zap.NewNop(),
		WithLedger(h.ledger),
		WithPacer(h.pacer),
		WithPublisher(h.publisher),
		WithClock(fixedClock{now: testNow}),
		WithIDGenerator(fixedIDs{id: "run-1"}),
	)
	return h
}

func loadManifest(t *testing.T, path string) manifest.Record {
	t.Helper()
	rec, err := manifest.Load(path)
	require.NoError(t, err)
	return rec
}

func TestIngestCatalogDirectFile(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	url := "https://data.example.gov:8443/files/Branches.CSV"
	h.downloader.bodies[url] = "a,b\n1,2\n"

	summary, err := h.ingester.IngestCatalog(context.Background(), []catalog.Entry{
		{Name: "Library Branches", URL: url},
	})
	require.NoError(t, err)
	assert.Equal(t, "run-1", summary.RunID)
	assert.Equal(t, 1, summary.Datasets)
	assert.Equal(t, 1, summary.Downloaded)

	dir := filepath.Join(h.root, "data.example.gov_8443", "library-branches")
	saved, err := os.ReadFile(filepath.Join(dir, "library-branches.CSV"))
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(saved))

	data, err := os.ReadFile(filepath.Join(dir, manifest.FileName))
	require.NoError(t, err)
	require.NoError(t, manifest.Validate(data))
	rec := loadManifest(t, filepath.Join(dir, manifest.FileName))
	assert.Equal(t, []string{"library-branches.CSV"}, rec.Files)

	var doc manifest.Catalog
	require.NoError(t, jsonUnmarshal(data, &doc))
	assert.Equal(t, []string{"direct:ok"}, doc.Notes)
	assert.Equal(t, "data.example.gov_8443", doc.Domain)

	require.Len(t, h.ledger.attempts, 1)
	attempt := h.ledger.attempts[0]
	assert.Equal(t, "run-1", attempt.RunID)
	assert.Equal(t, SourceCatalog, attempt.Source)
	assert.Equal(t, "library-branches.CSV", attempt.SavedAs)
	assert.NotEmpty(t, attempt.ContentHash)
	assert.Equal(t, testNow, attempt.AttemptedAt)
	assert.Equal(t, []string{url}, h.pacer.urls)

	events := h.publisher.Events("datasets")
	require.Len(t, events, 1)
	assert.Equal(t, pipeline.EventDatasetIngested, events[0].Type)
	assert.Equal(t, []string{"library-branches.CSV"}, events[0].Files)
}

func TestIngestCatalogFailedDirectFallsBackToPage(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	url := "https://example.org/export/data.csv"
	h.downloader.results[url] = pipeline.DownloadResult{Message: "skipped: size 4096 > limit 1024", Bytes: 4096}
	h.fetcher.pages[url] = pipeline.Page{Body: []byte(`<a href="small.json">small</a>`)}
	h.downloader.bodies["https://example.org/export/small.json"] = `[{"x":1}]`

	summary, err := h.ingester.IngestCatalog(context.Background(), []catalog.Entry{{Name: "Loans", URL: url}})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, summary.Downloaded)

	var doc manifest.Catalog
	readJSON(t, filepath.Join(h.root, "example.org", "loans", manifest.FileName), &doc)
	assert.Equal(t, []string{
		"direct:skipped: size 4096 > limit 1024",
		"https://example.org/export/small.json: ok",
	}, doc.Notes)
	assert.Equal(t, []string{"loans-1.json"}, doc.SavedFiles)
}

func TestIngestCatalogPageDiscovery(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	page := "https://example.org/datasets/visits"
	h.fetcher.pages[page] = pipeline.Page{
		URL: "https://example.org/datasets/visits/",
		Body: []byte(`<html><body>
			<a href="files/a.csv">A</a>
			<a href="files/a.csv">A again</a>
			<a href="/b.xlsx">B</a>
			<a href="c.zip">C</a>
			<a href="about.html">About</a>
		</body></html>`),
	}
	h.downloader.bodies["https://example.org/datasets/visits/files/a.csv"] = "x\n1\n"

	summary, err := h.ingester.IngestCatalog(context.Background(), []catalog.Entry{{Name: "Visits", URL: page}})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Downloaded)
	assert.Equal(t, 1, summary.Errors)

	var doc manifest.Catalog
	readJSON(t, filepath.Join(h.root, "example.org", "visits", manifest.FileName), &doc)
	assert.Equal(t, []string{"visits-1.csv"}, doc.SavedFiles)
	assert.Equal(t, []string{
		"https://example.org/datasets/visits/files/a.csv: ok",
		"https://example.org/b.xlsx: error: unexpected status 404 Not Found",
	}, doc.Notes)
	assert.Equal(t, []string{
		"https://example.org/datasets/visits/files/a.csv",
		"https://example.org/b.xlsx",
	}, h.downloader.calls)
}

func TestIngestCatalogWritesManifestWhenNothingSaved(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fetcher.pages["https://example.org/empty"] = pipeline.Page{Body: []byte(`<p>nothing</p>`)}
	h.fetcher.errs["https://example.org/down"] = errors.New("connection refused")

	summary, err := h.ingester.IngestCatalog(context.Background(), []catalog.Entry{
		{Name: "Empty", URL: "https://example.org/empty"},
		{Name: "Down", URL: "https://example.org/down"},
		{Name: "No URL"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Datasets)
	assert.Len(t, summary.Manifests, 2)

	for name, note := range map[string]string{
		"empty": "no direct file links found on page",
		"down":  "error: fetch page failed: connection refused",
	} {
		path := filepath.Join(h.root, "example.org", name, manifest.FileName)
		data, err := os.ReadFile(path)
		require.NoError(t, err, name)
		require.NoError(t, manifest.Validate(data), name)
		var doc manifest.Catalog
		require.NoError(t, jsonUnmarshal(data, &doc))
		assert.Empty(t, doc.SavedFiles, name)
		assert.Equal(t, []string{note}, doc.Notes, name)
	}
	assert.Empty(t, h.ledger.attempts)
}

func TestIngestCatalogCanceled(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.ingester.IngestCatalog(ctx, []catalog.Entry{{Name: "x", URL: "https://example.org/x.csv"}})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.downloader.calls)
}

const ckanBase = "https://data.nsw.gov.au/data/api/3/action"

func TestIngestCKAN(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fetcher.pages[ckanBase+"/package_show?id=library-stats"] = pipeline.Page{Body: []byte(`{
		"success": true,
		"result": {
			"name": "library-stats",
			"title": "Library statistics",
			"notes": "Annual figures",
			"resources": [
				{"id": "r1", "name": "Loans 2023", "format": "CSV", "url": "https://files.nsw.gov.au/loans.csv"},
				{"id": "r2", "name": "Loans 2023", "format": "CSV", "url": "https://files.nsw.gov.au/loans-v2.csv"},
				{"id": "r3", "name": "", "format": "XLSX", "url": "https://files.nsw.gov.au/download?id=3"},
				{"id": "r4", "name": "Broken", "format": "csv", "url": ""}
			]
		}
	}`)}
	h.downloader.bodies["https://files.nsw.gov.au/loans.csv"] = "a\n1\n"
	h.downloader.bodies["https://files.nsw.gov.au/loans-v2.csv"] = "a\n2\n"

	client := ckan.NewClient(ckanBase, "data.nsw.gov.au", h.fetcher)
	summary, err := h.ingester.IngestCKAN(context.Background(), client, []string{
		"https://data.nsw.gov.au/data/dataset/library-stats",
		"missing-dataset",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Datasets)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 2, summary.Downloaded)
	assert.Equal(t, 1, summary.Errors)

	dir := filepath.Join(h.root, "nsw", "library-stats")
	data, err := os.ReadFile(filepath.Join(dir, manifest.FileName))
	require.NoError(t, err)
	require.NoError(t, manifest.Validate(data))

	var doc manifest.API
	require.NoError(t, jsonUnmarshal(data, &doc))
	assert.Equal(t, "library-stats", doc.Dataset)
	assert.Equal(t, "Library statistics", doc.Title)
	require.Len(t, doc.Resources, 4)

	assert.True(t, doc.Resources[0].OK)
	assert.Equal(t, "loans-2023.csv", *doc.Resources[0].SavedAs)
	assert.Equal(t, "loans-2023-2.csv", *doc.Resources[1].SavedAs)
	assert.Equal(t, "csv", doc.Resources[1].Format)

	assert.False(t, doc.Resources[2].OK)
	assert.Equal(t, "r3", doc.Resources[2].Name)
	assert.Nil(t, doc.Resources[2].SavedAs)
	assert.Equal(t, "error: unexpected status 404 Not Found", *doc.Resources[2].Error)

	assert.Equal(t, "missing url", *doc.Resources[3].Error)

	rec := loadManifest(t, filepath.Join(dir, manifest.FileName))
	assert.Equal(t, []string{"loans-2023.csv", "loans-2023-2.csv"}, rec.Files)

	_, err = os.Stat(filepath.Join(h.root, "nsw", "missing-dataset"))
	assert.True(t, os.IsNotExist(err))

	require.Len(t, h.ledger.attempts, 3)
	assert.Equal(t, SourceCKAN, h.ledger.attempts[0].Source)
	assert.Equal(t, "library-stats", h.ledger.attempts[0].Dataset)
}

func TestUniqueFilename(t *testing.T) {
	t.Parallel()

	used := map[string]bool{}
	res := ckan.Resource{Name: "Data", URL: "https://x.org/data.csv"}
	assert.Equal(t, "data.csv", uniqueFilename(res, used))
	assert.Equal(t, "data-2.csv", uniqueFilename(res, used))
	assert.Equal(t, "data-3.csv", uniqueFilename(res, used))
}

func TestDomainFromURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "example.org", DomainFromURL("https://example.org/a"))
	assert.Equal(t, "localhost_8080", DomainFromURL(" http://localhost:8080/x "))
	assert.Equal(t, "unknown", DomainFromURL("not a url"))
	assert.Equal(t, "unknown", DomainFromURL("://bad"))
}

func TestIngestSkipsBlockedHosts(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	WithBlocklist(blocklist.New([]string{"*.blocked.test"}))(h.ingester)
	h.fetcher.pages["https://example.org/page"] = pipeline.Page{
		Body: []byte(`<a href="https://cdn.blocked.test/a.csv">a</a>`),
	}

	_, err := h.ingester.IngestCatalog(context.Background(), []catalog.Entry{
		{Name: "Direct", URL: "https://files.blocked.test/d.csv"},
		{Name: "Page", URL: "https://example.org/page"},
	})
	require.NoError(t, err)
	assert.Empty(t, h.downloader.calls)

	var direct manifest.Catalog
	readJSON(t, filepath.Join(h.root, "files.blocked.test", "direct", manifest.FileName), &direct)
	assert.Equal(t, []string{"direct:skipped: blocked domain", "skipped: blocked domain"}, direct.Notes)

	var page manifest.Catalog
	readJSON(t, filepath.Join(h.root, "example.org", "page", manifest.FileName), &page)
	assert.Equal(t, []string{"https://cdn.blocked.test/a.csv: skipped: blocked domain"}, page.Notes)
}
