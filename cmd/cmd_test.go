package cmd

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/opendata-harvester/internal/config"
	"github.com/JakeFAU/opendata-harvester/internal/ledger"
	"github.com/JakeFAU/opendata-harvester/internal/manifest"
	"github.com/JakeFAU/opendata-harvester/internal/pipeline"
)

type fakeApp struct {
	cfg    config.Config
	closed bool
}

func (f *fakeApp) Close()                { f.closed = true }
func (f *fakeApp) Config() config.Config { return f.cfg }
func (f *fakeApp) Logger() *zap.Logger   { return zap.NewNop() }

func (f *fakeApp) Ledger(ctx context.Context) (ledger.Store, error) {
	return ledger.Open(ctx, ledger.Config{}, zap.NewNop())
}

func (f *fakeApp) Mirror(context.Context) (pipeline.BlobStore, error)   { return nil, nil }
func (f *fakeApp) Publisher(context.Context) (pipeline.Publisher, error) { return nil, nil }

// useFakeApp swaps the factory for the duration of the test.
func useFakeApp(t *testing.T, app *fakeApp) {
	t.Helper()
	orig := newApp
	newApp = func(context.Context, string) (App, error) { return app, nil }
	t.Cleanup(func() { newApp = orig })
}

func newFakeApp(t *testing.T) *fakeApp {
	t.Helper()
	root := t.TempDir()
	return &fakeApp{cfg: config.Config{
		Paths: config.PathsConfig{
			RawRoot:      filepath.Join(root, "raw"),
			CSVRoot:      filepath.Join(root, "csv"),
			Catalog:      filepath.Join(root, "catalog.csv"),
			InventoryCSV: filepath.Join(root, "inventory.csv"),
			Readme:       filepath.Join(root, "README.md"),
		},
		Normalize: config.NormalizeConfig{MaxArchiveDepth: 3, MaxArchiveMembers: 10, MaxExtractBytes: 1 << 20},
	}}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeManifest(t *testing.T, raw string) {
	t.Helper()
	dir := filepath.Join(raw, "example.org", "visits")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "visits-1.csv"), []byte("a\n1\n"), 0o644))
	doc := manifest.NewCatalog("Visits", "https://example.org/visits", "example.org")
	doc.AddSaved("visits-1.csv")
	_, err := manifest.Write(dir, doc)
	require.NoError(t, err)
}

func TestSplitCatalogCommand(t *testing.T) {
	app := newFakeApp(t)
	useFakeApp(t, app)
	require.NoError(t, os.WriteFile(app.cfg.Paths.Catalog,
		[]byte("Dataset Name,Direct Link\nLibrary Loans,https://x.org/a.csv\nVisits,https://x.org/v\n"), 0o644))
	out := filepath.Join(t.TempDir(), "split")

	stdout, err := run(t, "split-catalog", "--out", out)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Wrote 2 catalog files")
	assert.FileExists(t, filepath.Join(out, "library-loans.csv"))
	assert.True(t, app.closed)
}

func TestValidateManifestsCommand(t *testing.T) {
	app := newFakeApp(t)
	useFakeApp(t, app)
	writeManifest(t, app.cfg.Paths.RawRoot)

	stdout, err := run(t, "validate-manifests")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Checked 1 manifests, 0 invalid.")

	bad := filepath.Join(app.cfg.Paths.RawRoot, "bad", manifest.FileName)
	require.NoError(t, os.MkdirAll(filepath.Dir(bad), 0o755))
	require.NoError(t, os.WriteFile(bad, []byte(`{"dataset_name": 5}`), 0o644))

	stdout, err = run(t, "validate-manifests")
	require.Error(t, err)
	assert.Contains(t, stdout, "INVALID")
}

func TestNormalizeAndInventoryCommands(t *testing.T) {
	app := newFakeApp(t)
	useFakeApp(t, app)
	writeManifest(t, app.cfg.Paths.RawRoot)

	stdout, err := run(t, "normalize")
	require.NoError(t, err)
	assert.Contains(t, stdout, "CSV files written: 1.")
	assert.FileExists(t, filepath.Join(app.cfg.Paths.CSVRoot, "example.org", "visits", "visits-1.csv"))

	stdout, err = run(t, "inventory")
	require.NoError(t, err)
	assert.Contains(t, stdout, "with 1 rows")
	readme, err := os.ReadFile(app.cfg.Paths.Readme)
	require.NoError(t, err)
	assert.Contains(t, string(readme), "## Data Inventory")
}

func TestIngestCKANRequiresRefs(t *testing.T) {
	useFakeApp(t, newFakeApp(t))

	_, err := run(t, "ingest-ckan")
	require.ErrorContains(t, err, "at least one dataset")
}

func TestReadRefs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "refs.txt")
	require.NoError(t, os.WriteFile(path, []byte("# nsw\nlibrary-stats\n\n  https://data.nsw.gov.au/data/dataset/loans  \n"), 0o644))

	refs, err := readRefs(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"library-stats", "https://data.nsw.gov.au/data/dataset/loans"}, refs)
}

func TestRunServerStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	srv := &http.Server{
		Addr:              addr,
		Handler:           http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) }),
		ReadHeaderTimeout: time.Second,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServer(ctx, srv, zap.NewNop()) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRootListsCommands(t *testing.T) {
	names := []string{}
	for _, c := range newRootCmd().Commands() {
		names = append(names, c.Name())
	}
	joined := strings.Join(names, " ")
	for _, want := range []string{"ingest-catalog", "ingest-ckan", "normalize", "inventory", "validate-manifests", "split-catalog", "serve"} {
		assert.Contains(t, joined, want)
	}
}
