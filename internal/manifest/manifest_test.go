package manifest

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteCatalogWithNothingSavedIsValid(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "library.example.gov", "branch-locations")
	m := NewCatalog("Branch Locations", "https://library.example.gov/branches", "library.example.gov")
	m.AddNote("no direct file links found on page")

	path, err := Write(dir, m)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, FileName), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, Validate(data))

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, []any{}, raw["saved_files"])
	assert.Equal(t, []any{"no direct file links found on page"}, raw["notes"])
}

func TestWriteNilSlicesSerializeAsArrays(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path, err := Write(dir, &Catalog{DatasetName: "x", SourceURL: "https://x", Domain: "x"})
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"saved_files": []`)
	assert.Contains(t, string(data), `"notes": []`)

	path, err = Write(dir, &API{Dataset: "y"})
	require.NoError(t, err)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"resources": []`)
	require.NoError(t, Validate(data))
}

func TestWriteReplacesRatherThanMerges(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first := NewCatalog("Loans", "https://x/loans", "x")
	first.AddSaved("loans-1.csv")
	first.AddSaved("loans-2.csv")
	first.AddNote("a: ok")
	first.AddNote("b: ok")
	_, err := Write(dir, first)
	require.NoError(t, err)

	second := NewCatalog("Loans", "https://x/loans", "x")
	second.AddNote("a: error: timeout")
	path, err := Write(dir, second)
	require.NoError(t, err)

	rec, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, rec.Files)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLoadCatalogShape(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := NewCatalog("Library Visits", "https://lib.example/visits", "lib.example")
	m.AddSaved("library-visits-1.csv")
	m.AddNote("https://lib.example/v.csv: ok")
	path, err := Write(dir, m)
	require.NoError(t, err)

	rec, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ShapeCatalog, rec.Shape)
	assert.Equal(t, "Library Visits", rec.Name)
	assert.Equal(t, "https://lib.example/visits", rec.SourceURL)
	assert.Equal(t, []string{"library-visits-1.csv"}, rec.Files)
	assert.Equal(t, dir, rec.Dir)
	assert.Equal(t, filepath.Join(dir, "library-visits-1.csv"), rec.FilePath("library-visits-1.csv"))
}

func TestLoadAPIShapeKeepsOnlySavedResources(t *testing.T) {
	t.Parallel()

	ok := ResourceStatus{ID: "r1", Name: "Branches", Format: "csv", URL: "https://x/b.csv"}
	ok.MarkSaved("branches.csv")
	missing := ResourceStatus{ID: "r2", Name: "Orphan", Format: "pdf"}
	missing.MarkFailed("missing url")
	failed := ResourceStatus{ID: "r3", Name: "Broken", Format: "json", URL: "https://x/b.json"}
	failed.MarkFailed("error: unexpected status 500 Internal Server Error")

	dir := t.TempDir()
	path, err := Write(dir, &API{
		Dataset:   "library-branches",
		Title:     "Library branches",
		Resources: []ResourceStatus{ok, missing, failed},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, Validate(data))

	rec, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ShapeAPI, rec.Shape)
	assert.Equal(t, "library-branches", rec.Name)
	assert.Equal(t, []string{"branches.csv"}, rec.Files)
}

func TestParseToleratesAbsentOptionalKeys(t *testing.T) {
	t.Parallel()

	rec, err := Parse([]byte(`{"dataset_name": "Only a name"}`))
	require.NoError(t, err)
	assert.Equal(t, ShapeCatalog, rec.Shape)
	assert.Equal(t, "Only a name", rec.Name)
	assert.Empty(t, rec.Files)

	rec, err = Parse([]byte(`{"dataset": "slug", "title": null, "notes": null,
		"resources": [{"id": null, "saved_as": "/abs/path/file.csv", "ok": true}]}`))
	require.NoError(t, err)
	assert.Equal(t, ShapeAPI, rec.Shape)
	assert.Equal(t, []string{"/abs/path/file.csv"}, rec.Files)
	assert.Equal(t, "/abs/path/file.csv", rec.FilePath("/abs/path/file.csv"))
}

func TestParseUnknownShape(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte(`{"hello": "world"}`))
	require.ErrorIs(t, err, ErrUnknownShape)

	_, err = Parse([]byte(`[1,2,3]`))
	require.Error(t, err)
}

func TestValidateReportsFieldErrors(t *testing.T) {
	t.Parallel()

	err := Validate([]byte(`{"dataset_name": "x", "source_url": 7, "saved_files": [""]}`))
	var ve *ValidationError
	require.True(t, errors.As(err, &ve), "expected ValidationError, got %v", err)
	assert.Equal(t, ShapeCatalog, ve.Shape)

	fields := map[string]bool{}
	for _, fe := range ve.Errors {
		fields[fe.Field] = true
	}
	assert.True(t, fields["source_url"], "fields: %v", fields)
	assert.True(t, fields["(root)"], "missing required keys report at root: %v", fields)
	assert.True(t, fields["saved_files.0"], "fields: %v", fields)
	assert.Contains(t, err.Error(), "catalog manifest validation failed")
}

func TestValidateAPIResourceTypes(t *testing.T) {
	t.Parallel()

	err := Validate([]byte(`{"dataset": "d", "title": "t", "notes": "n",
		"resources": [{"id": "1", "name": "n", "format": "csv", "url": "u", "saved_as": null, "ok": "yes", "error": null}]}`))
	var ve *ValidationError
	require.True(t, errors.As(err, &ve), "expected ValidationError, got %v", err)
	assert.Equal(t, "resources.0.ok", ve.Errors[0].Field)
}

func TestValidateUnknownShape(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, Validate([]byte(`{}`)), ErrUnknownShape)
	require.Error(t, Validate([]byte(`not json`)))
}
