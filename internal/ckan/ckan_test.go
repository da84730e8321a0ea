package ckan

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/opendata-harvester/internal/pipeline"
)

type stubFetcher struct {
	pages map[string]pipeline.Page
	errs  map[string]error
	urls  []string
}

func (s *stubFetcher) Fetch(_ context.Context, url string) (pipeline.Page, error) {
	s.urls = append(s.urls, url)
	if err, ok := s.errs[url]; ok {
		return pipeline.Page{}, err
	}
	if page, ok := s.pages[url]; ok {
		return page, nil
	}
	return pipeline.Page{}, &pipeline.StatusError{StatusCode: http.StatusNotFound, Err: errors.New("Not Found")}
}

const apiBase = "https://data.nsw.gov.au/data/api/3/action"

func TestSlugFromRef(t *testing.T) {
	t.Parallel()

	c := NewClient(apiBase, "data.nsw.gov.au", &stubFetcher{})
	cases := map[string]string{
		"library-branches":                                                 "library-branches",
		"  library-branches  ":                                             "library-branches",
		"https://data.nsw.gov.au/data/dataset/library-branches":            "library-branches",
		"https://data.nsw.gov.au/data/dataset/library-branches/resource/x": "library-branches",
		"https://data.nsw.gov.au/data/organization/libraries/":             "libraries",
	}
	for in, want := range cases {
		got, err := c.SlugFromRef(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := c.SlugFromRef("https://data.gov.au/dataset/other")
	require.ErrorIs(t, err, ErrForeignPortal)

	_, err = c.SlugFromRef("https://data.nsw.gov.au/")
	require.Error(t, err)

	_, err = c.SlugFromRef("   ")
	require.Error(t, err)
}

func TestPackageShow(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{pages: map[string]pipeline.Page{
		apiBase + "/package_show?id=library-branches": {Body: []byte(`{
			"success": true,
			"result":  {
				"name":      "library-branches",
				"title":     "Library Branches",
				"notes":     null,
				"resources": [
					{"id": "r1", "name": "Branches CSV", "format": "CSV", "url": "https://x/branches.csv"},
					{"id": "r2", "name": null, "format": "GeoJSON", "url": null}
				]
			}
		}`)},
	}}
	c := NewClient(apiBase+"/", "data.nsw.gov.au", fetcher)

	pkg, err := c.PackageShow(context.Background(), "library-branches")
	require.NoError(t, err)
	assert.Equal(t, "Library Branches", pkg.Title)
	assert.Empty(t, pkg.Notes)
	require.Len(t, pkg.Resources, 2)
	assert.Equal(t, "r2", pkg.Resources[1].DisplayName())
	assert.Empty(t, pkg.Resources[1].URL)
	assert.Equal(t, []string{apiBase + "/package_show?id=library-branches"}, fetcher.urls)
}

func TestPackageShowFailures(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{
		pages: map[string]pipeline.Page{
			apiBase + "/package_show?id=refused": {Body: []byte(`{"success": false, "error": {"message": "Not found", "__type": "Not Found Error"}}`)},
			apiBase + "/package_show?id=garbled": {Body: []byte(`<html>`)},
		},
		errs: map[string]error{
			apiBase + "/package_show?id=down": errors.New("connection refused"),
		},
	}
	c := NewClient(apiBase, "data.nsw.gov.au", fetcher)
	ctx := context.Background()

	_, err := c.PackageShow(ctx, "missing")
	require.ErrorIs(t, err, ErrPackageNotFound)

	_, err = c.PackageShow(ctx, "refused")
	require.ErrorIs(t, err, ErrPackageNotFound)
	assert.Contains(t, err.Error(), "Not found")

	_, err = c.PackageShow(ctx, "garbled")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPackageNotFound)

	_, err = c.PackageShow(ctx, "down")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPackageNotFound)
}

func TestSafeFilename(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Branch Locations (2023)": "branch-locations-2023",
		"  ..Hidden.File..  ":     "hidden.file",
		"Données":                 "donn-es",
		"---":                     "file",
		"":                        "file",
		"keep_under.score-ok":     "keep_under.score-ok",
	}
	for in, want := range cases {
		assert.Equal(t, want, SafeFilename(in), in)
	}
}

func TestResourceFilename(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "branches.csv", Resource{Name: "Branches", URL: "https://x/data/file.csv"}.Filename())
	assert.Equal(t, "branches.geojson", Resource{Name: "Branches", Format: "GeoJSON", URL: "https://x/api/download"}.Filename())
	assert.Equal(t, "branches.zip", Resource{Name: "Branches", Format: ".ZIP", URL: "https://x/api/download"}.Filename())
	assert.Equal(t, "abc-123", Resource{ID: "ABC 123", URL: "https://x/api/download"}.Filename())
	assert.Equal(t, "resource", Resource{}.Filename())
}
