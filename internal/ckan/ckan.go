// Package ckan talks to a CKAN open-data portal's action API.
package ckan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/JakeFAU/opendata-harvester/internal/links"
	"github.com/JakeFAU/opendata-harvester/internal/pipeline"
)

var (
	// ErrPackageNotFound is returned when the portal has no dataset with the slug.
	ErrPackageNotFound = errors.New("ckan package not found")
	// ErrForeignPortal is returned for dataset URLs on another host.
	ErrForeignPortal = errors.New("not a dataset URL for this portal")
)

// Resource is one downloadable item attached to a package.
type Resource struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Format string `json:"format"`
	URL    string `json:"url"`
}

// Package is the subset of package_show we use.
type Package struct {
	Name      string     `json:"name"`
	Title     string     `json:"title"`
	Notes     string     `json:"notes"`
	Resources []Resource `json:"resources"`
}

type response struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Message string `json:"message"`
		Type    string `json:"__type"`
	} `json:"error"`
}

// Client issues package_show calls through a Fetcher.
type Client struct {
	apiBase    string
	portalHost string
	fetcher    pipeline.Fetcher
}

// NewClient builds a Client. apiBase is the action endpoint, for example
// https://data.nsw.gov.au/data/api/3/action.
func NewClient(apiBase, portalHost string, fetcher pipeline.Fetcher) *Client {
	return &Client{
		apiBase:    strings.TrimRight(apiBase, "/"),
		portalHost: strings.ToLower(portalHost),
		fetcher:    fetcher,
	}
}

// SlugFromRef accepts a bare slug or a portal dataset URL and returns the
// slug. URLs take the segment after "dataset", else the last segment.
func (c *Client) SlugFromRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	u, err := url.Parse(ref)
	if err != nil || u.Scheme == "" {
		if ref == "" {
			return "", errors.New("empty dataset reference")
		}
		return ref, nil
	}
	if c.portalHost != "" && !strings.Contains(strings.ToLower(u.Host), c.portalHost) {
		return "", fmt.Errorf("%w: %s", ErrForeignPortal, ref)
	}
	var parts []string
	for _, p := range strings.Split(u.Path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("no dataset slug in %s", ref)
	}
	for i, p := range parts {
		if p == "dataset" && i+1 < len(parts) {
			return parts[i+1], nil
		}
	}
	return parts[len(parts)-1], nil
}

// PackageShow fetches one package. A success=false reply or a 404 maps to
// ErrPackageNotFound.
func (c *Client) PackageShow(ctx context.Context, slug string) (Package, error) {
	endpoint := c.apiBase + "/package_show?" + url.Values{"id": {slug}}.Encode()
	page, err := c.fetcher.Fetch(ctx, endpoint)
	if err != nil {
		var statusErr *pipeline.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return Package{}, fmt.Errorf("%w: %s", ErrPackageNotFound, slug)
		}
		return Package{}, fmt.Errorf("package_show %s: %w", slug, err)
	}

	var resp response
	if err := json.Unmarshal(page.Body, &resp); err != nil {
		return Package{}, fmt.Errorf("decode package_show %s: %w", slug, err)
	}
	if !resp.Success {
		msg := "unknown error"
		if resp.Error != nil && resp.Error.Message != "" {
			msg = resp.Error.Message
		}
		return Package{}, fmt.Errorf("%w: %s: %s", ErrPackageNotFound, slug, msg)
	}
	var pkg Package
	if err := json.Unmarshal(resp.Result, &pkg); err != nil {
		return Package{}, fmt.Errorf("decode package %s: %w", slug, err)
	}
	return pkg, nil
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-z0-9._-]+`)

// SafeFilename lower-cases name, collapses runs outside [a-z0-9._-] into a
// hyphen and trims leading and trailing "-._". Empty results become "file".
func SafeFilename(name string) string {
	s := unsafeFilenameChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
	s = strings.Trim(s, "-._")
	if s == "" {
		return "file"
	}
	return s
}

// DisplayName is the resource name, falling back to its id, then "resource".
func (r Resource) DisplayName() string {
	switch {
	case r.Name != "":
		return r.Name
	case r.ID != "":
		return r.ID
	default:
		return "resource"
	}
}

// Filename derives a local filename: SafeFilename(DisplayName) plus the URL
// path's extension, or the format hint when the path has none.
func (r Resource) Filename() string {
	base, ext := r.FilenameParts()
	return base + ext
}

// FilenameParts splits Filename into its base and extension.
func (r Resource) FilenameParts() (string, string) {
	ext := links.URLExt(r.URL)
	if ext == "" {
		if f := strings.ToLower(r.Format); f != "" {
			if !strings.HasPrefix(f, ".") {
				f = "." + f
			}
			ext = f
		}
	}
	return SafeFilename(r.DisplayName()), ext
}
