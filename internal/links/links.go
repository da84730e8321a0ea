// Package links finds downloadable dataset files referenced by an HTML page.
package links

import (
	"fmt"
	"html"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// FileExtensions is the allowlist of path extensions treated as downloadable files.
var FileExtensions = map[string]struct{}{
	".csv":     {},
	".tsv":     {},
	".xls":     {},
	".xlsx":    {},
	".zip":     {},
	".json":    {},
	".geojson": {},
	".shp":     {},
	".gdb":     {},
	".xml":     {},
	".kml":     {},
	".kmz":     {},
	".pdf":     {},
}

// Extract returns the distinct anchor targets on the page whose path extension is
// in FileExtensions, resolved against pageURL, in first-occurrence order.
// A page with no matching anchors yields an empty, non-nil slice.
func Extract(pageURL, htmlText string) ([]string, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlText))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	seen := make(map[string]struct{})
	out := []string{}
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(html.UnescapeString(href))
		if href == "" {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return // malformed hrefs are not links
		}
		resolved := base.ResolveReference(ref)
		switch strings.ToLower(resolved.Scheme) {
		case "http", "https":
		default:
			return
		}
		if !hasFileExtension(resolved.Path) {
			return
		}
		s := resolved.String()
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	})
	return out, nil
}

// IsFileURL reports whether raw already points at a downloadable file.
func IsFileURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return hasFileExtension(u.Path)
}

// PathExt returns the extension of the final path segment, including the dot.
// Dot-files and names ending in a dot have no extension; case is preserved.
func PathExt(p string) string {
	name := path.Base(strings.TrimRight(p, "/"))
	i := strings.LastIndex(name, ".")
	if i <= 0 || i == len(name)-1 {
		return ""
	}
	return name[i:]
}

// URLExt returns PathExt of the URL's path, or "" when raw does not parse.
func URLExt(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return PathExt(u.Path)
}

func hasFileExtension(p string) bool {
	_, ok := FileExtensions[strings.ToLower(PathExt(p))]
	return ok
}
