// Package catalog reads the flat dataset catalog that drives catalog
// ingestion and splits it into one file per dataset.
package catalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/JakeFAU/opendata-harvester/internal/fsutil"
)

// Column headers the catalog must carry.
const (
	ColumnName = "Dataset Name"
	ColumnURL  = "Direct Link"
)

// MaxSlugLen caps dataset directory names.
const MaxSlugLen = 120

// ErrEmpty is returned for a catalog without a header row.
var ErrEmpty = errors.New("catalog is empty")

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

// Entry is one (name, url) pair from the catalog.
type Entry struct {
	Name string
	URL  string
}

// Slugify lower-cases text and collapses every run of characters outside
// [a-z0-9] into one hyphen. Empty results become "dataset".
func Slugify(text string) string {
	slug := nonSlugChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(text)), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "dataset"
	}
	return slug
}

// DatasetSlug is Slugify truncated to MaxSlugLen.
func DatasetSlug(name string) string {
	slug := Slugify(name)
	if len(slug) > MaxSlugLen {
		slug = slug[:MaxSlugLen]
	}
	return slug
}

// table is a header plus the rows mapped onto it.
type table struct {
	header []string
	rows   [][]string
}

func (t table) value(row []string, column string) string {
	for i, h := range t.header {
		if h == column {
			if i < len(row) {
				return row[i]
			}
			return ""
		}
	}
	return ""
}

func readTable(path string) (table, error) {
	f, err := os.Open(path)
	if err != nil {
		return table{}, fmt.Errorf("open catalog: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.LazyQuotes = true
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return table{}, ErrEmpty
	}
	if err != nil {
		return table{}, fmt.Errorf("read catalog header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\uFEFF")
	}

	t := table{header: header}
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return table{}, fmt.Errorf("read catalog row: %w", err)
		}
		t.rows = append(t.rows, row)
	}
	return t, nil
}

// Read loads every catalog row in file order. Rows with an empty name get
// "dataset"; rows with an empty URL are kept and left for the caller to skip.
func Read(path string) ([]Entry, error) {
	t, err := readTable(path)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(t.rows))
	for _, row := range t.rows {
		name := t.value(row, ColumnName)
		if name == "" {
			name = "dataset"
		}
		entries = append(entries, Entry{Name: name, URL: t.value(row, ColumnURL)})
	}
	return entries, nil
}

// Split writes each catalog row to outDir/<slug>.csv with the catalog's
// header. Values are trimmed; repeated slugs get -2, -3 suffixes. It returns
// the paths written, in catalog order.
func Split(catalogPath, outDir string) ([]string, error) {
	t, err := readTable(catalogPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	seen := make(map[string]bool, len(t.rows))
	written := make([]string, 0, len(t.rows))
	for _, row := range t.rows {
		clean := make([]string, len(t.header))
		for i := range t.header {
			if i < len(row) {
				clean[i] = strings.TrimSpace(row[i])
			}
		}
		name := strings.TrimSpace(t.value(row, ColumnName))
		if name == "" {
			name = "dataset"
		}
		slug := uniqueSlug(DatasetSlug(name), seen)

		out := filepath.Join(outDir, slug+".csv")
		err := fsutil.WriteAtomic(out, 0o644, func(w io.Writer) error {
			cw := csv.NewWriter(w)
			cw.UseCRLF = true
			if err := cw.Write(t.header); err != nil {
				return fmt.Errorf("write header: %w", err)
			}
			if err := cw.Write(clean); err != nil {
				return fmt.Errorf("write row: %w", err)
			}
			cw.Flush()
			return cw.Error()
		})
		if err != nil {
			return written, fmt.Errorf("write %s: %w", out, err)
		}
		written = append(written, out)
	}
	return written, nil
}

func uniqueSlug(base string, seen map[string]bool) string {
	slug := base
	for i := 2; seen[slug]; i++ {
		slug = base + "-" + strconv.Itoa(i)
	}
	seen[slug] = true
	return slug
}
