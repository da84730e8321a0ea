// Package inventory indexes every saved file recorded by the manifests under
// a raw data root.
package inventory

import (
	"encoding/csv"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/opendata-harvester/internal/fsutil"
	"github.com/JakeFAU/opendata-harvester/internal/manifest"
)

// SectionHeading opens the README section RefreshReadme maintains.
const SectionHeading = "## Data Inventory"

// Header is the inventory CSV header.
var Header = []string{"dataset_name", "source_url", "manifest_path", "file_path"}

var (
	sectionStart = regexp.MustCompile(`^##\s+Data Inventory\s*$`)
	nextSection  = regexp.MustCompile(`^##\s+[^#]`)
)

// Row is one saved file.
type Row struct {
	DatasetName  string `json:"dataset_name"`
	SourceURL    string `json:"source_url"`
	ManifestPath string `json:"manifest_path"`
	FilePath     string `json:"file_path"`
}

// Collect walks rawRoot for manifests and returns one row per listed file,
// sorted by dataset name then file path. Paths are reported relative to
// baseDir with forward slashes. Unreadable manifests are skipped.
func Collect(rawRoot, baseDir string, logger *zap.Logger) ([]Row, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := os.Stat(rawRoot); err != nil {
		return nil, fmt.Errorf("raw root %s: %w", rawRoot, err)
	}

	rows := []Row{}
	err := filepath.WalkDir(rawRoot, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			logger.Warn("walk raw root", zap.String("path", p), zap.Error(walkErr))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || d.Name() != manifest.FileName {
			return nil
		}
		rec, err := manifest.Load(p)
		if err != nil {
			logger.Debug("skipping unreadable manifest", zap.String("manifest", p), zap.Error(err))
			return nil
		}
		for _, name := range rec.Files {
			rows = append(rows, Row{
				DatasetName:  rec.Name,
				SourceURL:    rec.SourceURL,
				ManifestPath: relPath(baseDir, p),
				FilePath:     relPath(baseDir, rec.FilePath(name)),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk raw root: %w", err)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].DatasetName != rows[j].DatasetName {
			return rows[i].DatasetName < rows[j].DatasetName
		}
		return rows[i].FilePath < rows[j].FilePath
	})
	return rows, nil
}

func relPath(base, target string) string {
	if base != "" {
		if rel, err := filepath.Rel(base, target); err == nil {
			return filepath.ToSlash(rel)
		}
	}
	return filepath.ToSlash(target)
}

// WriteCSV replaces path with the inventory.
func WriteCSV(path string, rows []Row) error {
	return fsutil.WriteAtomic(path, 0o644, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		cw.UseCRLF = true
		if err := cw.Write(Header); err != nil {
			return fmt.Errorf("write inventory header: %w", err)
		}
		for _, r := range rows {
			if err := cw.Write([]string{r.DatasetName, r.SourceURL, r.ManifestPath, r.FilePath}); err != nil {
				return fmt.Errorf("write inventory row: %w", err)
			}
		}
		cw.Flush()
		return cw.Error()
	})
}

// Section renders the README section listing rows, ending in a newline.
func Section(inventoryRef string, rows []Row) string {
	lines := []string{
		SectionHeading,
		"",
		fmt.Sprintf("Below is an index of downloaded files discovered by the ingest commands. The list is generated from `%s`.", inventoryRef),
		"",
		fmt.Sprintf("- Inventory CSV: `%s`", inventoryRef),
		"",
		"### Files",
		"",
	}
	for _, r := range rows {
		lines = append(lines, fmt.Sprintf("- %s - [%s](%s)", r.DatasetName, r.FilePath, r.FilePath))
	}
	return strings.Join(lines, "\n") + "\n"
}

// RefreshReadme replaces the Data Inventory section of the README at path, up
// to the next level-two heading, or appends it. A missing README is created.
func RefreshReadme(path, inventoryRef string, rows []Row) error {
	section := Section(inventoryRef, rows)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		content := strings.Join([]string{
			"# Open Data Harvest",
			"",
			"Public datasets retrieved and normalized by harvester.",
			"",
			section,
		}, "\n")
		return writeText(path, content)
	}
	if err != nil {
		return fmt.Errorf("read readme: %w", err)
	}

	lines := splitLines(string(data))
	start := -1
	for i, line := range lines {
		if sectionStart.MatchString(strings.TrimSpace(line)) {
			start = i
			break
		}
	}
	if start < 0 {
		return writeText(path, strings.Join(append(lines, "", section), "\n"))
	}

	end := len(lines)
	for j := start + 1; j < len(lines); j++ {
		if nextSection.MatchString(strings.TrimSpace(lines[j])) {
			end = j
			break
		}
	}
	out := make([]string, 0, start+1+len(lines)-end)
	out = append(out, lines[:start]...)
	out = append(out, section)
	out = append(out, lines[end:]...)
	return writeText(path, strings.Join(out, "\n"))
}

// splitLines splits on line endings without producing a trailing empty line.
func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func writeText(path, content string) error {
	err := fsutil.WriteAtomic(path, 0o644, func(w io.Writer) error {
		_, err := io.WriteString(w, content)
		return err
	})
	if err != nil {
		return fmt.Errorf("write readme: %w", err)
	}
	return nil
}
