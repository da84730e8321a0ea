// Package manifest records what was attempted for a dataset and what was saved.
//
// Two JSON shapes exist. Catalog manifests come from page or direct-link
// ingestion and list saved filenames plus one note per attempt. API manifests
// come from CKAN ingestion and carry one status entry per upstream resource.
// Both are written as manifest.json inside the dataset directory and are
// replaced atomically on every run.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/JakeFAU/opendata-harvester/internal/fsutil"
)

// FileName is the manifest's name inside every dataset directory.
const FileName = "manifest.json"

// Shape identifies which manifest layout a document uses.
type Shape string

const (
	// ShapeCatalog is the page/direct-link ingestion layout.
	ShapeCatalog Shape = "catalog"
	// ShapeAPI is the CKAN ingestion layout.
	ShapeAPI Shape = "api"
)

// ErrUnknownShape is returned for JSON objects that match neither layout.
var ErrUnknownShape = errors.New("manifest: unknown shape")

// Document is implemented by both manifest layouts.
type Document interface {
	Shape() Shape
	normalized() Document
}

// Catalog is the manifest written by catalog ingestion.
type Catalog struct {
	DatasetName string   `json:"dataset_name"`
	SourceURL   string   `json:"source_url"`
	Domain      string   `json:"domain"`
	SavedFiles  []string `json:"saved_files"`
	Notes       []string `json:"notes"`
}

// NewCatalog starts an empty catalog manifest for one ingestion pass.
func NewCatalog(datasetName, sourceURL, domain string) *Catalog {
	return &Catalog{
		DatasetName: datasetName,
		SourceURL:   sourceURL,
		Domain:      domain,
		SavedFiles:  []string{},
		Notes:       []string{},
	}
}

// Shape implements Document.
func (c *Catalog) Shape() Shape { return ShapeCatalog }

// AddNote appends a free-text note for one resource attempt.
func (c *Catalog) AddNote(note string) {
	c.Notes = append(c.Notes, note)
}

// AddSaved records a filename that was downloaded successfully.
func (c *Catalog) AddSaved(filename string) {
	c.SavedFiles = append(c.SavedFiles, filename)
}

func (c *Catalog) normalized() Document {
	cp := *c
	if cp.SavedFiles == nil {
		cp.SavedFiles = []string{}
	}
	if cp.Notes == nil {
		cp.Notes = []string{}
	}
	return &cp
}

// API is the manifest written by CKAN ingestion.
type API struct {
	Dataset   string           `json:"dataset"`
	Title     string           `json:"title"`
	Notes     string           `json:"notes"`
	Resources []ResourceStatus `json:"resources"`
}

// Shape implements Document.
func (a *API) Shape() Shape { return ShapeAPI }

func (a *API) normalized() Document {
	cp := *a
	if cp.Resources == nil {
		cp.Resources = []ResourceStatus{}
	}
	return &cp
}

// ResourceStatus is the outcome for one upstream resource. SavedAs is relative
// to the manifest's directory and is null unless the download succeeded.
type ResourceStatus struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Format  string  `json:"format"`
	URL     string  `json:"url"`
	SavedAs *string `json:"saved_as"`
	OK      bool    `json:"ok"`
	Error   *string `json:"error"`
}

// MarkSaved flags the resource as downloaded to rel.
func (r *ResourceStatus) MarkSaved(rel string) {
	r.SavedAs = &rel
	r.OK = true
	r.Error = nil
}

// MarkFailed flags the resource as failed with msg.
func (r *ResourceStatus) MarkFailed(msg string) {
	r.SavedAs = nil
	r.OK = false
	r.Error = &msg
}

// Write replaces dir/manifest.json with doc and returns the path written.
// The directory is created when missing, so datasets with nothing saved still
// leave a manifest behind.
func Write(dir string, doc Document) (string, error) {
	if doc == nil {
		return "", fmt.Errorf("manifest document is required")
	}
	data, err := json.MarshalIndent(doc.normalized(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	data = append(data, '\n')

	path := filepath.Join(dir, FileName)
	if err := fsutil.WriteAtomic(path, 0o644, func(w io.Writer) error {
		_, werr := w.Write(data)
		return werr
	}); err != nil {
		return "", fmt.Errorf("write manifest %s: %w", path, err)
	}
	return path, nil
}
