package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Record is the shape-independent view of a manifest consumed by the
// normalizer and the inventory.
type Record struct {
	Path      string
	Dir       string
	Shape     Shape
	Name      string
	SourceURL string
	// Files lists saved artifacts relative to Dir, in manifest order.
	Files []string
}

// FilePath joins a listed file onto the manifest's directory.
func (r Record) FilePath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(r.Dir, filepath.FromSlash(name))
}

// Load reads path and returns its common view. Either layout is accepted and
// absent optional keys are treated as empty.
func Load(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, fmt.Errorf("read manifest: %w", err)
	}
	rec, err := Parse(data)
	if err != nil {
		return Record{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	rec.Path = path
	rec.Dir = filepath.Dir(path)
	return rec, nil
}

type looseManifest struct {
	DatasetName *string   `json:"dataset_name"`
	SourceURL   string    `json:"source_url"`
	SavedFiles  []*string `json:"saved_files"`
	Dataset     *string   `json:"dataset"`
	Title       *string   `json:"title"`
	Resources   []struct {
		SavedAs *string `json:"saved_as"`
		OK      bool    `json:"ok"`
	} `json:"resources"`
}

// Parse decodes manifest bytes without touching the filesystem.
func Parse(data []byte) (Record, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return Record{}, fmt.Errorf("decode manifest: %w", err)
	}
	shape, err := detectShape(keys)
	if err != nil {
		return Record{}, err
	}

	var loose looseManifest
	if err := json.Unmarshal(data, &loose); err != nil {
		return Record{}, fmt.Errorf("decode manifest fields: %w", err)
	}

	rec := Record{Shape: shape, SourceURL: loose.SourceURL, Files: []string{}}
	switch shape {
	case ShapeCatalog:
		rec.Name = deref(loose.DatasetName)
		for _, f := range loose.SavedFiles {
			if f != nil && *f != "" {
				rec.Files = append(rec.Files, *f)
			}
		}
	case ShapeAPI:
		rec.Name = deref(loose.Dataset)
		if rec.Name == "" {
			rec.Name = deref(loose.Title)
		}
		for _, res := range loose.Resources {
			if res.OK && res.SavedAs != nil && *res.SavedAs != "" {
				rec.Files = append(rec.Files, *res.SavedAs)
			}
		}
	}
	return rec, nil
}

func detectShape(keys map[string]json.RawMessage) (Shape, error) {
	if _, ok := keys["saved_files"]; ok {
		return ShapeCatalog, nil
	}
	if _, ok := keys["dataset_name"]; ok {
		return ShapeCatalog, nil
	}
	if _, ok := keys["resources"]; ok {
		return ShapeAPI, nil
	}
	if _, ok := keys["dataset"]; ok {
		return ShapeAPI, nil
	}
	return "", ErrUnknownShape
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
