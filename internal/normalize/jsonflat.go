package normalize

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// object is a JSON object that remembers key order.
type object struct {
	keys   []string
	values map[string]json.RawMessage
}

func (o *object) get(key string) (json.RawMessage, bool) {
	if o == nil {
		return nil, false
	}
	v, ok := o.values[key]
	return v, ok
}

// keyUnion collects keys in first-seen order across many objects.
type keyUnion struct {
	keys []string
	seen map[string]struct{}
}

func newKeyUnion() *keyUnion {
	return &keyUnion{seen: make(map[string]struct{})}
}

func (u *keyUnion) add(o *object) {
	if o == nil {
		return
	}
	for _, k := range o.keys {
		if _, ok := u.seen[k]; ok {
			continue
		}
		u.seen[k] = struct{}{}
		u.keys = append(u.keys, k)
	}
}

// convertJSON flattens GeoJSON FeatureCollections, arrays of objects and
// objects holding an "items" array. Anything else, including malformed
// JSON, produces no output.
func (n *Normalizer) convertJSON(_ context.Context, job Job) ([]string, error) {
	data, err := os.ReadFile(job.Src)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", job.Src, err)
	}
	data = bytes.ToValidUTF8(data, nil)
	if !json.Valid(data) {
		return nil, nil
	}

	header, rows, ok := flattenDocument(data)
	if !ok {
		return nil, nil
	}

	out := filepath.Join(job.OutDir, job.Stem+".csv")
	err = writeCSV(out, func(w *csv.Writer) error {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
		for _, row := range rows {
			if err := w.Write(row); err != nil {
				return fmt.Errorf("write row: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return []string{out}, nil
}

// flattenDocument applies the three recognized shapes in priority order.
func flattenDocument(data []byte) ([]string, [][]string, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil, false
	}
	switch trimmed[0] {
	case '{':
		root, ok := decodeObject(trimmed)
		if !ok {
			return nil, nil, false
		}
		if isFeatureCollection(root) {
			header, rows := flattenFeatures(root)
			return header, rows, true
		}
		if items, ok := root.get("items"); ok {
			return flattenObjectArray(items)
		}
	case '[':
		return flattenObjectArray(trimmed)
	}
	return nil, nil, false
}

func isFeatureCollection(root *object) bool {
	typ, ok := root.get("type")
	if !ok {
		return false
	}
	var s string
	if err := json.Unmarshal(typ, &s); err != nil || s != "FeatureCollection" {
		return false
	}
	_, hasFeatures := root.get("features")
	return hasFeatures
}

func flattenFeatures(root *object) ([]string, [][]string) {
	raw, _ := root.get("features")
	var features []json.RawMessage
	if err := json.Unmarshal(raw, &features); err != nil {
		features = nil
	}

	type feature struct {
		geometry   json.RawMessage
		properties *object
	}
	parsed := make([]feature, 0, len(features))
	union := newKeyUnion()
	for _, f := range features {
		obj, ok := decodeObject(f)
		if !ok {
			continue
		}
		var props *object
		if rawProps, ok := obj.get("properties"); ok {
			props, _ = decodeObject(rawProps)
		}
		union.add(props)
		geom, _ := obj.get("geometry")
		parsed = append(parsed, feature{geometry: geom, properties: props})
	}

	header := append([]string{"geometry_type", "geometry"}, union.keys...)
	rows := make([][]string, 0, len(parsed))
	for _, f := range parsed {
		geomType, geomText := describeGeometry(f.geometry)
		row := make([]string, 0, len(header))
		row = append(row, geomType, geomText)
		for _, k := range union.keys {
			v, _ := f.properties.get(k)
			row = append(row, stringify(v))
		}
		rows = append(rows, row)
	}
	return header, rows
}

// describeGeometry returns the geometry's type and its compact JSON text.
// A missing or null geometry is written as an empty object.
func describeGeometry(raw json.RawMessage) (string, string) {
	if isNull(raw) {
		return "", "{}"
	}
	var geomType string
	if obj, ok := decodeObject(raw); ok {
		if t, ok := obj.get("type"); ok {
			geomType = stringify(t)
		}
	}
	return geomType, compact(raw)
}

// flattenObjectArray accepts a JSON array whose first element is an object.
// Non-object elements contribute neither columns nor rows.
func flattenObjectArray(raw json.RawMessage) ([]string, [][]string, bool) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil || len(elems) == 0 {
		return nil, nil, false
	}
	first, ok := decodeObject(elems[0])
	if !ok {
		return nil, nil, false
	}

	objs := []*object{first}
	for _, e := range elems[1:] {
		if obj, ok := decodeObject(e); ok {
			objs = append(objs, obj)
		}
	}

	union := newKeyUnion()
	for _, o := range objs {
		union.add(o)
	}
	rows := make([][]string, 0, len(objs))
	for _, o := range objs {
		row := make([]string, 0, len(union.keys))
		for _, k := range union.keys {
			v, _ := o.get(k)
			row = append(row, stringify(v))
		}
		rows = append(rows, row)
	}
	return union.keys, rows, true
}

// decodeObject reads a JSON object preserving key order. Duplicate keys keep
// their first position and their last value.
func decodeObject(raw json.RawMessage) (*object, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, false
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, false
	}
	obj := &object{values: make(map[string]json.RawMessage)}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, false
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, false
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, false
		}
		if _, dup := obj.values[key]; !dup {
			obj.keys = append(obj.keys, key)
		}
		obj.values[key] = value
	}
	return obj, true
}

// stringify renders one JSON value as a CSV cell: strings unquoted, numbers
// and booleans as written, composites as compact JSON, null as empty.
func stringify(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ""
	}
	switch trimmed[0] {
	case 'n':
		return ""
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return strings.Trim(string(trimmed), `"`)
		}
		return s
	case '{', '[':
		return compact(trimmed)
	default:
		return string(trimmed)
	}
}

func compact(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(bytes.TrimSpace(raw))
	}
	return buf.String()
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
