package manifest

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

var schemaFiles = map[Shape]string{
	ShapeCatalog: "schemas/catalog.schema.json",
	ShapeAPI:     "schemas/api.schema.json",
}

// ValidationError lists every schema violation found in a manifest.
type ValidationError struct {
	Shape  Shape
	Errors []FieldError
}

// FieldError represents a single violation at a specific field.
type FieldError struct {
	Field   string
	Message string
}

func (ve *ValidationError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s manifest validation failed:", ve.Shape)
	for i, err := range ve.Errors {
		fmt.Fprintf(&sb, "\n  %d. %s: %s", i+1, err.Field, err.Message)
	}
	return sb.String()
}

// Validate checks data against the embedded schema for its layout.
// It returns ErrUnknownShape when neither layout applies and *ValidationError
// when the layout is recognized but the document violates it.
func Validate(data []byte) error {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return fmt.Errorf("decode manifest: %w", err)
	}
	shape, err := detectShape(keys)
	if err != nil {
		return err
	}

	schema, err := schemaFS.ReadFile(schemaFiles[shape])
	if err != nil {
		return fmt.Errorf("load %s schema: %w", shape, err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return fmt.Errorf("validate %s manifest: %w", shape, err)
	}
	if result.Valid() {
		return nil
	}

	validationErr := &ValidationError{
		Shape:  shape,
		Errors: make([]FieldError, 0, len(result.Errors())),
	}
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "" {
			field = "(root)"
		}
		validationErr.Errors = append(validationErr.Errors, FieldError{
			Field:   field,
			Message: desc.Description(),
		})
	}
	return validationErr
}
