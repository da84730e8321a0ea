// Package uuid generates run identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator hands out UUIDv7 run ids. They sort by creation time, so ledger
// rows from one run cluster together and later runs sort after earlier ones.
type Generator struct{}

// New returns a Generator.
func New() *Generator { return &Generator{} }

// NewID returns a fresh run id.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return id.String(), nil
}
