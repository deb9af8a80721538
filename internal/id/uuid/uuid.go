// Package uuid generates correlation ids for polling epochs.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 correlation ids so that server-side
// logs sort by epoch start.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Valid reports whether s parses as a UUID of any version. The job server
// accepts opaque ids, so this only tags status spans.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
