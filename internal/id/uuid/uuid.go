// Package uuid generates crawl job and request identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator implements crawler.IDGenerator with time-ordered UUIDv7 values,
// so job IDs sort roughly by discovery time.
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

// NewRequestID returns a random UUIDv4 string for correlating API requests.
func (Generator) NewRequestID() string {
	return uuid.NewString()
}

// Valid reports whether s parses as a UUID. Used to reject malformed job IDs
// before they reach the store.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}
