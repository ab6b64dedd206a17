// Package uuid provides identifier generation and validation for queued
// actions and client-created entities.
package uuid

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// Canonical lowercase/uppercase form with dashes and RFC 4122 variant bits,
// version 4 (random) or 7 (time-ordered).
var canonicalRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[47][0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a random UUID v4, used for client-created entity IDs.
func New() string {
	return uuid.New().String()
}

// NewOrdered generates a time-ordered UUID v7, used for action IDs so that
// IDs sort in enqueue order when inspected outside the queue.
func NewOrdered() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Parse parses s and rejects versions other than 4 and 7.
func Parse(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid UUID: %w", err)
	}
	if v := id.Version(); v != 4 && v != 7 {
		return uuid.Nil, fmt.Errorf("expected UUID v4 or v7, got v%d", v)
	}
	return id, nil
}

// IsValid checks if s is a canonical UUID v4 or v7.
func IsValid(s string) bool {
	return canonicalRegex.MatchString(s)
}

// Validate returns an error if s is not a canonical UUID v4 or v7.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID format: %q", s)
	}
	return nil
}
