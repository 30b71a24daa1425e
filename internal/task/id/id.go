// Package id provides unique identifier generation for tasks and images.
package id

import "github.com/google/uuid"

// Generate creates a new random identifier in canonical UUID form.
// Example: 550e8400-e29b-41d4-a716-446655440000
func Generate() string {
	return uuid.NewString()
}

// Valid reports whether s is a well-formed identifier.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}
