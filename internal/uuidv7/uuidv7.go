// Package uuidv7 generates time-ordered identifiers for listeners, bus
// subscriptions and client identities.
package uuidv7

import "github.com/google/uuid"

// New returns a fresh UUIDv7. It panics only if the system entropy source fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns New formatted in canonical form.
func NewString() string {
	return New().String()
}

// Valid reports whether s parses as a UUID of any version.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
