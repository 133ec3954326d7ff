package models

import "github.com/google/uuid"

// NewID returns a fresh entity id. Version-7 UUIDs are time-ordered, so
// primary-key scans of append-only families come back in creation order.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
