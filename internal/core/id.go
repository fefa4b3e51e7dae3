package core

import "github.com/google/uuid"

// NewID returns a fresh identifier for operations and rooms.
func NewID() string {
	return uuid.NewString()
}
