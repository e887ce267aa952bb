package models

import "github.com/google/uuid"

// NewID returns a fresh primary key for any model.
func NewID() string {
	return uuid.NewString()
}

// ensureID assigns a new ID when the row does not carry one yet.
func ensureID(id *string) {
	if *id == "" {
		*id = NewID()
	}
}
