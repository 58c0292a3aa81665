package idgen

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewRunID returns a UUIDv7 run identifier. UUIDv7 keeps run IDs roughly
// time-ordered; generation failure falls back to a random UUIDv4.
func NewRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewEventID returns a ULID event identifier, lexically sortable by creation
// time within one process.
func NewEventID() string {
	return ulid.Make().String()
}
