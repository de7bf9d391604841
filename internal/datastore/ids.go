package datastore

import "github.com/google/uuid"

// IDGenerator produces resource ids for documents created without one
type IDGenerator interface {
	GenerateID() string
}

// UUIDGenerator issues random version 4 UUIDs
type UUIDGenerator struct{}

// GenerateID returns a new UUID string
func (UUIDGenerator) GenerateID() string {
	return uuid.NewString()
}
