package engine

import (
	"encoding/json"
	"errors"
)

var (
	// ErrNotFound is returned for unknown documents or revisions
	ErrNotFound = errors.New("engine: not found")
	// ErrConflict is returned when the given revision is not an open leaf
	ErrConflict = errors.New("engine: revision conflict")
)

// RevStatus describes whether a revision body is still held
type RevStatus string

const (
	StatusAvailable RevStatus = "available"
	StatusMissing   RevStatus = "missing"
	StatusDeleted   RevStatus = "deleted"
)

// RevInfo is one step of a revision's ancestry
type RevInfo struct {
	Rev    string    `json:"rev"`
	Status RevStatus `json:"status"`
}

// Revision is a node of a document's revision tree as exchanged with peers
type Revision struct {
	Rev     string          `json:"rev"`
	Parent  string          `json:"parent,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// Record is a revision read back from the engine
type Record struct {
	ID        string
	Rev       string
	Body      json.RawMessage
	Conflicts []string
	RevsInfo  []RevInfo
}

// GetOptions selects a revision and the metadata to include
type GetOptions struct {
	// Rev reads a specific revision instead of the winner
	Rev       string
	Conflicts bool
	RevsInfo  bool
}

// Change is the latest change of one document in the sequence
type Change struct {
	Seq     uint64 `json:"seq"`
	ID      string `json:"id"`
	Rev     string `json:"rev"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Stats summarizes engine state
type Stats struct {
	Documents int
	Seq       uint64
}
