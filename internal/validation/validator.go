package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/devrev/pairdb/fieldstore/internal/errors"
	"github.com/devrev/pairdb/fieldstore/internal/model"
)

const (
	// Size limits
	MaxIDSize         = 256
	MaxRelationCount  = 512
	MaxRelationTarget = 10000

	// DesignPrefix marks engine-internal documents that never surface as resources
	DesignPrefix = "_design/"
)

// Validator checks document structure before it reaches the engine
type Validator struct {
	maxIDSize int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{maxIDSize: MaxIDSize}
}

// ValidateNew validates a document submitted for creation
func (v *Validator) ValidateNew(doc *model.NewDocument) error {
	if doc == nil {
		return errors.InvalidDocument("", "document is nil")
	}
	if doc.Resource.ID != "" {
		if err := v.ValidateID(doc.Resource.ID); err != nil {
			return err
		}
	}
	return v.validateResource(&doc.Resource)
}

// ValidateResource validates a document submitted for update
func (v *Validator) ValidateResource(doc *model.Document) error {
	if doc == nil {
		return errors.InvalidDocument("", "document is nil")
	}
	if err := v.ValidateID(doc.Resource.ID); err != nil {
		return err
	}
	return v.validateResource(&doc.Resource)
}

// ValidateStored validates a document read back from the engine
func (v *Validator) ValidateStored(doc *model.Document) error {
	if err := v.ValidateResource(doc); err != nil {
		return err
	}
	id := doc.Resource.ID
	if doc.Created.Date.IsZero() {
		return errors.InvalidDocument(id, "created date missing")
	}
	if doc.Modified == nil {
		return errors.InvalidDocument(id, "modified history missing")
	}
	if doc.Resource.Relations == nil {
		return errors.InvalidDocument(id, "relations missing")
	}
	return nil
}

// ValidateID validates a resource id
func (v *Validator) ValidateID(id string) error {
	if id == "" {
		return errors.NoResourceID()
	}
	if len(id) > v.maxIDSize {
		return errors.InvalidDocument(id, fmt.Sprintf("id exceeds maximum size of %d bytes", v.maxIDSize))
	}
	if strings.HasPrefix(id, DesignPrefix) {
		return errors.InvalidDocument(id, "id uses reserved prefix")
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return errors.InvalidDocument(id, "id cannot contain control characters")
		}
	}
	return nil
}

func (v *Validator) validateResource(r *model.Resource) error {
	if strings.TrimSpace(r.Category) == "" {
		return errors.InvalidDocument(r.ID, "category missing")
	}
	if len(r.Relations) > MaxRelationCount {
		return errors.InvalidDocument(r.ID, fmt.Sprintf("too many relations: %d > %d", len(r.Relations), MaxRelationCount))
	}
	for name, targets := range r.Relations {
		if name == "" {
			return errors.InvalidDocument(r.ID, "relation name cannot be empty")
		}
		if len(targets) > MaxRelationTarget {
			return errors.InvalidDocument(r.ID, fmt.Sprintf("relation %s has too many targets", name))
		}
	}
	return nil
}

// IsDesignID reports whether id belongs to an engine-internal document
func IsDesignID(id string) bool {
	return strings.HasPrefix(id, DesignPrefix)
}
