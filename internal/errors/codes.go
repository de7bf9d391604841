package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies datastore failures
type Kind int

const (
	// KindGeneric covers transport and engine failures
	KindGeneric Kind = iota
	KindInvalidDocument
	KindDocumentNotFound
	KindResourceIDExists
	KindNoResourceID
	KindSaveConflict
)

// String returns the wire name of the kind
func (k Kind) String() string {
	switch k {
	case KindInvalidDocument:
		return "INVALID_DOCUMENT"
	case KindDocumentNotFound:
		return "DOCUMENT_NOT_FOUND"
	case KindResourceIDExists:
		return "RESOURCE_ID_EXISTS"
	case KindNoResourceID:
		return "DOCUMENT_NO_RESOURCE_ID"
	case KindSaveConflict:
		return "SAVE_CONFLICT"
	default:
		return "GENERIC_ERROR"
	}
}

// DatastoreError represents a structured error with kind and context
type DatastoreError struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *DatastoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *DatastoreError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a DatastoreError of the same kind
func (e *DatastoreError) Is(target error) bool {
	t, ok := target.(*DatastoreError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// HTTPStatus maps the error kind to an HTTP status code
func (e *DatastoreError) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidDocument, KindNoResourceID:
		return http.StatusBadRequest
	case KindDocumentNotFound:
		return http.StatusNotFound
	case KindResourceIDExists, KindSaveConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// New creates a new DatastoreError
func New(kind Kind, message string, cause error) *DatastoreError {
	return &DatastoreError{
		Kind:    kind,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *DatastoreError) WithDetail(key string, value interface{}) *DatastoreError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidDocument(id, reason string) *DatastoreError {
	return New(KindInvalidDocument, fmt.Sprintf("invalid document %q: %s", id, reason), nil).
		WithDetail("id", id)
}

func DocumentNotFound(id string) *DatastoreError {
	return New(KindDocumentNotFound, fmt.Sprintf("document not found: %s", id), nil).
		WithDetail("id", id)
}

func ResourceIDExists(id string) *DatastoreError {
	return New(KindResourceIDExists, fmt.Sprintf("resource id already exists: %s", id), nil).
		WithDetail("id", id)
}

func NoResourceID() *DatastoreError {
	return New(KindNoResourceID, "document has no resource id", nil)
}

func SaveConflict(id, rev string, cause error) *DatastoreError {
	return New(KindSaveConflict, fmt.Sprintf("revision %s of %s is not current", rev, id), cause).
		WithDetail("id", id).
		WithDetail("rev", rev)
}

func Generic(message string, cause error) *DatastoreError {
	return New(KindGeneric, message, cause)
}

// KindOf extracts the kind from an error chain; unknown errors are generic
func KindOf(err error) Kind {
	var de *DatastoreError
	if stderrors.As(err, &de) {
		return de.Kind
	}
	return KindGeneric
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	var de *DatastoreError
	if !stderrors.As(err, &de) {
		return false
	}
	return de.Kind == kind
}

// IsNotFound is shorthand for IsKind(err, KindDocumentNotFound)
func IsNotFound(err error) bool {
	return IsKind(err, KindDocumentNotFound)
}

// IsSaveConflict is shorthand for IsKind(err, KindSaveConflict)
func IsSaveConflict(err error) bool {
	return IsKind(err, KindSaveConflict)
}
