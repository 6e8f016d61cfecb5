package database

import (
	"errors"
	"sort"
	"strings"
)

// Error codes for the document layer
const (
	DOCUMENT_NOT_FOUND         = "DOCUMENT_NOT_FOUND"
	DOCUMENT_NOT_SAVED         = "DOCUMENT_NOT_SAVED"
	DOCUMENT_UPDATE_CONFLICT   = "DOCUMENT_UPDATE_CONFLICT"
	DOCUMENT_VALIDATION_FAILED = "DOCUMENT_VALIDATION_FAILED"
	DOCUMENT_DESTROYED         = "DOCUMENT_DESTROYED"
	DOCUMENT_NOT_PERSISTED     = "DOCUMENT_NOT_PERSISTED"
	DOCUMENT_SAVE_REJECTED     = "DOCUMENT_SAVE_REJECTED"
	PAGINATE_INVALID_PARAMS    = "PAGINATE_INVALID_PARAMS"
	SCHEMA_UNKNOWN_TYPE        = "SCHEMA_UNKNOWN_TYPE"
	SCHEMA_UNKNOWN_RELATION    = "SCHEMA_UNKNOWN_RELATION"
)

var (
	ErrNotFound              = errors.New(DOCUMENT_NOT_FOUND)
	ErrDocumentNotSaved      = errors.New(DOCUMENT_NOT_SAVED)
	ErrUpdateConflict        = errors.New(DOCUMENT_UPDATE_CONFLICT)
	ErrValidationFailure     = errors.New(DOCUMENT_VALIDATION_FAILED)
	ErrDocumentDestroyed     = errors.New(DOCUMENT_DESTROYED)
	ErrNotPersisted          = errors.New(DOCUMENT_NOT_PERSISTED)
	ErrBeforeSaveRejected    = errors.New(DOCUMENT_SAVE_REJECTED)
	ErrInvalidPaginateParams = errors.New(PAGINATE_INVALID_PARAMS)
	ErrUnknownType           = errors.New(SCHEMA_UNKNOWN_TYPE)
	ErrUnknownRelation       = errors.New(SCHEMA_UNKNOWN_RELATION)
)

// notSavedError is returned by Save and BulkSave. It matches ErrDocumentNotSaved and its kind.
type notSavedError struct {
	kind    error
	message string
	cause   error
}

func (e *notSavedError) Error() string {
	if e.cause != nil {
		return e.kind.Error() + ": " + e.message + ": " + e.cause.Error()
	}
	return e.kind.Error() + ": " + e.message
}

func (e *notSavedError) Is(target error) bool {
	return target == ErrDocumentNotSaved || target == e.kind
}

func (e *notSavedError) Unwrap() error {
	return e.cause
}

func notSaved(kind error, message string, cause error) error {
	return &notSavedError{kind: kind, message: message, cause: cause}
}

// ValidationError carries one message per rejected property or relationship.
type ValidationError struct {
	Type   string
	ID     string
	Errors map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Errors))
	for name := range e.Errors {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Errors[name])
	}
	return DOCUMENT_VALIDATION_FAILED + ": " + e.Type + " " + e.ID + " (" + strings.Join(parts, ", ") + ")"
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailure || target == ErrDocumentNotSaved
}
