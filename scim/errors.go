package scim

import (
	"fmt"
	"net/http"
)

// SCIM error types as defined in RFC 7644
const (
	ScimTypeInvalidFilter = "invalidFilter"
	ScimTypeInvalidPath   = "invalidPath"
	ScimTypeInvalidSyntax = "invalidSyntax"
	ScimTypeInvalidValue  = "invalidValue"
	ScimTypeInvalidVers   = "invalidVers"
	ScimTypeMutability    = "mutability"
	ScimTypeNoTarget      = "noTarget"
	ScimTypeSensitive     = "sensitive"
	ScimTypeTooMany       = "tooMany"
	ScimTypeUniqueness    = "uniqueness"
)

// SCIMError represents a SCIM error
type SCIMError struct {
	Status   int
	Detail   string
	ScimType string
}

// Error implements the error interface
func (e *SCIMError) Error() string {
	return e.Detail
}

// NewSCIMError creates a new SCIM error
func NewSCIMError(status int, detail, scimType string) *SCIMError {
	return &SCIMError{
		Status:   status,
		Detail:   detail,
		ScimType: scimType,
	}
}

// Common SCIM errors
var (
	ErrInvalidFilter = func(detail string) *SCIMError {
		return NewSCIMError(http.StatusBadRequest, detail, ScimTypeInvalidFilter)
	}

	ErrInvalidPath = func(detail string) *SCIMError {
		return NewSCIMError(http.StatusBadRequest, detail, ScimTypeInvalidPath)
	}

	ErrInvalidSyntax = func(detail string) *SCIMError {
		return NewSCIMError(http.StatusBadRequest, detail, ScimTypeInvalidSyntax)
	}

	ErrInvalidValue = func(detail string) *SCIMError {
		return NewSCIMError(http.StatusBadRequest, detail, ScimTypeInvalidValue)
	}

	ErrMutability = func(detail string) *SCIMError {
		return NewSCIMError(http.StatusBadRequest, detail, ScimTypeMutability)
	}

	ErrNoTarget = func(detail string) *SCIMError {
		return NewSCIMError(http.StatusBadRequest, detail, ScimTypeNoTarget)
	}

	ErrTooMany = func(detail string) *SCIMError {
		return NewSCIMError(http.StatusBadRequest, detail, ScimTypeTooMany)
	}

	ErrUniqueness = func(detail string) *SCIMError {
		return NewSCIMError(http.StatusConflict, detail, ScimTypeUniqueness)
	}

	ErrNotFound = func(resourceType, id string) *SCIMError {
		return NewSCIMError(http.StatusNotFound, fmt.Sprintf("%s %s not found", resourceType, id), "")
	}

	ErrUnauthorized = func() *SCIMError {
		return NewSCIMError(http.StatusUnauthorized, "Unauthorized", "")
	}

	ErrForbidden = func(detail string) *SCIMError {
		return NewSCIMError(http.StatusForbidden, detail, "")
	}

	// ErrInternal carries a stable phrase; the underlying cause is logged
	// with a correlation id, never returned to the client.
	ErrInternal = func() *SCIMError {
		return NewSCIMError(http.StatusInternalServerError, "An internal error occurred while processing the request", "")
	}
)

// AsSCIMError shapes any error into a SCIM error exactly once. Errors that
// are already SCIM errors pass through untouched; anything else becomes an
// opaque internal error.
func AsSCIMError(err error) *SCIMError {
	if scimErr, ok := err.(*SCIMError); ok {
		return scimErr
	}
	return ErrInternal()
}
