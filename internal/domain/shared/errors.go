package shared

import "errors"

// DomainError represents a domain-level error
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *DomainError) Error() string {
	return e.Message
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// Common domain errors
var (
	ErrNotFound            = NewDomainError("NOT_FOUND", "Resource not found")
	ErrAlreadyExists       = NewDomainError("ALREADY_EXISTS", "Resource already exists")
	ErrInvalidInput        = NewDomainError("INVALID_INPUT", "Invalid input provided")
	ErrConcurrencyConflict = NewDomainError("CONCURRENCY_CONFLICT", "Resource was modified by another process")
	ErrInvalidState        = NewDomainError("INVALID_STATE", "Operation not allowed in current state")
)

// Graph and identifier engine errors.
// Validation-class errors (config, incompatible types, render, scope) are not
// retryable; ErrSequenceContention is.
var (
	ErrConfig                = NewDomainError("CONFIG_ERROR", "Invalid catalog configuration")
	ErrIncompatibleTypes     = NewDomainError("INCOMPATIBLE_TYPES", "Entity types are not allowed by the relationship type")
	ErrNoTemplateConfigured  = NewDomainError("NO_TEMPLATE_CONFIGURED", "No active default SKU template configured")
	ErrTemplateRenderInvalid = NewDomainError("TEMPLATE_RENDER_INVALID", "Rendered value does not match the template pattern")
	ErrScopeUnresolved       = NewDomainError("SCOPE_UNRESOLVED", "Sequence scope could not be derived from the entity")
	ErrSequenceContention    = NewDomainError("SEQUENCE_CONTENTION", "Sequence counter is contended, retry later")
	ErrMirrorWriteFailed     = NewDomainError("MIRROR_WRITE_FAILED", "Mirror relationship could not be written")
)

// IsRetryable reports whether the caller may retry the operation that produced err.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSequenceContention) || errors.Is(err, ErrConcurrencyConflict)
}
