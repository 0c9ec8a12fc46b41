package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/signadot/livetree/ir"
	"github.com/signadot/livetree/system/treed/actions"
	"github.com/signadot/livetree/system/treed/authz"
	"github.com/signadot/livetree/system/treed/changelog"
	"github.com/signadot/livetree/system/treed/query"
	"github.com/signadot/livetree/system/treed/storage"
)

// Error represents an API error response.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// Is implements the errors.Is interface for error matching.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	// Match by code if target has a code
	if t.Code != "" {
		return e.Code == t.Code
	}
	if t.Message != "" {
		return e.Message == t.Message
	}
	return false
}

// Common error codes
const (
	ErrCodeNotAuthorized        = "not_authorized"
	ErrCodeValidationRejected   = "validation_rejected"
	ErrCodeNotFound             = "not_found"
	ErrCodePersistenceTimeout   = "persistence_timeout"
	ErrCodeMalformedCommand     = "malformed_command"
	ErrCodeInvalidPath          = "invalid_path"
	ErrCodeInternalInvariant    = "internal_invariant"
	ErrCodeAuthenticationFailed = "authentication_failed"
	ErrCodeInternal             = "internal"
)

// NewError creates a new Error with the given code and message.
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Malformed returns a malformed_command error.
func Malformed(format string, args ...any) *Error {
	return NewError(ErrCodeMalformedCommand, fmt.Sprintf(format, args...))
}

// FromError maps err to a wire error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	code := ErrCodeInternal
	switch {
	case errors.Is(err, authz.ErrNotAuthorized):
		code = ErrCodeNotAuthorized
	case errors.Is(err, authz.ErrValidationRejected):
		code = ErrCodeValidationRejected
	case errors.Is(err, authz.ErrAuthentication):
		code = ErrCodeAuthenticationFailed
	case errors.Is(err, storage.ErrNotFound):
		code = ErrCodeNotFound
	case errors.Is(err, storage.ErrPersistenceTimeout):
		code = ErrCodePersistenceTimeout
	case errors.Is(err, ir.ErrInvalidPath), errors.Is(err, ir.ErrInvalidKey):
		code = ErrCodeInvalidPath
	case errors.Is(err, ir.ErrParse), errors.Is(err, query.ErrBadPredicate), errors.Is(err, actions.ErrMalformed):
		code = ErrCodeMalformedCommand
	case errors.Is(err, changelog.ErrInvariant):
		code = ErrCodeInternalInvariant
	}
	return NewError(code, err.Error())
}

// HTTPStatus returns the HTTP status for an error code.
func HTTPStatus(code string) int {
	switch code {
	case ErrCodeNotAuthorized:
		return http.StatusForbidden
	case ErrCodeAuthenticationFailed:
		return http.StatusUnauthorized
	case ErrCodeValidationRejected:
		return http.StatusUnprocessableEntity
	case ErrCodeMalformedCommand, ErrCodeInvalidPath:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodePersistenceTimeout:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
