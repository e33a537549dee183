// Package errors provides the structured error type shared by every layer of
// the closing service. Errors carry a stable code that handlers map onto
// HTTP and gRPC status codes.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code classifies an error.
type Code string

const (
	ErrCodeInvalidInput Code = "INVALID_INPUT"
	ErrCodeNotFound     Code = "NOT_FOUND"
	ErrCodeConflict     Code = "CONFLICT"
	ErrCodeInternal     Code = "INTERNAL"
	ErrCodeUnavailable  Code = "UNAVAILABLE"

	// Closure taxonomy.
	ErrCodeInvalidPeriod      Code = "INVALID_PERIOD"
	ErrCodeDuplicateProcedure Code = "DUPLICATE_PROCEDURE"
	ErrCodeInvalidState       Code = "INVALID_STATE"
	ErrCodeStepNotEligible    Code = "STEP_NOT_ELIGIBLE"
	ErrCodeStepNotManual      Code = "STEP_NOT_MANUAL"
	ErrCodeUnbalancedDraft    Code = "UNBALANCED_DRAFT"
	ErrCodeInvalidBlueprint   Code = "INVALID_BLUEPRINT"
	ErrCodeAuditUnavailable   Code = "AUDIT_UNAVAILABLE"
)

// Error is a coded application error.
type Error struct {
	Code    Code
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error with the given code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s not found: %s", resource, id)}
}

// InvalidInput reports a rejected request field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Field: field, Message: message}
}

// CodeOf returns the code of the first *Error in err's chain, or
// ErrCodeInternal when there is none.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps an error onto an HTTP status code.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeInvalidInput, ErrCodeInvalidPeriod, ErrCodeInvalidBlueprint:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict, ErrCodeDuplicateProcedure, ErrCodeInvalidState:
		return http.StatusConflict
	case ErrCodeStepNotEligible, ErrCodeStepNotManual, ErrCodeUnbalancedDraft:
		return http.StatusUnprocessableEntity
	case ErrCodeUnavailable, ErrCodeAuditUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps an error onto a gRPC status code.
func GRPCCode(err error) codes.Code {
	switch CodeOf(err) {
	case "":
		return codes.OK
	case ErrCodeInvalidInput, ErrCodeInvalidPeriod, ErrCodeInvalidBlueprint:
		return codes.InvalidArgument
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeDuplicateProcedure:
		return codes.AlreadyExists
	case ErrCodeConflict, ErrCodeInvalidState, ErrCodeStepNotEligible, ErrCodeStepNotManual, ErrCodeUnbalancedDraft:
		return codes.FailedPrecondition
	case ErrCodeUnavailable, ErrCodeAuditUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
