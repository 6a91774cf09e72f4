package engine

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error code.
type Code string

const (
	CodeValidation            Code = "VALIDATION"
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeForbidden             Code = "FORBIDDEN"
	CodeTenantMismatch        Code = "TENANT_MISMATCH"
	CodeTerminalStatus        Code = "TERMINAL_STATUS"
	CodeInvalidAction         Code = "INVALID_ACTION"
	CodeInvalidStatus         Code = "INVALID_STATUS"
	CodeNoNextStage           Code = "NO_NEXT_STAGE"
	CodeEvaluationsIncomplete Code = "EVALUATIONS_INCOMPLETE"
	CodeSignalsNotMet         Code = "SIGNALS_NOT_MET"
	CodeFeedbackRequired      Code = "FEEDBACK_REQUIRED"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInternal              Code = "INTERNAL"
)

func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation, CodeInvalidAction, CodeInvalidStatus, CodeNoNextStage:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden, CodeTenantMismatch, CodeTerminalStatus, CodeEvaluationsIncomplete, CodeSignalsNotMet, CodeFeedbackRequired:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Error is returned for every failure the engine reports to callers.
type Error struct {
	Code    Code
	Message string
	Details any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) with(details any) *Error {
	e.Details = details
	return e
}

// CodeOf returns the code carried by err, or INTERNAL.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
