package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeForbidden           Code = "FORBIDDEN"
	CodeNotFound            Code = "NOT_FOUND"
	CodeConflict            Code = "CONFLICT"
	CodeStateConflict       Code = "STATE_CONFLICT"
	CodeIdempotency         Code = "IDEMPOTENCY_KEY_REUSED"
	CodeRateLimit           Code = "RATE_LIMIT_EXCEEDED"
	CodeInternal            Code = "INTERNAL_ERROR"
	CodeDependency          Code = "DEPENDENCY_ERROR"
	CodeInvalidSignature    Code = "INVALID_SIGNATURE"
	CodeMissingMetadata     Code = "MISSING_METADATA"
	CodeInvalidAmount       Code = "INVALID_AMOUNT"
	CodeTransactionConflict Code = "TRANSACTION_CONFLICT"
	CodeInsufficientPages   Code = "INSUFFICIENT_PAGES"
)

// Metadata is how a code reaches a client. ClientMessage codes show the
// error's own message; the rest show PublicMessage so internals stay private.
// Retryable codes get a Retry-After header.
type Metadata struct {
	HTTPStatus     int
	Retryable      bool
	PublicMessage  string
	DetailsAllowed bool
	ClientMessage  bool
}

const (
	showDetails = 1 << iota
	showMessage
	retryable
)

func meta(status int, public string, flags int) Metadata {
	return Metadata{
		HTTPStatus:     status,
		PublicMessage:  public,
		Retryable:      flags&retryable != 0,
		DetailsAllowed: flags&showDetails != 0,
		ClientMessage:  flags&showMessage != 0,
	}
}

var metadataByCode = map[Code]Metadata{
	CodeValidation:          meta(http.StatusBadRequest, "validation failed", showDetails|showMessage),
	CodeUnauthorized:        meta(http.StatusUnauthorized, "authentication required", showMessage),
	CodeForbidden:           meta(http.StatusForbidden, "access denied", showMessage),
	CodeNotFound:            meta(http.StatusNotFound, "resource not found", showMessage),
	CodeConflict:            meta(http.StatusConflict, "conflict detected", showMessage),
	CodeStateConflict:       meta(http.StatusUnprocessableEntity, "state transition disallowed", showDetails|showMessage),
	CodeIdempotency:         meta(http.StatusConflict, "idempotency key reused", showDetails|showMessage),
	CodeRateLimit:           meta(http.StatusTooManyRequests, "rate limit exceeded", showMessage),
	CodeInternal:            meta(http.StatusInternalServerError, "internal server error", retryable),
	CodeDependency:          meta(http.StatusServiceUnavailable, "dependency unavailable", showDetails|retryable),
	CodeInvalidSignature:    meta(http.StatusBadRequest, "invalid webhook signature", showMessage),
	CodeMissingMetadata:     meta(http.StatusBadRequest, "event metadata incomplete", showDetails|showMessage),
	CodeInvalidAmount:       meta(http.StatusBadRequest, "invalid amount", showDetails|showMessage),
	CodeTransactionConflict: meta(http.StatusConflict, "concurrent update, retry", retryable),
	CodeInsufficientPages:   meta(http.StatusPaymentRequired, "not enough pages remaining", showDetails|showMessage),
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code Code) bool {
	typed := As(err)
	return typed != nil && typed.Code() == code
}
