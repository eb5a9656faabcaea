// Package apperror defines the error taxonomy shared by the HTTP boundary and
// the JSON envelope every failed request is rendered with.
package apperror

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// Kind classifies an error for translation into an HTTP status.
type Kind string

const (
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindValidation   Kind = "validation"
	KindThrottled    Kind = "throttled"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindUnavailable  Kind = "unavailable"
	KindInternal     Kind = "internal"
)

// Error codes for API responses
const (
	CodeValidationError   = "VALIDATION_ERROR"
	CodeAuthTokenMissing  = "AUTH_TOKEN_MISSING"
	CodeAuthTokenInvalid  = "AUTH_TOKEN_INVALID"
	CodeForbidden         = "FORBIDDEN"
	CodeTooManyRequests   = "TOO_MANY_REQUESTS"
	CodeNotFound          = "NOT_FOUND"
	CodeInternalError     = "INTERNAL_ERROR"
	CodeHTTPSRequired     = "HTTPS_REQUIRED"
	genericInternalString = "An unexpected error occurred"
)

// Error is a classified application error.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	Details    map[string][]string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap classifies err, keeping it as the cause.
func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func Unauthorized(code, message string) *Error {
	return New(KindUnauthorized, code, message)
}

func Forbidden(code, message string) *Error {
	return New(KindForbidden, code, message)
}

func NotFound(code, message string) *Error {
	return New(KindNotFound, code, message)
}

// Validation builds a validation error with per-field details.
func Validation(message string, details map[string][]string) *Error {
	return &Error{Kind: KindValidation, Code: CodeValidationError, Message: message, Details: details}
}

// WithCode replaces the error code, keeping everything else.
func (e *Error) WithCode(code string) *Error {
	c := *e
	c.Code = code
	return &c
}

// Throttled builds a rate-limit error carrying the wait time.
func Throttled(code, message string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindThrottled, Code: code, Message: message, RetryAfter: retryAfter}
}

// Status maps a Kind to its HTTP status code.
func Status(kind Kind) int {
	switch kind {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindThrottled:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// As extracts an *Error from err, classifying anything else as internal.
func As(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(KindInternal, CodeInternalError, genericInternalString, err)
}

// Response is the standard API response envelope.
type Response struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Error     *Detail     `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Detail is the error body of a failed response.
type Detail struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Details map[string][]string `json:"details,omitempty"`
}

// WriteJSON writes a successful JSON response
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	json.NewEncoder(w).Encode(Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// Write renders err as a JSON error response. Internal error causes are
// only exposed when exposeInternal is set (development builds).
func Write(w http.ResponseWriter, err error, exposeInternal bool) {
	appErr := As(err)
	message := appErr.Message
	if appErr.Kind == KindInternal {
		message = genericInternalString
		if exposeInternal && appErr.Err != nil {
			message = appErr.Err.Error()
		}
	}
	WriteError(w, Status(appErr.Kind), appErr.Code, message, appErr.Details, appErr.RetryAfter)
}

// WriteError writes an error JSON response
func WriteError(w http.ResponseWriter, statusCode int, code, message string, details map[string][]string, retryAfter time.Duration) {
	w.Header().Set("Content-Type", "application/json")
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(retryAfter), 10))
	}
	w.WriteHeader(statusCode)

	json.NewEncoder(w).Encode(Response{
		Success: false,
		Message: message,
		Error: &Detail{
			Code:    code,
			Message: message,
			Details: details,
		},
		Timestamp: time.Now().UTC(),
	})
}

// WriteFailure writes a success=false response that still carries data,
// used for first-class recoverable states such as an account lockout.
func WriteFailure(w http.ResponseWriter, statusCode int, code, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	json.NewEncoder(w).Encode(Response{
		Success:   false,
		Message:   message,
		Data:      data,
		Error:     &Detail{Code: code, Message: message},
		Timestamp: time.Now().UTC(),
	})
}

func retryAfterSeconds(d time.Duration) int64 {
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}
