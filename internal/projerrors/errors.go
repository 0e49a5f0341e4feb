// Package projerrors defines the typed error taxonomy used across the
// driver, facade, and CRDT engine.
package projerrors

import (
	"fmt"
	"time"
)

// ErrorCode identifies one of the engine's error kinds.
type ErrorCode string

const (
	// NotInitialized is not used for driver commands (commands issued
	// before Initialized are buffered, not rejected); the facade returns it
	// when the "main" literal is used before the main branch is known.
	NotInitialized    ErrorCode = "NOT_INITIALIZED"
	InvalidDocumentID ErrorCode = "INVALID_DOCUMENT_ID"
	RequestFailed     ErrorCode = "REQUEST_FAILED"
	MalformedDocument ErrorCode = "MALFORMED_DOCUMENT"
	ParseError        ErrorCode = "PARSE_ERROR"
	Shutdown          ErrorCode = "SHUTDOWN"
)

// ProjectError is a structured error carrying a code plus diagnostic
// metadata.
type ProjectError struct {
	Code      ErrorCode
	Message   string
	Details   string
	Metadata  map[string]interface{}
	Timestamp time.Time
	cause     error
}

func (e *ProjectError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/errors.As.
func (e *ProjectError) Unwrap() error {
	return e.cause
}

// WithMetadata attaches a diagnostic key/value pair and returns the error
// for chaining.
func (e *ProjectError) WithMetadata(key string, value interface{}) *ProjectError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

func newError(code ErrorCode, message string) *ProjectError {
	return &ProjectError{Code: code, Message: message, Timestamp: time.Now()}
}

// NewNotInitializedError reports a request that needs project state not yet
// observed (the "main" literal before initialization).
func NewNotInitializedError(message string) *ProjectError {
	return newError(NotInitialized, message)
}

// NewInvalidDocumentIDError reports a malformed DocumentId string.
func NewInvalidDocumentIDError(raw string) *ProjectError {
	return newError(InvalidDocumentID, "could not parse document id").WithMetadata("raw", raw)
}

// NewRequestFailedError reports that the repository could not deliver a
// document, wrapping the underlying cause.
func NewRequestFailedError(message string, cause error) *ProjectError {
	e := newError(RequestFailed, message)
	e.cause = cause
	return e
}

// NewMalformedDocumentError reports a fetched document that does not match
// its expected schema.
func NewMalformedDocumentError(message string) *ProjectError {
	return newError(MalformedDocument, message)
}

// NewParseError reports a scene-text parse failure.
func NewParseError(message string, cause error) *ProjectError {
	e := newError(ParseError, message)
	e.cause = cause
	return e
}

// ErrShutdown is returned by repository operations once the repository has
// been stopped; it is the one error kind that ends the driver's loop.
var ErrShutdown = newError(Shutdown, "repository is shutting down")
