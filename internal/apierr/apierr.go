// Copyright 2025 James Ross
package apierr

import (
	"encoding/json"
	"net/http"
)

// Kind is a closed taxonomy of error categories surfaced at the HTTP
// boundary and used internally to decide retry/terminal policy.
type Kind string

const (
	MissingRequiredField Kind = "missing_required_field"
	InvalidFieldValue    Kind = "invalid_field_value"
	Unauthorized         Kind = "unauthorized"
	RateLimited          Kind = "rate_limited"
	BackendNotFound      Kind = "backend_not_found"
	JobNotFound          Kind = "job_not_found"
	CatalogEntryNotFound Kind = "catalog_entry_not_found"
	InvalidTransition    Kind = "invalid_transition"
	StorageError         Kind = "storage_error"
	BackendTransport     Kind = "backend_transport"
	BackendRejected      Kind = "backend_rejected"
	Internal             Kind = "internal"
)

var httpStatus = map[Kind]int{
	MissingRequiredField: http.StatusBadRequest,
	InvalidFieldValue:    http.StatusBadRequest,
	Unauthorized:         http.StatusUnauthorized,
	RateLimited:          http.StatusTooManyRequests,
	BackendNotFound:      http.StatusNotFound,
	JobNotFound:          http.StatusNotFound,
	CatalogEntryNotFound: http.StatusNotFound,
	InvalidTransition:    http.StatusBadRequest,
	StorageError:         http.StatusInternalServerError,
	BackendTransport:     http.StatusBadGateway,
	BackendRejected:      http.StatusBadGateway,
	Internal:             http.StatusInternalServerError,
}

// Error is the typed error carried through the core and surfaced at the
// HTTP boundary. It wraps an optional underlying cause without exposing
// it to callers.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status this error's Kind maps to, defaulting
// to 500 for an unregistered kind.
func (e *Error) Status() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds an Error of the given Kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given Kind carrying an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetails attaches field-level detail strings and returns the
// receiver for chaining at the call site.
func (e *Error) WithDetails(d map[string]string) *Error {
	e.Details = d
	return e
}

// As extracts an *Error from err, reporting whether one was found.
func As(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	if ae, ok := err.(*Error); ok {
		return ae, true
	}
	return nil, false
}

type wireError struct {
	Success bool              `json:"success"`
	Error   Kind              `json:"error"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// WriteError serializes err as the uniform error envelope described in
// the REST surface: {success:false, error:<kind-code>, message, details?}.
// Any error that isn't already an *Error is mapped to Internal without
// leaking its text to the caller.
func WriteError(w http.ResponseWriter, err error) {
	ae, ok := As(err)
	if !ok {
		ae = New(Internal, "internal error")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.Status())
	_ = json.NewEncoder(w).Encode(wireError{
		Success: false,
		Error:   ae.Kind,
		Message: ae.Message,
		Details: ae.Details,
	})
}
