package challenge

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound = errors.New("challenge: session not found")
	ErrMismatch = errors.New("challenge: question does not match session")
	ErrExpired  = errors.New("challenge: session expired")
)

// Public error codes. They are part of the HTTP API and double as
// localization message IDs.
const (
	CodeMissingFields  = "MissingFields"
	CodeInvalidSession = "InvalidSession"
	CodeExpired        = "Expired"
	CodeAdNotWatched   = "AdNotWatched"
	CodeLooksAutomated = "LooksAutomated"
	CodeNotEligible    = "NotEligible"
	CodeLedgerFailure  = "LedgerFailure"
)

// NewError wraps privateReason in an Error that is safe to show to callers
// through its Code. StatusCode defaults to 400.
func NewError(verb, code string, privateReason error) *Error {
	return &Error{
		Verb:          verb,
		Code:          code,
		PrivateReason: privateReason,
		StatusCode:    http.StatusBadRequest,
	}
}

// Error is an error with a public code and HTTP status attached.
type Error struct {
	PrivateReason error
	Verb          string
	Code          string
	StatusCode    int

	// Fingerprint, if set, lets the caller look up what happened to a
	// partially completed verification.
	Fingerprint string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Verb, e.Code, e.PrivateReason)
}

func (e *Error) Unwrap() error {
	return e.PrivateReason
}

// WithStatus sets the HTTP status code and returns e.
func (e *Error) WithStatus(code int) *Error {
	e.StatusCode = code
	return e
}
