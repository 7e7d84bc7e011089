// Package apperr defines the closed error taxonomy for the LingoCast server.
//
// Every error that crosses a component boundary carries a stable machine
// [Code], an internal message for logs, a user-facing message for error
// frames, and a Retryable flag. Use [New] or [Wrap] to construct errors and
// [From] to recover the taxonomy entry from a wrapped error chain.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Code is a stable machine-readable error code. Codes are grouped by
// category with a "category/kind" shape and never change once released.
type Code string

const (
	// Authentication.
	CodeInvalidCredentials Code = "auth/invalid-credentials"
	CodeTokenExpired       Code = "auth/token-expired"
	CodeTokenInvalid       Code = "auth/token-invalid"
	CodeRefreshExpired     Code = "auth/refresh-expired"

	// Authorization.
	CodeNotOwner  Code = "authz/not-owner"
	CodeForbidden Code = "authz/forbidden"

	// Session.
	CodeSessionNotFound Code = "session/not-found"
	CodeSessionExists   Code = "session/already-exists"
	CodeInvalidConfig   Code = "session/invalid-config"
	CodeClientLimit     Code = "session/client-limit"

	// Identity.
	CodeIdentityNotFound Code = "identity/not-found"
	CodeNameTaken        Code = "identity/name-taken"
	CodeCorruptRecord    Code = "identity/corrupt-record"

	// Validation.
	CodeMissingField        Code = "validation/missing-field"
	CodeBadSessionID        Code = "validation/bad-session-id"
	CodeUnsupportedLanguage Code = "validation/unsupported-language"
	CodeMalformedFrame      Code = "validation/malformed-frame"

	// Upstream.
	CodeSynthesisFailed Code = "upstream/synthesis-failed"
	CodeIdPUnavailable  Code = "upstream/idp-unavailable"

	// System.
	CodeInternal        Code = "system/internal"
	CodePersistence     Code = "system/persistence"
	CodeRateLimited     Code = "system/rate-limited"
	CodeConnectionLimit Code = "system/connection-limit"
)

// userMessages maps each code to its user-facing message. Internal messages
// stay in logs; these are the strings that reach clients in error frames.
var userMessages = map[Code]string{
	CodeInvalidCredentials:  "Invalid username or password.",
	CodeTokenExpired:        "Your session token has expired. Please sign in again.",
	CodeTokenInvalid:        "Your session token is not valid.",
	CodeRefreshExpired:      "Your sign-in has expired. Please sign in again.",
	CodeNotOwner:            "You do not own this session.",
	CodeForbidden:           "You are not allowed to perform this action.",
	CodeSessionNotFound:     "Session not found.",
	CodeSessionExists:       "A session with this ID already exists.",
	CodeInvalidConfig:       "The session configuration is invalid.",
	CodeClientLimit:         "This session is full.",
	CodeIdentityNotFound:    "Account not found.",
	CodeNameTaken:           "This display name is already taken.",
	CodeCorruptRecord:       "Your account record could not be read.",
	CodeMissingField:        "A required field is missing.",
	CodeBadSessionID:        "The session ID format is invalid.",
	CodeUnsupportedLanguage: "This language is not available.",
	CodeMalformedFrame:      "The message could not be understood.",
	CodeSynthesisFailed:     "Audio synthesis is temporarily unavailable.",
	CodeIdPUnavailable:      "The sign-in service is temporarily unavailable.",
	CodeInternal:            "An internal error occurred.",
	CodePersistence:         "The server could not save its state.",
	CodeRateLimited:         "Too many requests. Please slow down.",
	CodeConnectionLimit:     "The server is at its connection limit.",
}

// retryableCodes marks the codes a client may reasonably retry. Validation
// and authorization errors are never retryable.
var retryableCodes = map[Code]bool{
	CodeSynthesisFailed: true,
	CodeIdPUnavailable:  true,
	CodePersistence:     true,
	CodeRateLimited:     true,
	CodeConnectionLimit: true,
	CodeInternal:        true,
}

// Error is a taxonomy entry. It satisfies the error interface and supports
// errors.Is/As through Unwrap.
type Error struct {
	// Code is the stable machine code.
	Code Code

	// Message is the internal message, written to logs and never to clients.
	Message string

	// RetryAfter is an optional hint for retryable errors.
	RetryAfter time.Duration

	err error
}

// New creates an [Error] with the given code and internal message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf creates an [Error] with a formatted internal message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an [Error] wrapping cause. The cause is reachable via
// errors.Unwrap and participates in errors.Is chains.
func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, err: cause}
}

// WithRetryAfter returns a copy of e carrying a retry hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	clone := *e
	clone.RetryAfter = d
	return &clone
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.err }

// UserMessage returns the user-facing message for e's code.
func (e *Error) UserMessage() string {
	if msg, ok := userMessages[e.Code]; ok {
		return msg
	}
	return userMessages[CodeInternal]
}

// Retryable reports whether a client may retry the failed operation.
func (e *Error) Retryable() bool {
	return retryableCodes[e.Code]
}

// From extracts the taxonomy entry from err's chain. When err carries no
// [Error], a CodeInternal entry wrapping err is returned so that callers
// always have a code to surface.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Wrap(CodeInternal, "unclassified error", err)
}

// CodeOf returns the code of err, or CodeInternal for unclassified errors.
func CodeOf(err error) Code {
	return From(err).Code
}
