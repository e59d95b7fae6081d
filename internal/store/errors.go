package store

import (
	"errors"
	"strings"
)

// Backend error codes the pipeline reacts to. SQLSTATE values come straight from
// Postgres; PGRST codes are emitted by the REST gateway in front of it.
const (
	CodeUndefinedTable       = "42P01"
	CodeUndefinedColumn      = "42703"
	CodeUndefinedFunction    = "42883"
	CodeInvalidSchema        = "3F000"
	CodeInsufficientPrivs    = "42501"
	CodeUniqueViolation      = "23505"
	CodeNoMatchingConstraint = "42P10"

	CodeRelationshipMissing = "PGRST200"
	CodeFunctionNotFound    = "PGRST202"
	CodeColumnNotFound      = "PGRST204"
	CodeTableNotFound       = "PGRST205"
	CodeSchemaNotExposed    = "PGRST106"
	CodeJWTInvalid          = "PGRST301"
	CodeAnonDisabled        = "PGRST302"
	CodeJWTExpired          = "PGRST303"
	CodeUnauthorized        = "401"
)

// Error is a machine-readable backend failure.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// ErrorClass buckets backend errors by how the pipeline recovers from them.
type ErrorClass string

const (
	ClassNone          ErrorClass = "none"
	ClassMissingObject ErrorClass = "missing_object"
	ClassAuthExpired   ErrorClass = "auth_expired"
	ClassConflict      ErrorClass = "conflict"
	ClassOther         ErrorClass = "other"
)

// AuthError marks errors raised by the session layer that should be treated as an
// expired session. The auth package wraps its own sentinels with it.
type AuthError interface {
	error
	AuthExpired() bool
}

// Classify returns the recovery class of err.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case IsMissingObject(err):
		return ClassMissingObject
	case IsAuthExpired(err):
		return ClassAuthExpired
	case IsUniqueViolation(err), IsNoMatchingConstraint(err):
		return ClassConflict
	default:
		return ClassOther
	}
}

// IsMissingObject reports whether err means a table, column, schema or function
// does not exist on this deployment.
func IsMissingObject(err error) bool {
	e, ok := asError(err)
	if !ok {
		return false
	}
	switch e.Code {
	case CodeUndefinedTable, CodeUndefinedColumn, CodeUndefinedFunction, CodeInvalidSchema,
		CodeRelationshipMissing, CodeFunctionNotFound, CodeColumnNotFound, CodeTableNotFound:
		return true
	}
	return messageContains(e, "does not exist", "could not find the function", "schema cache")
}

// IsSchemaUnavailable reports whether the object is missing or not exposed to the
// caller, e.g. a schema the gateway refuses to serve directly.
func IsSchemaUnavailable(err error) bool {
	if IsMissingObject(err) {
		return true
	}
	e, ok := asError(err)
	if !ok {
		return false
	}
	switch e.Code {
	case CodeSchemaNotExposed, CodeInsufficientPrivs:
		return true
	}
	return messageContains(e, "must be one of the following", "permission denied")
}

// IsAuthExpired reports whether err means the caller's session is no longer valid.
func IsAuthExpired(err error) bool {
	if err == nil {
		return false
	}
	var authErr AuthError
	if errors.As(err, &authErr) && authErr.AuthExpired() {
		return true
	}
	e, ok := asError(err)
	if !ok {
		return false
	}
	switch e.Code {
	case CodeJWTInvalid, CodeAnonDisabled, CodeJWTExpired, CodeUnauthorized:
		return true
	}
	return messageContains(e, "jwt expired", "invalid jwt", "refresh token", "session expired")
}

// IsUniqueViolation reports whether a write collided with an existing row.
func IsUniqueViolation(err error) bool {
	e, ok := asError(err)
	if !ok {
		return false
	}
	return e.Code == CodeUniqueViolation || messageContains(e, "duplicate key value")
}

// IsNoMatchingConstraint reports whether an upsert named conflict columns that are
// not backed by a unique constraint.
func IsNoMatchingConstraint(err error) bool {
	e, ok := asError(err)
	if !ok {
		return false
	}
	return e.Code == CodeNoMatchingConstraint ||
		messageContains(e, "no unique or exclusion constraint matching")
}

func asError(err error) (*Error, bool) {
	var e *Error
	if err == nil || !errors.As(err, &e) || e == nil {
		return nil, false
	}
	return e, true
}

func messageContains(e *Error, needles ...string) bool {
	msg := strings.ToLower(e.Message + " " + e.Details)
	for _, n := range needles {
		if strings.Contains(msg, n) {
			return true
		}
	}
	return false
}
