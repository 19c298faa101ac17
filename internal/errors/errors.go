// Package errors provides error handling utilities for refpipe.
// It offers consistent error wrapping and a fixed taxonomy of error
// kinds so the orchestrator can translate failures into batch status.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Op represents an operation name for error context.
type Op string

// Kind represents the category of error.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindInput        // malformed caller input; never retried
	KindSource       // HTTP 4xx, unreadable archive, missing member; fatal
	KindTransport    // network/5xx/timeouts; retried at the Land stage
	KindParse        // parser failures; fatal to the batch
	KindValidation   // WARN-severity findings; non-fatal
	KindReferential  // cross-dataset inconsistency
	KindResolver     // nearest-zip resolver errors
	KindInternal     // invariant violation; fatal, never swallowed
)

// String returns the string representation of the error kind.
func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindSource:
		return "source"
	case KindTransport:
		return "transport"
	case KindParse:
		return "parse"
	case KindValidation:
		return "validation"
	case KindReferential:
		return "referential"
	case KindResolver:
		return "resolver"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Code refines KindParse and KindResolver errors with a stable
// machine-readable identifier.
type Code string

// Parse subtypes.
const (
	CodeEncoding           Code = "encoding"
	CodeLayoutMismatch     Code = "layout_mismatch"
	CodeDuplicateKey       Code = "duplicate_key"
	CodeCategoryValidation Code = "category_validation"
	CodeSchemaRegression   Code = "schema_regression"
)

// Resolver error codes per the resolver contract.
const (
	CodeInvalidZip          Code = "INVALID_ZIP"
	CodeNoState             Code = "NO_STATE"
	CodeNoZCTA              Code = "NO_ZCTA"
	CodeNoCoords            Code = "NO_COORDS"
	CodeNoCandidatesInState Code = "NO_CANDIDATES_IN_STATE"
)

// Error represents an application error with context.
type Error struct {
	Op       Op       // Operation that failed
	Kind     Kind     // Category of error
	Code     Code     // Subtype within the kind, if any
	Err      error    // Underlying error
	Msg      string   // Additional context message
	SchemaID string   // Schema contract in force, for parse errors
	Evidence []string // Up to a few offending rows or key tuples
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(string(e.Op))
		b.WriteString(": ")
	}
	if e.Code != "" {
		b.WriteString(string(e.Code))
		b.WriteString(": ")
	}
	if e.Msg != "" {
		b.WriteString(e.Msg)
		if e.Err != nil {
			b.WriteString(": ")
		}
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// E creates a new Error with the given arguments.
// Arguments can be: Op, Kind, Code, error, string (message).
func E(args ...interface{}) *Error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = a
		case Kind:
			e.Kind = a
		case Code:
			e.Code = a
		case error:
			e.Err = a
		case string:
			e.Msg = a
		}
	}
	return e
}

// Wrap wraps an error with an operation name for context.
func Wrap(op Op, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: GetKind(err), Code: GetCode(err), Err: err}
}

// WrapMsg wraps an error with an operation name and message.
func WrapMsg(op Op, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: GetKind(err), Code: GetCode(err), Msg: msg, Err: err}
}

// Errorf creates an error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WithEvidence attaches sample offending rows to the error.
func (e *Error) WithEvidence(schemaID string, samples []string) *Error {
	const maxSamples = 10
	if len(samples) > maxSamples {
		samples = samples[:maxSamples]
	}
	e.SchemaID = schemaID
	e.Evidence = samples
	return e
}

// IsKind checks if an error (anywhere in its chain) is of the given kind.
func IsKind(err error, kind Kind) bool {
	return GetKind(err) == kind
}

// GetKind returns the kind of an error, or KindUnknown.
func GetKind(err error) Kind {
	var e *Error
	for errors.As(err, &e) {
		if e.Kind != KindUnknown {
			return e.Kind
		}
		err = e.Err
	}
	return KindUnknown
}

// GetCode returns the code of an error, or "".
func GetCode(err error) Code {
	var e *Error
	for errors.As(err, &e) {
		if e.Code != "" {
			return e.Code
		}
		err = e.Err
	}
	return ""
}

// Fatal reports whether an error terminates the batch. Validation and
// referential findings accumulate as warnings instead.
func Fatal(err error) bool {
	switch GetKind(err) {
	case KindValidation, KindReferential:
		return false
	}
	return err != nil
}

// Retryable reports whether the Land stage may retry after this error.
func Retryable(err error) bool {
	return GetKind(err) == KindTransport
}
