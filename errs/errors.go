// Package errs defines the structured error type shared by the declaration
// engine, the journal and the batch runner.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is a stable category for programmatic error handling.
//
// Callers should branch on Kind rather than matching error strings.
// Error() strings are human-readable and may evolve.
type Kind string

const (
	KindReadFile           Kind = "ReadFile"
	KindEncoding           Kind = "Encoding"
	KindSigning            Kind = "Signing"
	KindTimestamp          Kind = "Timestamp"
	KindSubmissionRejected Kind = "SubmissionRejected"
	KindJournalUnavailable Kind = "JournalUnavailable"
	KindConflict           Kind = "Conflict"
	KindMetadata           Kind = "Metadata"
	KindConfig             Kind = "Config"
	KindInternal           Kind = "Internal"
)

// Error is the structured error type.
//
// Path is set for file errors, Status and Details for registry rejections.
// Message is intended for humans; do not match on it.
type Error struct {
	Kind    Kind
	Op      string
	Path    string
	Status  int
	Details []string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if len(e.Details) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(e.Details, "; "))
		b.WriteString(")")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// New returns a *Error without a cause.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Message: msg}
}

// Wrap returns a *Error wrapping cause. A nil cause behaves like New.
func Wrap(kind Kind, op, msg string, cause error) error {
	return &Error{Kind: kind, Op: op, Message: msg, Cause: cause}
}

// Newf is New with a format string.
func Newf(kind Kind, op, format string, args ...any) error {
	return New(kind, op, fmt.Sprintf(format, args...))
}

// ReadFile reports a required local file that is missing or unreadable.
func ReadFile(path string, cause error) error {
	return &Error{
		Kind:    KindReadFile,
		Path:    path,
		Message: fmt.Sprintf("failed reading file: %q", path),
		Cause:   cause,
	}
}

// Rejected reports a non-success registry response.
func Rejected(status int, details []string) error {
	return &Error{
		Kind:    KindSubmissionRejected,
		Op:      "submit",
		Status:  status,
		Details: append([]string(nil), details...),
		Message: fmt.Sprintf("registry rejected declaration with status %d", status),
	}
}

// Unavailable reports a journal whose storage can no longer be trusted.
func Unavailable(op string, cause error) error {
	return Wrap(KindJournalUnavailable, op, "journal unavailable", cause)
}

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return nil, false
	}
	return e, true
}

// IsKind reports whether err is (or wraps) a *Error with the given Kind.
func IsKind(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// KindOf returns the Kind of err, or "" when err is not structured.
func KindOf(err error) Kind {
	e, ok := As(err)
	if !ok {
		return ""
	}
	return e.Kind
}

// IsFatal reports whether err must stop a whole batch run rather than a
// single item.
func IsFatal(err error) bool {
	return IsKind(err, KindJournalUnavailable)
}

// Details returns the validation details carried by err, if any.
func Details(err error) []string {
	e, ok := As(err)
	if !ok {
		return nil
	}
	return e.Details
}
