package urpm

import (
	"errors"
	"strings"
)

// Error is the urpm error domain type.
//
// Errors coming from urpm components should be able to be inspected as
// ([errors.As]) an *Error at some point in the error chain.
//
// Implementers of urpm components should create an Error at the system
// boundary (e.g. when using a database client, making a network request, or
// reading a file) and intermediate layers should not wrap in another Error
// except to add additional [ErrorKind] information. That is to say, use
// [fmt.Errorf] with a "%w" verb in preference to creating a containing
// Error.
type Error struct {
	Inner   error
	Kind    ErrorKind
	Message string
	Op      string
}

// Assert this implements all the cool features.
var (
	_ error                       = (*Error)(nil)
	_ interface{ Is(error) bool } = (*Error)(nil)
	_ interface{ Unwrap() error } = (*Error)(nil)
)

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(" ")
	}
	b.WriteString("[")
	switch e.Kind {
	case ErrCodec,
		ErrParse,
		ErrIndex,
		ErrNetwork,
		ErrIntegrity,
		ErrResolution,
		ErrTransaction:
		b.WriteString(string(e.Kind))
	default:
		b.WriteString("???")
	}
	b.WriteString("]: ")
	if e.Message != "" {
		b.WriteString(e.Message)
	}
	if e.Message != "" && e.Inner != nil {
		b.WriteString(": ")
	}
	if e.Op == "" && e.Message == "" {
		b.Reset()
	}
	if e.Inner != nil {
		b.WriteString(e.Inner.Error())
	}
	return b.String()
}

// Is enables [errors.Is].
//
// It compares the error kind. Callers should compare against a declared
// [ErrorKind] over a specific error.
func (e *Error) Is(kind error) bool {
	switch kind {
	case ErrRetriable:
		return errors.Is(e, ErrNetwork)
	default:
	}
	return errors.Is(e.Kind, kind)
}

// Unwrap enables [errors.Unwrap].
func (e *Error) Unwrap() error {
	return e.Inner
}

// ErrorKind represents classes of errors to be checked against.
//
// Errors are distinguished by kind, never by concrete Go type.
type ErrorKind string

// Defined error kinds.
var (
	// ErrCodec is an unknown compression magic or a truncated stream
	// during decompression.
	ErrCodec = ErrorKind("codec")
	// ErrParse is a malformed synthesis line, a bad RPM header magic, or
	// an unexpected tag type while parsing package metadata.
	ErrParse = ErrorKind("parse")
	// ErrIndex is the index store's schema being ahead of the binary, a
	// failed migration, or a constraint violation on insert.
	ErrIndex = ErrorKind("index")
	// ErrNetwork is a connect/timeout/non-2xx HTTP failure. Always
	// retriable.
	ErrNetwork = ErrorKind("network")
	// ErrIntegrity is an MD5 or SHA-256 mismatch, or an invalid GPG
	// signature.
	ErrIntegrity = ErrorKind("integrity")
	// ErrResolution is unresolvable constraints, a package not found, or a
	// version-mode conflict. Message carries the solver's problem list.
	ErrResolution = ErrorKind("resolution")
	// ErrTransaction is a non-zero RPM engine exit, unresolved lock
	// contention, or an interrupted install.
	ErrTransaction = ErrorKind("transaction")

	// ErrRetriable should only be used for an [Is] comparison. It's true
	// for any error tagged ErrNetwork.
	ErrRetriable = ErrorKind("retriable")
)

// Error implements error.
func (e ErrorKind) Error() string {
	return string(e)
}
