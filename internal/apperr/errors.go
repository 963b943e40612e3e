// Package apperr defines the error taxonomy shared by the segmentation service.
// Every failure that reaches a caller carries a Kind and a user-displayable message.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for callers and for the HTTP boundary.
type Kind int

const (
	// Internal is an unexpected failure with no more specific classification.
	Internal Kind = iota
	// NotFound indicates an unknown or expired session, or a missing result.
	NotFound
	// Conflict indicates a segmentation was already run or is running.
	Conflict
	// InvalidArgument indicates a malformed request parameter or upload.
	InvalidArgument
	// OutOfRange indicates a slice index outside the loaded volume.
	OutOfRange
	// UnsupportedFormat indicates an export format incompatible with the session.
	UnsupportedFormat
	// InferenceFailure indicates the model failed during a segmentation run.
	InferenceFailure
	// ResourceExhausted indicates session capacity or queue limits were reached.
	ResourceExhausted
)

var kindNames = map[Kind]string{
	Internal:          "internal",
	NotFound:          "not_found",
	Conflict:          "conflict",
	InvalidArgument:   "invalid_argument",
	OutOfRange:        "out_of_range",
	UnsupportedFormat: "unsupported_format",
	InferenceFailure:  "inference_failure",
	ResourceExhausted: "resource_exhausted",
}

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified failure.
type Error struct {
	Kind    Kind   // Classification
	Op      string // Operation that failed, e.g. "session.Get"
	Message string // User-displayable message
	Err     error  // Underlying error, may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	default:
		return e.Message
	}
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error without an underlying cause.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap classifies err. The message is what callers display to users.
func Wrap(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// KindOf returns the kind of the outermost classified error in err's chain.
// Unclassified errors are Internal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return Internal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// Message returns the user-displayable message for err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
