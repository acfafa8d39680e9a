package errors

import (
	stderrors "errors"
	"fmt"
)

type ErrorType string

const (
	ErrorTypeConfiguration    ErrorType = "CONFIGURATION"
	ErrorTypeMissingSource    ErrorType = "MISSING_SOURCE"
	ErrorTypeUnknownOperation ErrorType = "UNKNOWN_OPERATION"
	ErrorTypeNotFound         ErrorType = "NOT_FOUND"
)

// Error is a fatal build or setup failure. None of them are retried.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

func Configuration(message string, details any) *Error {
	return &Error{
		Type:    ErrorTypeConfiguration,
		Message: message,
		Details: details,
	}
}

func MissingSource(srcDir string) *Error {
	return &Error{
		Type:    ErrorTypeMissingSource,
		Message: fmt.Sprintf("you specified a srcDir %q which does not exist and did not specify allowEmpty", srcDir),
		Details: srcDir,
	}
}

func UnknownOperation(op string) *Error {
	return &Error{
		Type:    ErrorTypeUnknownOperation,
		Message: fmt.Sprintf("unknown operation: %s", op),
		Details: op,
	}
}

func NotFound(message string) *Error {
	return &Error{
		Type:    ErrorTypeNotFound,
		Message: message,
	}
}

// Is reports whether err wraps an *Error of the given type.
func Is(err error, t ErrorType) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type == t
	}
	return false
}
