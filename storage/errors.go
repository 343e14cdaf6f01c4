package storage

import (
	"errors"
	"fmt"
)

// ErrorType classifies a storage failure.
type ErrorType string

const (
	ErrNotFound        ErrorType = "not_found"
	ErrAlreadyExists   ErrorType = "already_exists"
	ErrInvalidInput    ErrorType = "invalid_input"
	ErrDataTruncation  ErrorType = "data_truncation"
	ErrIncorrectString ErrorType = "incorrect_string"
)

// Error represents a storage-related error. Field names the offending column
// for data_truncation and incorrect_string errors; MaxLength is the column
// limit for data_truncation.
type Error struct {
	Type      ErrorType
	Message   string
	Field     string
	MaxLength int
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsType reports whether err is a storage error of the given type.
func IsType(err error, t ErrorType) bool {
	var se *Error
	return errors.As(err, &se) && se.Type == t
}

// NotFound builds an ErrNotFound error.
func NotFound(format string, args ...any) *Error {
	return &Error{Type: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}
