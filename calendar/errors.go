package calendar

import (
	"errors"
	"fmt"
)

// Code classifies a scheduling failure.
type Code string

const (
	CodeEventNotFound           Code = "EVENT_NOT_FOUND"
	CodeEventRecurrenceNotFound Code = "EVENT_RECURRENCE_NOT_FOUND"
	CodeAttendeeNotFound        Code = "ATTENDEE_NOT_FOUND"
	CodeWrongCancellation       Code = "WRONG_CANCELLATION"
	CodeDifferentOrganizer      Code = "DIFFERENT_ORGANIZER"
	CodeNotOrganizer            Code = "NOT_ORGANIZER"
	CodeInvalidData             Code = "INVALID_DATA"
	CodeIgnoredInvalidData      Code = "IGNORED_INVALID_DATA"
	CodeOutOfSequence           Code = "OUT_OF_SEQUENCE"
	CodeUIDConflict             Code = "UID_CONFLICT"
	CodeForbidden               Code = "FORBIDDEN"
	CodeStorage                 Code = "STORAGE"
)

// Error is a classified scheduling failure. Two errors are considered equal
// by errors.Is when their codes match.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Errorf builds a classified error.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the code of a classified error, or "" when err is not one.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

var (
	ErrEventNotFound           = &Error{Code: CodeEventNotFound}
	ErrEventRecurrenceNotFound = &Error{Code: CodeEventRecurrenceNotFound}
	ErrAttendeeNotFound        = &Error{Code: CodeAttendeeNotFound}
	ErrWrongCancellation       = &Error{Code: CodeWrongCancellation}
	ErrDifferentOrganizer      = &Error{Code: CodeDifferentOrganizer}
	ErrNotOrganizer            = &Error{Code: CodeNotOrganizer}
	ErrInvalidData             = &Error{Code: CodeInvalidData}
	ErrIgnoredInvalidData      = &Error{Code: CodeIgnoredInvalidData}
	ErrOutOfSequence           = &Error{Code: CodeOutOfSequence}
	ErrUIDConflict             = &Error{Code: CodeUIDConflict}
	ErrForbidden               = &Error{Code: CodeForbidden}
	ErrStorage                 = &Error{Code: CodeStorage}
)
