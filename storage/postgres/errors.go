package postgres

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cyp0633/libitip/calendar"
	"github.com/cyp0633/libitip/storage"
)

const (
	codeUniqueViolation          = "23505"
	codeStringDataTruncated      = "22001"
	codeCharacterNotInRepertoire = "22021"
	codeUntranslatableCharacter  = "22P05"
)

// column widths of the events table
var columnLimits = []struct {
	field string
	max   int
	value func(calendar.Event) string
}{
	{"summary", 255, func(e calendar.Event) string { return e.Summary }},
	{"location", 255, func(e calendar.Event) string { return e.Location }},
	{"description", 5000, func(e calendar.Event) string { return e.Description }},
	{"uid", 1024, func(e calendar.Event) string { return e.UID }},
}

// checkLimits reports the first text column the event would overflow or
// that holds text Postgres rejects (NUL or invalid UTF-8). It runs before the
// statement: a failed statement aborts the surrounding transaction, and
// Postgres does not name the column in truncation errors.
func checkLimits(event calendar.Event) error {
	for _, c := range columnLimits {
		v := c.value(event)
		if !utf8.ValidString(v) || strings.ContainsRune(v, 0) {
			return &storage.Error{
				Type:    storage.ErrIncorrectString,
				Message: fmt.Sprintf("%s of event %s is not valid text", c.field, event.ID),
				Field:   c.field,
			}
		}
		if n := utf8.RuneCountInString(v); n > c.max {
			return &storage.Error{
				Type:      storage.ErrDataTruncation,
				Message:   fmt.Sprintf("%s of event %s exceeds %d characters", c.field, event.ID, c.max),
				Field:     c.field,
				MaxLength: c.max,
			}
		}
	}
	return nil
}

// isUniqueViolation reports whether the error is a unique constraint violation.
func isUniqueViolation(err error) bool {
	var pg *pgconn.PgError
	return errors.As(err, &pg) && pg.Code == codeUniqueViolation
}

// mapError translates driver errors into storage errors.
func mapError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return &storage.Error{Type: storage.ErrNotFound, Message: msg, Err: err}
	}
	var pg *pgconn.PgError
	if errors.As(err, &pg) {
		switch pg.Code {
		case codeUniqueViolation:
			return &storage.Error{Type: storage.ErrAlreadyExists, Message: msg, Err: err}
		case codeStringDataTruncated:
			return &storage.Error{Type: storage.ErrDataTruncation, Message: msg, Field: pg.ColumnName, Err: err}
		case codeCharacterNotInRepertoire, codeUntranslatableCharacter:
			return &storage.Error{Type: storage.ErrIncorrectString, Message: msg, Field: pg.ColumnName, Err: err}
		}
	}
	return fmt.Errorf("%s: %w", msg, err)
}
