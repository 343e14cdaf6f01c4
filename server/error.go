package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/cyp0633/libitip/calendar"
	"github.com/cyp0633/libitip/ingest"
)

// HTTPError is an error with an HTTP status.
type HTTPError struct {
	Status  int
	Message string
	Err     error
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

var (
	errNotFound         = &HTTPError{Status: http.StatusNotFound, Message: "not found"}
	errMethodNotAllowed = &HTTPError{Status: http.StatusMethodNotAllowed, Message: "method not allowed"}
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// statusOf maps processing failures to HTTP statuses.
func statusOf(err error) int {
	if errors.Is(err, ingest.ErrNoCalendar) {
		return http.StatusUnprocessableEntity
	}
	switch calendar.CodeOf(err) {
	case calendar.CodeInvalidData:
		return http.StatusBadRequest
	case calendar.CodeForbidden, calendar.CodeNotOrganizer:
		return http.StatusForbidden
	case calendar.CodeEventNotFound, calendar.CodeEventRecurrenceNotFound, calendar.CodeAttendeeNotFound:
		return http.StatusNotFound
	case calendar.CodeOutOfSequence, calendar.CodeUIDConflict:
		return http.StatusConflict
	case calendar.CodeWrongCancellation, calendar.CodeDifferentOrganizer:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) sendError(w http.ResponseWriter, err error) {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		httpErr = &HTTPError{Status: statusOf(err), Message: err.Error(), Err: err}
	}

	level := s.logger.Warn
	if httpErr.Status >= http.StatusInternalServerError {
		level = s.logger.Error
	}
	level("error response",
		"status", httpErr.Status,
		"message", httpErr.Message,
		"error", httpErr.Err)

	s.sendJSON(w, httpErr.Status, errorResponse{
		Error: httpErr.Message,
		Code:  string(calendar.CodeOf(httpErr.Err)),
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to marshal response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set(headerContentType, mimeTypeJSON)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
