package server

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/cyp0633/libitip/calendar"
	"github.com/cyp0633/libitip/ingest"
	"github.com/cyp0633/libitip/scheduling"
)

const recurrenceIDFormat = "20060102T150405Z"

type summary struct {
	Status        string                `json:"status"`
	Method        string                `json:"method"`
	UID           string                `json:"uid"`
	Originator    string                `json:"originator,omitempty"`
	FolderID      string                `json:"folderId,omitempty"`
	Timestamp     int64                 `json:"timestamp,omitempty"`
	Changes       []changeSummary       `json:"changes,omitempty"`
	Notifications []notificationSummary `json:"notifications,omitempty"`
	Warnings      []string              `json:"warnings,omitempty"`
}

type changeSummary struct {
	Kind         string `json:"kind"`
	EventID      string `json:"eventId"`
	RecurrenceID string `json:"recurrenceId,omitempty"`
	Sequence     int    `json:"sequence"`
}

type notificationSummary struct {
	Method    string `json:"method"`
	Recipient string `json:"recipient"`
}

// handleMessage parses the body according to its content type and hands
// it to the processor on behalf of the target user.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	target, err := s.targetUser(r)
	if err != nil {
		s.sendError(w, err)
		return
	}
	src, err := source(r)
	if err != nil {
		s.sendError(w, err)
		return
	}
	contentType := r.Header.Get(headerContentType)
	if contentType == "" {
		contentType = ingest.ContentTypeMail
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendError(w, &HTTPError{Status: http.StatusRequestEntityTooLarge, Message: "message too large", Err: err})
			return
		}
		s.sendError(w, &HTTPError{Status: http.StatusBadRequest, Message: "failed to read request body", Err: err})
		return
	}
	msg, err := s.config.Parser.Parse(bytes.NewReader(body), contentType)
	if err != nil {
		s.sendError(w, err)
		return
	}

	in := msg.Incoming(target)
	log := s.logger.With("uid", in.Resource.UID(), "method", in.Method, "target", target)
	for _, warning := range msg.Warnings() {
		log.Warn("imported with warning", "error", warning)
	}

	res, err := s.processor.Process(r.Context(), target, src, in)
	if err != nil {
		s.sendError(w, err)
		return
	}
	log.Info("message processed", "status", res.Status)
	s.sendJSON(w, http.StatusOK, summarize(in, res, msg.Warnings()))
}

func summarize(in *scheduling.IncomingMessage, res *scheduling.ProcessResult, warnings []error) summary {
	out := summary{
		Status:     string(res.Status),
		Method:     in.Method.String(),
		UID:        in.Resource.UID(),
		Originator: in.Originator.URI,
	}
	for _, w := range warnings {
		out.Warnings = append(out.Warnings, w.Error())
	}
	if res.Result == nil {
		return out
	}
	out.FolderID = res.Result.FolderID
	out.Timestamp = res.Result.Timestamp
	for _, c := range res.Result.Changes {
		out.Changes = append(out.Changes, changeSummary{
			Kind:         string(c.Kind),
			EventID:      c.Event.ID,
			RecurrenceID: formatRecurrenceID(c.Event.RecurrenceID),
			Sequence:     c.Event.Sequence,
		})
	}
	for _, n := range res.Result.Notifications {
		out.Notifications = append(out.Notifications, notificationSummary{
			Method:    n.Method.String(),
			Recipient: n.Recipient.URI,
		})
	}
	for _, w := range res.Result.Warnings {
		out.Warnings = append(out.Warnings, w.Error())
	}
	return out
}

func formatRecurrenceID(rid *calendar.RecurrenceID) string {
	if rid == nil {
		return ""
	}
	return rid.Value.UTC().Format(recurrenceIDFormat)
}
