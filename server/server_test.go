package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/libitip/calendar"
	"github.com/cyp0633/libitip/directory"
	"github.com/cyp0633/libitip/ingest"
	"github.com/cyp0633/libitip/itip"
	"github.com/cyp0633/libitip/recurrence"
	"github.com/cyp0633/libitip/scheduling"
	"github.com/cyp0633/libitip/storage/memory"
)

type mockProcessor struct {
	mock.Mock
}

func (m *mockProcessor) Process(ctx context.Context, userID int, source scheduling.Source, msg *scheduling.IncomingMessage) (*scheduling.ProcessResult, error) {
	args := m.Called(ctx, userID, source, msg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*scheduling.ProcessResult), args.Error(1)
}

const invitation = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//Example Corp//Calendar 1.0//EN\r\n" +
	"METHOD:REQUEST\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:http-1\r\n" +
	"DTSTAMP:20300101T090000Z\r\n" +
	"DTSTART:20300302T100000Z\r\n" +
	"DTEND:20300302T110000Z\r\n" +
	"SUMMARY:Kickoff\r\n" +
	"ORGANIZER;CN=Boss:mailto:boss@external.org\r\n" +
	"ATTENDEE;PARTSTAT=ACCEPTED:mailto:boss@external.org\r\n" +
	"ATTENDEE;PARTSTAT=NEEDS-ACTION;RSVP=TRUE:mailto:bob@example.com\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func post(t *testing.T, srv http.Handler, target, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set(headerContentType, contentType)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decodeSummary(t *testing.T, w *httptest.ResponseRecorder) summary {
	t.Helper()
	var out summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestNew(t *testing.T) {
	_, err := New(nil)
	assert.EqualError(t, err, "processor is required")

	srv, err := New(&mockProcessor{}, WithURLPrefix("itip"))
	require.NoError(t, err)
	assert.Equal(t, "/itip/", srv.config.URLPrefix)
	assert.NotNil(t, srv.config.Parser)
	assert.Equal(t, int64(defaultMaxBodySize), srv.config.MaxBodySize)
}

func TestServerRouting(t *testing.T) {
	srv, err := New(&mockProcessor{}, WithURLPrefix("/itip/"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"health", http.MethodGet, "/itip", http.StatusOK},
		{"health with slash", http.MethodGet, "/itip/", http.StatusOK},
		{"unknown resource", http.MethodGet, "/itip/2", http.StatusNotFound},
		{"outside prefix", http.MethodGet, "/caldav/", http.StatusNotFound},
		{"options", http.MethodOptions, "/itip/2", http.StatusNoContent},
		{"unsupported method", http.MethodPut, "/itip/2", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.want, w.Code)
		})
	}

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/itip/", nil))
	assert.Equal(t, allowedMethods, w.Header().Get(headerAllow))
}

func TestHandleMessage(t *testing.T) {
	p := &mockProcessor{}
	srv, err := New(p, WithURLPrefix("/itip/"))
	require.NoError(t, err)

	event := calendar.Event{ID: "17", UID: "http-1", Sequence: 0}
	p.On("Process", mock.Anything, 2, scheduling.SourceMail, mock.MatchedBy(func(in *scheduling.IncomingMessage) bool {
		return in.TargetUser == 2 && in.Method == itip.MethodRequest && in.Resource.UID() == "http-1" &&
			in.Originator.URI == "mailto:boss@external.org"
	})).Return(&scheduling.ProcessResult{
		Status: scheduling.StatusApplied,
		Result: &scheduling.Result{
			FolderID: "cal-2",
			Changes:  []scheduling.Change{{Kind: scheduling.ChangeCreation, Event: event}},
		},
	}, nil).Once()

	w := post(t, srv, "/itip/2", ingest.ContentTypeICal, invitation)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, mimeTypeJSON, w.Header().Get(headerContentType))

	out := decodeSummary(t, w)
	assert.Equal(t, "APPLIED", out.Status)
	assert.Equal(t, "REQUEST", out.Method)
	assert.Equal(t, "http-1", out.UID)
	assert.Equal(t, "cal-2", out.FolderID)
	require.Len(t, out.Changes, 1)
	assert.Equal(t, changeSummary{Kind: "CREATION", EventID: "17"}, out.Changes[0])
	p.AssertExpectations(t)
}

func TestHandleMessageUserFromQuery(t *testing.T) {
	p := &mockProcessor{}
	srv, err := New(p)
	require.NoError(t, err)

	p.On("Process", mock.Anything, 3, scheduling.SourceAPI, mock.Anything).
		Return(&scheduling.ProcessResult{Status: scheduling.StatusNeedsUserInteraction}, nil).Once()

	w := post(t, srv, "/?user=3&source=api", ingest.ContentTypeICal, invitation)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decodeSummary(t, w)
	assert.Equal(t, "NEEDS_USER_INTERACTION", out.Status)
	assert.Empty(t, out.Changes)
	p.AssertExpectations(t)
}

func TestHandleMessageErrors(t *testing.T) {
	p := &mockProcessor{}
	srv, err := New(p)
	require.NoError(t, err)

	p.On("Process", mock.Anything, 5, mock.Anything, mock.Anything).
		Return(nil, calendar.Errorf(calendar.CodeOutOfSequence, "stale update")).Once()

	tests := []struct {
		name        string
		target      string
		contentType string
		body        string
		want        int
		code        string
	}{
		{"missing user", "/", ingest.ContentTypeICal, invitation, http.StatusBadRequest, ""},
		{"bad user", "/bob", ingest.ContentTypeICal, invitation, http.StatusBadRequest, ""},
		{"bad source", "/2?source=fax", ingest.ContentTypeICal, invitation, http.StatusBadRequest, ""},
		{"unsupported content", "/2", "application/json", "{}", http.StatusBadRequest, "INVALID_DATA"},
		{"broken calendar", "/2", ingest.ContentTypeICal, "BEGIN:VCALENDAR\r\n", http.StatusBadRequest, "INVALID_DATA"},
		{"mail without calendar", "/2", "", "Subject: hi\r\nContent-Type: text/plain; charset=utf-8\r\n\r\nhello\r\n", http.StatusUnprocessableEntity, ""},
		{"processing failure", "/5", ingest.ContentTypeICal, invitation, http.StatusConflict, "OUT_OF_SEQUENCE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(t, srv, tt.target, tt.contentType, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())

			var resp errorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
			assert.Equal(t, tt.code, resp.Code)
		})
	}
	p.AssertExpectations(t)

	small, err := New(p, WithMaxBodySize(64))
	require.NoError(t, err)
	w := post(t, small, "/2", ingest.ContentTypeICal, invitation)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code, w.Body.String())
}

func TestServerWithService(t *testing.T) {
	dir, err := directory.New([]directory.Entry{
		{ID: 1, Name: "Alice", Email: "alice@example.com"},
		{ID: 2, Name: "Bob", Email: "bob@example.com"},
	})
	require.NoError(t, err)
	store := memory.New()
	svc, err := scheduling.NewService(scheduling.ServiceConfig{
		Storage:    store,
		Resolver:   dir,
		Recurrence: recurrence.NewEngine(),
		ServerUID:  "server-1",
		ContextID:  1,
	}, scheduling.WithAutoProcess(scheduling.AutoProcessAlways))
	require.NoError(t, err)

	srv, err := New(svc, WithURLPrefix("/itip"))
	require.NoError(t, err)

	w := post(t, srv, "/itip/2", ingest.ContentTypeICal, invitation)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decodeSummary(t, w)
	assert.Equal(t, "APPLIED", out.Status)
	require.Len(t, out.Changes, 1)
	assert.Equal(t, "CREATION", out.Changes[0].Kind)

	events, err := store.LoadEventsByUID(context.Background(), "http-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, out.Changes[0].EventID, events[0].ID)
	assert.Equal(t, "Kickoff", events[0].Summary)
}
