package scheduling

import (
	"github.com/samber/mo"

	"github.com/cyp0633/libitip/calendar"
	"github.com/cyp0633/libitip/itip"
	"github.com/cyp0633/libitip/storage"
)

// Source tells how a message reached the server.
type Source string

const (
	// SourceAPI marks messages submitted by a trusted client on behalf of the
	// session user.
	SourceAPI Source = "API"
	// SourceMail marks messages received through iMIP.
	SourceMail Source = "MAIL"
)

// Folder is a calendar folder and the entity owning it.
type Folder struct {
	ID      string
	OwnerID int
}

// AttendeeStatus is a participation status picked by the target user.
type AttendeeStatus struct {
	PartStat calendar.ParticipationStatus
	Comment  string
}

// IncomingMessage is a scheduling message ready for processing.
type IncomingMessage struct {
	Method     itip.Method
	Originator calendar.CalendarUser
	// TargetUser is the internal calendar user the message is addressed to.
	TargetUser int
	Resource   *calendar.CalendarObjectResource
	// ITipData is the routing marker found on the message, if any.
	ITipData mo.Option[itip.Data]
	// Status optionally applies the target user's own reply along with the
	// message. Only API callers set it.
	Status *AttendeeStatus
	// DeclineCounter rejects a COUNTER instead of applying it.
	DeclineCounter bool
	// Properties carries additional transport data (message id, subject).
	Properties map[string]string
}

// Context is the state shared by a handler and its performers during one
// processing call.
type Context struct {
	Session       *Session
	Storage       storage.CalendarStorage
	Folder        Folder
	Source        Source
	Tracker       *ResultTracker
	Helper        *SchedulingHelper
	Retry         RetryPolicy
	CounterFields []calendar.EventField
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// DefaultCounterFields are the event fields taken from an accepted COUNTER.
var DefaultCounterFields = []calendar.EventField{
	calendar.EventFieldStart,
	calendar.EventFieldEnd,
	calendar.EventFieldAllDay,
	calendar.EventFieldRecurrenceRule,
	calendar.EventFieldRecurrenceDates,
}

// NewContext prepares a processing context for a folder.
func NewContext(session *Session, store storage.CalendarStorage, folder Folder, source Source, opts ...ContextOption) *Context {
	sc := &Context{
		Session:       session,
		Storage:       store,
		Folder:        folder,
		Source:        source,
		Tracker:       NewResultTracker(folder.OwnerID, folder.ID),
		Retry:         DefaultRetryPolicy(),
		CounterFields: DefaultCounterFields,
	}
	sc.Helper = NewSchedulingHelper(session, sc.Tracker)
	for _, opt := range opts {
		opt(sc)
	}
	return sc
}

// WithRetryPolicy sets the retry policy of storage mutations.
func WithRetryPolicy(p RetryPolicy) ContextOption {
	return func(sc *Context) {
		sc.Retry = p
	}
}

// WithCounterFields sets the fields accepted from a COUNTER.
func WithCounterFields(fields []calendar.EventField) ContextOption {
	return func(sc *Context) {
		if len(fields) > 0 {
			sc.CounterFields = fields
		}
	}
}

// WithRecipientDefaults sets the settings used for recipients whose own
// settings cannot be resolved.
func WithRecipientDefaults(d RecipientSettings) ContextOption {
	return func(sc *Context) {
		sc.Helper = sc.Helper.WithDefaults(d)
	}
}

// CalendarUser is the entity owning the target folder.
func (sc *Context) CalendarUser() int {
	return sc.Folder.OwnerID
}

func (sc *Context) trusted() bool {
	return sc.Source == SourceAPI
}

func (sc *Context) now() int64 {
	return sc.Session.Now().UnixMilli()
}

// Result returns the result recorded so far.
func (sc *Context) Result() *Result {
	return sc.Tracker.Result(sc.Session.Warnings())
}
