// Package calendar holds the scheduling object model: events, attendees and
// the resources grouping a series master with its change exceptions.
package calendar

import (
	"slices"
	"time"

	"github.com/emersion/go-ical"
	"github.com/samber/mo"
)

// CalendarUserType is the CUTYPE of an attendee.
type CalendarUserType string

const (
	CuTypeIndividual CalendarUserType = "INDIVIDUAL"
	CuTypeGroup      CalendarUserType = "GROUP"
	CuTypeResource   CalendarUserType = "RESOURCE"
	CuTypeRoom       CalendarUserType = "ROOM"
	CuTypeUnknown    CalendarUserType = "UNKNOWN"
)

// ParticipationStatus is the PARTSTAT of an attendee.
type ParticipationStatus string

const (
	PartStatNeedsAction ParticipationStatus = "NEEDS-ACTION"
	PartStatAccepted    ParticipationStatus = "ACCEPTED"
	PartStatDeclined    ParticipationStatus = "DECLINED"
	PartStatTentative   ParticipationStatus = "TENTATIVE"
	PartStatDelegated   ParticipationStatus = "DELEGATED"
)

// EventStatus is the STATUS of an event.
type EventStatus string

const (
	StatusTentative EventStatus = "TENTATIVE"
	StatusConfirmed EventStatus = "CONFIRMED"
	StatusCancelled EventStatus = "CANCELLED"
)

// RangeThisAndFuture is the only RANGE value RFC 5545 allows on a RECURRENCE-ID.
const RangeThisAndFuture = "THISANDFUTURE"

// ExtendedParameter is a non-standard property parameter kept verbatim.
type ExtendedParameter struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ExtendedProperty is a property the model has no dedicated field for
// (COMMENT, X-* properties).
type ExtendedProperty struct {
	Name       string              `json:"name"`
	Value      string              `json:"value"`
	Parameters []ExtendedParameter `json:"parameters,omitempty"`
}

// CalendarUser identifies an organizer, an attendee, or a SENT-BY delegate.
// Entity is the internal user or resource id; zero or less means external.
type CalendarUser struct {
	URI    string        `json:"uri,omitempty"`
	CN     string        `json:"cn,omitempty"`
	Email  string        `json:"email,omitempty"`
	Entity int           `json:"entity,omitempty"`
	SentBy *CalendarUser `json:"sentBy,omitempty"`
}

// IsInternal reports whether the calendar user resolves to a local entity.
func (u CalendarUser) IsInternal() bool {
	return u.Entity > 0
}

// Attendee is an event participant. Sequence and Timestamp are only present
// when the attendee's own reply carried them.
type Attendee struct {
	CalendarUser
	CuType             CalendarUserType    `json:"cuType,omitempty"`
	Role               string              `json:"role,omitempty"`
	PartStat           ParticipationStatus `json:"partStat,omitempty"`
	RSVP               bool                `json:"rsvp,omitempty"`
	Comment            string              `json:"comment,omitempty"`
	Member             []string            `json:"member,omitempty"`
	ExtendedParameters []ExtendedParameter `json:"extendedParameters,omitempty"`
	Sequence           mo.Option[int]      `json:"sequence"`
	Timestamp          mo.Option[int64]    `json:"timestamp"`
}

// RecurrenceID addresses one occurrence of a series, optionally extended to
// all following occurrences.
type RecurrenceID struct {
	Value time.Time `json:"value"`
	Range string    `json:"range,omitempty"`
}

// Matches compares the addressed instant only, ignoring the range.
func (r RecurrenceID) Matches(other RecurrenceID) bool {
	return r.Value.Equal(other.Value)
}

// ThisAndFuture reports whether the recurrence id carries RANGE=THISANDFUTURE.
func (r RecurrenceID) ThisAndFuture() bool {
	return r.Range == RangeThisAndFuture
}

// Alarm is a per-user reminder attached to an event.
type Alarm struct {
	UID         string `json:"uid"`
	Action      string `json:"action"`
	Trigger     string `json:"trigger"`
	Description string `json:"description,omitempty"`
}

// AlarmTrigger is the materialized next firing time of an alarm.
type AlarmTrigger struct {
	EventID  string    `json:"eventId"`
	UserID   int       `json:"userId"`
	AlarmUID string    `json:"alarmUid"`
	Time     time.Time `json:"time"`
}

// Attachment is an ATTACH property, either by reference or managed.
type Attachment struct {
	URI        string `json:"uri,omitempty"`
	Filename   string `json:"filename,omitempty"`
	FormatType string `json:"formatType,omitempty"`
	ManagedID  int    `json:"managedId,omitempty"`
}

// Conference is a CONFERENCE property (RFC 7986).
type Conference struct {
	URI      string   `json:"uri"`
	Label    string   `json:"label,omitempty"`
	Features []string `json:"features,omitempty"`
}

// Event is one VEVENT: a series master, a change exception, or a single
// non-recurring event. Values are treated as immutable; derive modified
// versions from Copy.
type Event struct {
	ID                   string             `json:"id,omitempty"`
	FolderID             string             `json:"folderId,omitempty"`
	SeriesID             string             `json:"seriesId,omitempty"`
	UID                  string             `json:"uid"`
	Filename             string             `json:"filename,omitempty"`
	Summary              string             `json:"summary,omitempty"`
	Description          string             `json:"description,omitempty"`
	Location             string             `json:"location,omitempty"`
	Start                time.Time          `json:"start"`
	End                  time.Time          `json:"end"`
	AllDay               bool               `json:"allDay,omitempty"`
	RecurrenceRule       string             `json:"recurrenceRule,omitempty"`
	RecurrenceID         *RecurrenceID      `json:"recurrenceId,omitempty"`
	RecurrenceDates      []RecurrenceID     `json:"recurrenceDates,omitempty"`
	ChangeExceptionDates []RecurrenceID     `json:"changeExceptionDates,omitempty"`
	DeleteExceptionDates []RecurrenceID     `json:"deleteExceptionDates,omitempty"`
	Organizer            *CalendarUser      `json:"organizer,omitempty"`
	Attendees            []Attendee         `json:"attendees,omitempty"`
	Attachments          []Attachment       `json:"attachments,omitempty"`
	Conferences          []Conference       `json:"conferences,omitempty"`
	Sequence             int                `json:"sequence"`
	DtStamp              int64              `json:"dtStamp,omitempty"`
	Created              int64              `json:"created,omitempty"`
	Timestamp            int64              `json:"timestamp,omitempty"`
	Status               EventStatus        `json:"status,omitempty"`
	Transp               string             `json:"transp,omitempty"`
	Classification       string             `json:"classification,omitempty"`
	ExtendedProperties   []ExtendedProperty `json:"extendedProperties,omitempty"`
}

// IsSeriesMaster reports whether the event defines a recurrence, by RRULE or
// by RDATE.
func (e Event) IsSeriesMaster() bool {
	return e.RecurrenceID == nil && (e.RecurrenceRule != "" || len(e.RecurrenceDates) > 0)
}

// IsSeriesException reports whether the event overrides one occurrence.
func (e Event) IsSeriesException() bool {
	return e.RecurrenceID != nil
}

// ExtendedProperty returns the first extended property with the given name.
func (e Event) ExtendedProperty(name string) mo.Option[ExtendedProperty] {
	for _, p := range e.ExtendedProperties {
		if p.Name == name {
			return mo.Some(p)
		}
	}
	return mo.None[ExtendedProperty]()
}

// Copy returns a deep copy of the event.
func (e Event) Copy() Event {
	c := e
	if e.RecurrenceID != nil {
		rid := *e.RecurrenceID
		c.RecurrenceID = &rid
	}
	if e.Organizer != nil {
		org := e.Organizer.copy()
		c.Organizer = &org
	}
	c.RecurrenceDates = slices.Clone(e.RecurrenceDates)
	c.ChangeExceptionDates = slices.Clone(e.ChangeExceptionDates)
	c.DeleteExceptionDates = slices.Clone(e.DeleteExceptionDates)
	c.Attendees = CopyAttendees(e.Attendees)
	c.Attachments = slices.Clone(e.Attachments)
	c.Conferences = make([]Conference, 0, len(e.Conferences))
	for _, conf := range e.Conferences {
		conf.Features = slices.Clone(conf.Features)
		c.Conferences = append(c.Conferences, conf)
	}
	if len(c.Conferences) == 0 {
		c.Conferences = nil
	}
	c.ExtendedProperties = make([]ExtendedProperty, 0, len(e.ExtendedProperties))
	for _, p := range e.ExtendedProperties {
		p.Parameters = slices.Clone(p.Parameters)
		c.ExtendedProperties = append(c.ExtendedProperties, p)
	}
	if len(c.ExtendedProperties) == 0 {
		c.ExtendedProperties = nil
	}
	return c
}

func (u CalendarUser) copy() CalendarUser {
	c := u
	if u.SentBy != nil {
		sb := u.SentBy.copy()
		c.SentBy = &sb
	}
	return c
}

// Copy returns a deep copy of the attendee.
func (a Attendee) Copy() Attendee {
	c := a
	c.CalendarUser = a.CalendarUser.copy()
	c.Member = slices.Clone(a.Member)
	c.ExtendedParameters = slices.Clone(a.ExtendedParameters)
	return c
}

// CopyAttendees deep-copies a list of attendees.
func CopyAttendees(attendees []Attendee) []Attendee {
	if attendees == nil {
		return nil
	}
	out := make([]Attendee, 0, len(attendees))
	for _, a := range attendees {
		out = append(out, a.Copy())
	}
	return out
}

// CalendarObjectResource groups all events sharing one UID as transported in
// one scheduling message or stored in one calendar.
type CalendarObjectResource struct {
	events []Event
}

// NewResource builds a resource from events of the same UID.
func NewResource(events ...Event) *CalendarObjectResource {
	r := &CalendarObjectResource{events: make([]Event, 0, len(events))}
	for _, e := range events {
		r.events = append(r.events, e.Copy())
	}
	return r
}

// ValidateResource checks that events form one scheduling object: a single
// UID, at most one event without recurrence id and no recurrence id twice.
func ValidateResource(events []Event) error {
	if len(events) == 0 {
		return nil
	}
	uid := events[0].UID
	var masters int
	var rids []RecurrenceID
	for _, e := range events {
		if e.UID != uid {
			return Errorf(CodeInvalidData, "calendar object mixes UIDs %q and %q", uid, e.UID)
		}
		if e.RecurrenceID == nil {
			if masters++; masters > 1 {
				return Errorf(CodeInvalidData, "%s has more than one event without RECURRENCE-ID", uid)
			}
			continue
		}
		if slices.ContainsFunc(rids, e.RecurrenceID.Matches) {
			return Errorf(CodeInvalidData, "%s carries RECURRENCE-ID %s twice", uid, e.RecurrenceID.Value.UTC().Format(time.RFC3339))
		}
		rids = append(rids, *e.RecurrenceID)
	}
	return nil
}

// Validate checks the resource with ValidateResource.
func (r *CalendarObjectResource) Validate() error {
	if r == nil {
		return nil
	}
	return ValidateResource(r.events)
}

// UID returns the shared UID, or "" for an empty resource.
func (r *CalendarObjectResource) UID() string {
	if r == nil || len(r.events) == 0 {
		return ""
	}
	return r.events[0].UID
}

// Events returns copies of all events in their transported order.
func (r *CalendarObjectResource) Events() []Event {
	if r == nil {
		return nil
	}
	out := make([]Event, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Copy())
	}
	return out
}

// Len returns the number of events.
func (r *CalendarObjectResource) Len() int {
	if r == nil {
		return 0
	}
	return len(r.events)
}

// First returns the first event, typically the master after sorting.
func (r *CalendarObjectResource) First() mo.Option[Event] {
	if r == nil || len(r.events) == 0 {
		return mo.None[Event]()
	}
	return mo.Some(r.events[0].Copy())
}

// SeriesMaster returns the series master if the resource carries one.
func (r *CalendarObjectResource) SeriesMaster() mo.Option[Event] {
	if r == nil {
		return mo.None[Event]()
	}
	for _, e := range r.events {
		if e.RecurrenceID == nil {
			return mo.Some(e.Copy())
		}
	}
	return mo.None[Event]()
}

// ChangeExceptions returns all events carrying a recurrence id.
func (r *CalendarObjectResource) ChangeExceptions() []Event {
	if r == nil {
		return nil
	}
	var out []Event
	for _, e := range r.events {
		if e.RecurrenceID != nil {
			out = append(out, e.Copy())
		}
	}
	return out
}

// Occurrence returns the event overriding the given recurrence id.
func (r *CalendarObjectResource) Occurrence(rid RecurrenceID) mo.Option[Event] {
	if r == nil {
		return mo.None[Event]()
	}
	for _, e := range r.events {
		if e.RecurrenceID != nil && e.RecurrenceID.Matches(rid) {
			return mo.Some(e.Copy())
		}
	}
	return mo.None[Event]()
}

// Organizer returns the organizer of the first event that has one.
func (r *CalendarObjectResource) Organizer() *CalendarUser {
	if r == nil {
		return nil
	}
	for _, e := range r.events {
		if e.Organizer != nil {
			org := e.Organizer.copy()
			return &org
		}
	}
	return nil
}

// TriggerTime resolves the alarm trigger against the event start. Absolute
// UTC triggers are returned as is.
func (a Alarm) TriggerTime(e Event) (time.Time, error) {
	if t, err := time.Parse(dateTimeFormatUTC, a.Trigger); err == nil {
		return t, nil
	}
	prop := ical.NewProp(propTrigger)
	prop.Value = a.Trigger
	d, err := prop.Duration()
	if err != nil {
		return time.Time{}, Wrap(CodeInvalidData, err, "invalid alarm trigger")
	}
	return e.Start.Add(d), nil
}
