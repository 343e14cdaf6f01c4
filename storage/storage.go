// Package storage declares the calendar storage collaborators the scheduling
// core mutates. Implementations are scoped to a single context (tenant).
package storage

import (
	"context"

	"github.com/cyp0633/libitip/calendar"
)

// EventStorage persists event rows. Attendees, attachments and conferences are
// kept by their own storages and are ignored by InsertEvent/UpdateEvent.
type EventStorage interface {
	// NextID reserves a new, unused event id.
	NextID(ctx context.Context) (string, error)
	// LoadEvent returns a single event. A tombstoned or unknown id yields ErrNotFound.
	LoadEvent(ctx context.Context, id string) (calendar.Event, error)
	// LoadEventsByUID returns all live events with the given UID, in any folder.
	LoadEventsByUID(ctx context.Context, uid string) ([]calendar.Event, error)
	// LoadExceptions returns the change exceptions of a series.
	LoadExceptions(ctx context.Context, seriesID string) ([]calendar.Event, error)
	// InsertEvent stores a new event.
	InsertEvent(ctx context.Context, event calendar.Event) error
	// UpdateEvent replaces the stored row of an existing event.
	UpdateEvent(ctx context.Context, event calendar.Event) error
	// DeleteEvent tombstones an event.
	DeleteEvent(ctx context.Context, id string) error
}

// AttendeeStorage persists the attendees of events. Updates and deletions
// match attendees by calendar user identity.
type AttendeeStorage interface {
	LoadAttendees(ctx context.Context, eventID string) ([]calendar.Attendee, error)
	InsertAttendees(ctx context.Context, eventID string, attendees []calendar.Attendee) error
	UpdateAttendees(ctx context.Context, eventID string, attendees []calendar.Attendee) error
	DeleteAttendees(ctx context.Context, eventID string, attendees []calendar.Attendee) error
}

// AlarmStorage persists per-user alarms.
type AlarmStorage interface {
	// LoadAlarms returns the alarms of an event keyed by user id.
	LoadAlarms(ctx context.Context, eventID string) (map[int][]calendar.Alarm, error)
	InsertAlarms(ctx context.Context, eventID string, userID int, alarms []calendar.Alarm) error
	DeleteAlarms(ctx context.Context, eventID string) error
}

// AlarmTriggerStorage persists the materialized trigger times of alarms.
type AlarmTriggerStorage interface {
	LoadTriggers(ctx context.Context, eventID string) ([]calendar.AlarmTrigger, error)
	// InsertTriggers computes and stores the triggers of the given alarms.
	InsertTriggers(ctx context.Context, event calendar.Event, alarms map[int][]calendar.Alarm) error
	DeleteTriggers(ctx context.Context, eventID string) error
}

// AttachmentStorage persists event attachments.
type AttachmentStorage interface {
	LoadAttachments(ctx context.Context, eventID string) ([]calendar.Attachment, error)
	InsertAttachments(ctx context.Context, eventID string, attachments []calendar.Attachment) error
	DeleteAttachments(ctx context.Context, eventID string) error
}

// ConferenceStorage persists event conferences.
type ConferenceStorage interface {
	LoadConferences(ctx context.Context, eventID string) ([]calendar.Conference, error)
	InsertConferences(ctx context.Context, eventID string, conferences []calendar.Conference) error
	DeleteConferences(ctx context.Context, eventID string) error
}

// CalendarStorage bundles the storages of one context.
type CalendarStorage interface {
	Events() EventStorage
	Attendees() AttendeeStorage
	Alarms() AlarmStorage
	AlarmTriggers() AlarmTriggerStorage
	Attachments() AttachmentStorage
	Conferences() ConferenceStorage
}

// Transactional is implemented by storages that can run a unit of work
// atomically. fn receives a storage bound to the transaction; returning an
// error rolls everything back.
type Transactional interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context, tx CalendarStorage) error) error
}

// RowData returns a copy of the event without the data kept by the attendee,
// attachment and conference storages.
func RowData(event calendar.Event) calendar.Event {
	row := event.Copy()
	row.Attendees = nil
	row.Attachments = nil
	row.Conferences = nil
	return row
}
