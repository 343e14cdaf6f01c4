package scheduling

import (
	"context"

	"github.com/samber/mo"

	"github.com/cyp0633/libitip/calendar"
)

// ExceptionPerformer turns single occurrences of a series into change
// exceptions.
type ExceptionPerformer struct {
	performer
}

// NewExceptionPerformer creates a performer bound to sc.
func NewExceptionPerformer(sc *Context) *ExceptionPerformer {
	return &ExceptionPerformer{performer{sc: sc}}
}

// CreateChangeException materializes the occurrence rid of master with the
// master's data. If attendee is set, it replaces the matching attendee of the
// new exception, or is added to it.
func (p *ExceptionPerformer) CreateChangeException(ctx context.Context, master calendar.Event, rid calendar.RecurrenceID, attendee mo.Option[calendar.Attendee]) (calendar.Event, error) {
	exception, err := p.createFrom(ctx, master, occurrenceOf(master, rid))
	if err != nil {
		return calendar.Event{}, err
	}
	a, ok := attendee.Get()
	if !ok {
		return exception, nil
	}
	attendees := NewAttendeePerformer(p.sc)
	if original, found := calendar.FindAttendee(exception.Attendees, a.CalendarUser).Get(); found {
		update := withStoredIdentity(original, a)
		if calendar.AttendeeDiff(original, update).IsEmpty() {
			return exception, nil
		}
		return attendees.UpdateAttendee(ctx, exception, update)
	}
	return attendees.AddAttendee(ctx, exception, a)
}

// createFrom inserts template as change exception of master. The template
// brings its own attendees, attachments and conferences; alarms are copied
// from the master. The recurrence id is added to the master's change
// exception dates, then the triggers of the master and the new exception
// are rebuilt in that order.
func (p *ExceptionPerformer) createFrom(ctx context.Context, master calendar.Event, template calendar.Event) (calendar.Event, error) {
	if template.RecurrenceID == nil {
		return calendar.Event{}, calendar.Errorf(calendar.CodeInvalidData, "change exception of %s without recurrence id", master.UID)
	}
	rid := calendar.RecurrenceID{Value: template.RecurrenceID.Value}
	master, err := p.load(ctx, master.ID)
	if err != nil {
		return calendar.Event{}, err
	}
	masterAlarms, err := p.store().Alarms().LoadAlarms(ctx, master.ID)
	if err != nil {
		return calendar.Event{}, storageError(err, "cannot load alarms of "+master.ID)
	}

	id, err := p.store().Events().NextID(ctx)
	if err != nil {
		return calendar.Event{}, storageError(err, "cannot allocate event id")
	}
	now := p.sc.now()
	exception := template.Copy()
	exception.ID = id
	exception.FolderID = master.FolderID
	exception.SeriesID = master.ID
	exception.UID = master.UID
	exception.Filename = master.Filename
	exception.RecurrenceID = &rid
	exception.RecurrenceRule = ""
	exception.ChangeExceptionDates = nil
	exception.DeleteExceptionDates = nil
	exception.Created = now
	exception.Timestamp = now
	if exception.Organizer == nil {
		exception.Organizer = master.Organizer
	}

	exception, err = p.insertEvent(ctx, exception)
	if err != nil {
		return calendar.Event{}, err
	}
	for userID, alarms := range masterAlarms {
		copied := make([]calendar.Alarm, 0, len(alarms))
		for _, a := range alarms {
			a.UID = ""
			copied = append(copied, a)
		}
		if err := p.store().Alarms().InsertAlarms(ctx, exception.ID, userID, copied); err != nil {
			return calendar.Event{}, storageError(err, "cannot copy alarms")
		}
	}
	p.sc.Tracker.TrackCreation(exception)

	updatedMaster := master.Copy()
	updatedMaster.ChangeExceptionDates = calendar.AddRecurrenceID(master.ChangeExceptionDates, rid)
	updatedMaster.Timestamp = now
	if err := p.updateRow(ctx, updatedMaster); err != nil {
		return calendar.Event{}, err
	}
	reloadedMaster, err := p.load(ctx, master.ID)
	if err != nil {
		return calendar.Event{}, err
	}
	p.sc.Tracker.TrackUpdate(master, reloadedMaster)

	if err := p.replaceTriggers(ctx, reloadedMaster, masterAlarms); err != nil {
		return calendar.Event{}, err
	}
	if err := p.resetTriggers(ctx, exception); err != nil {
		return calendar.Event{}, err
	}
	return exception, nil
}

// withStoredIdentity returns the attendee update with identity fields taken
// from the stored attendee.
func withStoredIdentity(stored, update calendar.Attendee) calendar.Attendee {
	return calendar.CopyAttendeeFields(update, stored,
		calendar.AttendeeFieldEntity, calendar.AttendeeFieldMember,
		calendar.AttendeeFieldCuType, calendar.AttendeeFieldURI)
}
