package scheduling

import (
	"context"
	"slices"

	"github.com/cyp0633/libitip/calendar"
)

// transmittedFields are the event fields a Put takes from the message.
// Change exception dates are derived from the stored exceptions.
var transmittedFields = slices.DeleteFunc(slices.Clone(calendar.AllEventFields), func(f calendar.EventField) bool {
	return f == calendar.EventFieldChangeExceptionDates || f == calendar.EventFieldTimestamp ||
		f == calendar.EventFieldRecurrenceID
})

var rescheduleFields = []calendar.EventField{
	calendar.EventFieldStart, calendar.EventFieldEnd, calendar.EventFieldAllDay, calendar.EventFieldRecurrenceRule,
	calendar.EventFieldRecurrenceDates,
}

// PutPerformer stores a whole resource in the context's folder, creating,
// merging into, or replacing the calendar user's copy.
type PutPerformer struct {
	performer
	fields []calendar.EventField
}

// NewPutPerformer creates a performer bound to sc.
func NewPutPerformer(sc *Context) *PutPerformer {
	return &PutPerformer{performer: performer{sc: sc}}
}

// WithFields restricts updates to the given fields. Restricted puts never
// create new events, only change exceptions of a stored series.
func (p *PutPerformer) WithFields(fields ...calendar.EventField) *PutPerformer {
	return &PutPerformer{performer: p.performer, fields: fields}
}

// Perform upserts the resource. With replace, stored change exceptions the
// resource does not mention are deleted.
func (p *PutPerformer) Perform(ctx context.Context, resource *calendar.CalendarObjectResource, replace bool) error {
	if resource.Len() == 0 {
		return calendar.Errorf(calendar.CodeInvalidData, "empty resource")
	}
	if err := requireWritePermission(ctx, p.sc, nil); err != nil {
		return err
	}
	cu := p.sc.CalendarUser()
	resolver := NewResolvePerformer(p.sc.Session, p.store())
	lookup, err := resolver.LookupByUID(ctx, resource.UID(), cu)
	if err != nil {
		return err
	}
	var stored []calendar.Event
	if res, ok := lookup.Get(); ok {
		stored = res.Events()
	}
	for _, e := range stored {
		if e.FolderID != p.sc.Folder.ID {
			return calendar.Errorf(calendar.CodeUIDConflict, "uid %s already used in folder %s", e.UID, e.FolderID)
		}
	}
	if p.fields != nil && len(stored) == 0 {
		return calendar.Errorf(calendar.CodeEventNotFound, "no event with uid %s", resource.UID())
	}

	organizerSide := isOrganizedBy(resource, cu) || (len(stored) > 0 && isOrganizedBy(calendar.NewResource(stored...), cu))
	incoming := calendar.SortSeriesMasterFirst(resource.Events())
	var master *calendar.Event
	if len(stored) > 0 && stored[0].RecurrenceID == nil {
		master = &stored[0]
	}

	var substantive []calendar.EventUpdate
	created := false
	for _, in := range incoming {
		match := findByRecurrenceID(stored, in.RecurrenceID)
		switch {
		case match != nil:
			update, err := p.update(ctx, *match, in, organizerSide)
			if err != nil {
				return err
			}
			if !update.Fields.IsEmpty() && !update.IsAboutStateChangesOnly() {
				substantive = append(substantive, update)
			}
			if match.RecurrenceID == nil {
				updated := update.Updated
				master = &updated
			}
		case in.RecurrenceID != nil && master != nil && master.IsSeriesMaster():
			template := in
			if p.fields != nil {
				template = calendar.CopyEventFields(occurrenceOf(*master, *in.RecurrenceID), in, p.fields...)
			}
			if err := requireRecurrenceIDExists(p.sc.Session, *master, *in.RecurrenceID); err != nil {
				return err
			}
			if _, err := NewExceptionPerformer(p.sc).createFrom(ctx, *master, template); err != nil {
				return err
			}
			created = true
		case p.fields != nil:
			return calendar.Errorf(calendar.CodeEventNotFound, "no stored event for %s", describe(in))
		default:
			e, err := p.create(ctx, in)
			if err != nil {
				return err
			}
			if e.RecurrenceID == nil {
				master = &e
			}
			created = true
		}
	}

	if replace && master != nil {
		for _, s := range stored {
			if s.RecurrenceID == nil || slices.ContainsFunc(incoming, func(in calendar.Event) bool {
				return in.RecurrenceID != nil && in.RecurrenceID.Matches(*s.RecurrenceID)
			}) {
				continue
			}
			if err := p.deleteEventData(ctx, s); err != nil {
				return err
			}
		}
	}
	if master != nil && master.IsSeriesMaster() {
		if err := p.syncChangeExceptionDates(ctx, master.ID); err != nil {
			return err
		}
	}

	if !organizerSide {
		return nil
	}
	final, err := resolver.LookupByUID(ctx, resource.UID(), cu)
	if err != nil {
		return err
	}
	res, ok := final.Get()
	if !ok {
		return nil
	}
	switch {
	case len(stored) == 0:
		p.sc.Helper.TrackCreation(ctx, res)
	case len(substantive) > 0:
		p.sc.Helper.TrackUpdate(ctx, res, substantive[0])
	case created:
		p.sc.Helper.TrackUpdateFor(ctx, res, nil)
	}
	return nil
}

func (p *PutPerformer) create(ctx context.Context, in calendar.Event) (calendar.Event, error) {
	id, err := p.store().Events().NextID(ctx)
	if err != nil {
		return calendar.Event{}, storageError(err, "cannot allocate event id")
	}
	now := p.sc.now()
	e := in.Copy()
	e.ID = id
	e.FolderID = p.sc.Folder.ID
	e.SeriesID = ""
	if e.IsSeriesMaster() {
		e.SeriesID = id
	}
	e.ChangeExceptionDates = nil
	e.Created = now
	e.Timestamp = now
	created, err := p.insertEvent(ctx, e)
	if err != nil {
		return calendar.Event{}, err
	}
	p.sc.Tracker.TrackCreation(created)
	return created, nil
}

// update merges the transmitted event into the stored one.
func (p *PutPerformer) update(ctx context.Context, original, in calendar.Event, organizerSide bool) (calendar.EventUpdate, error) {
	fields := p.fields
	if fields == nil {
		fields = transmittedFields
	}
	if !organizerSide {
		if err := requireInSequence(original, in); err != nil {
			return calendar.EventUpdate{}, err
		}
	}
	updated := calendar.CopyEventFields(original, in, fields...)
	if !organizerSide {
		updated.Attendees = keepOwnParticipation(original, updated, p.sc.CalendarUser())
	}

	update := calendar.NewEventUpdate(original, updated)
	if update.Fields.IsEmpty() {
		p.sc.Session.Logger.Debug("nothing to update", "uid", original.UID, "event_id", original.ID)
		return update, nil
	}
	if organizerSide && !update.IsAboutStateChangesOnly() && updated.Sequence <= original.Sequence {
		updated.Sequence = original.Sequence + 1
	}
	reloaded, err := p.updateEvent(ctx, original, updated)
	if err != nil {
		return calendar.EventUpdate{}, err
	}
	return calendar.NewEventUpdate(original, reloaded), nil
}

// syncChangeExceptionDates aligns the master's change exception dates with
// the stored exceptions.
func (p *PutPerformer) syncChangeExceptionDates(ctx context.Context, masterID string) error {
	master, err := p.load(ctx, masterID)
	if err != nil {
		return err
	}
	exceptions, err := loadExceptionData(ctx, p.store(), master)
	if err != nil {
		return err
	}
	var dates []calendar.RecurrenceID
	for _, e := range exceptions {
		dates = calendar.AddRecurrenceID(dates, *e.RecurrenceID)
	}
	if slices.EqualFunc(master.ChangeExceptionDates, dates, calendar.RecurrenceID.Matches) {
		return nil
	}
	updated := master.Copy()
	updated.ChangeExceptionDates = dates
	_, err = p.updateEvent(ctx, master, updated)
	return err
}

// keepOwnParticipation preserves the calendar user's reply across organizer
// updates that do not reschedule the event.
func keepOwnParticipation(original, updated calendar.Event, calendarUser int) []calendar.Attendee {
	own, ok := calendar.FindAttendeeByEntity(original.Attendees, calendarUser).Get()
	if !ok || !calendar.FindAttendeeByEntity(updated.Attendees, calendarUser).IsPresent() {
		return updated.Attendees
	}
	if calendar.EventDiff(original, updated).ContainsAny(rescheduleFields...) {
		return updated.Attendees
	}
	incoming := calendar.FindAttendeeByEntity(updated.Attendees, calendarUser).MustGet()
	kept := calendar.CopyAttendeeFields(incoming, own,
		calendar.AttendeeFieldPartStat, calendar.AttendeeFieldComment,
		calendar.AttendeeFieldSequence, calendar.AttendeeFieldTimestamp)
	return calendar.ReplaceAttendee(updated.Attendees, kept)
}

func findByRecurrenceID(events []calendar.Event, rid *calendar.RecurrenceID) *calendar.Event {
	for i := range events {
		e := &events[i]
		if rid == nil && e.RecurrenceID == nil {
			return e
		}
		if rid != nil && e.RecurrenceID != nil && e.RecurrenceID.Matches(*rid) {
			return e
		}
	}
	return nil
}

func isOrganizedBy(resource *calendar.CalendarObjectResource, entity int) bool {
	org := resource.Organizer()
	return org != nil && entity > 0 && org.Entity == entity
}
