package scheduling

import (
	"context"
	"slices"

	"github.com/cyp0633/libitip/calendar"
	"github.com/cyp0633/libitip/storage"
)

// performer holds the storage primitives shared by all update performers.
// Every mutation it performs is recorded in the context's tracker.
type performer struct {
	sc *Context
}

func (p performer) store() storage.CalendarStorage {
	return p.sc.Storage
}

func (p performer) load(ctx context.Context, id string) (calendar.Event, error) {
	return loadEventData(ctx, p.store(), id)
}

// insertEvent stores a new event with its attendees, attachments and
// conferences and returns the stored version.
func (p performer) insertEvent(ctx context.Context, e calendar.Event) (calendar.Event, error) {
	_, err := p.sc.Retry.Do(ctx, storage.RowData(e), func(ctx context.Context, row calendar.Event) error {
		return p.store().Events().InsertEvent(ctx, row)
	})
	if err != nil {
		return calendar.Event{}, storageError(err, "cannot insert event "+describe(e))
	}
	if len(e.Attendees) > 0 {
		if err := p.store().Attendees().InsertAttendees(ctx, e.ID, e.Attendees); err != nil {
			return calendar.Event{}, storageError(err, "cannot insert attendees")
		}
	}
	if len(e.Attachments) > 0 {
		if err := p.store().Attachments().InsertAttachments(ctx, e.ID, e.Attachments); err != nil {
			return calendar.Event{}, storageError(err, "cannot insert attachments")
		}
	}
	if len(e.Conferences) > 0 {
		if err := p.store().Conferences().InsertConferences(ctx, e.ID, e.Conferences); err != nil {
			return calendar.Event{}, storageError(err, "cannot insert conferences")
		}
	}
	return p.load(ctx, e.ID)
}

// updateRow replaces the stored event row.
func (p performer) updateRow(ctx context.Context, e calendar.Event) error {
	_, err := p.sc.Retry.Do(ctx, storage.RowData(e), func(ctx context.Context, row calendar.Event) error {
		return p.store().Events().UpdateEvent(ctx, row)
	})
	if err != nil {
		return storageError(err, "cannot update event "+describe(e))
	}
	return nil
}

// touch bumps the timestamp of an event whose dependent data changed.
func (p performer) touch(ctx context.Context, e calendar.Event) error {
	row := storage.RowData(e)
	row.Timestamp = p.sc.now()
	return p.updateRow(ctx, row)
}

// updateEvent persists updated over original: the event row plus the
// attendee, attachment and conference differences.
func (p performer) updateEvent(ctx context.Context, original, updated calendar.Event) (calendar.Event, error) {
	updated.Timestamp = p.sc.now()
	if err := p.updateRow(ctx, updated); err != nil {
		return calendar.Event{}, err
	}

	attendees := calendar.DiffAttendees(original.Attendees, updated.Attendees)
	if len(attendees.Removed) > 0 {
		if err := p.store().Attendees().DeleteAttendees(ctx, original.ID, attendees.Removed); err != nil {
			return calendar.Event{}, storageError(err, "cannot delete attendees")
		}
	}
	if len(attendees.Updated) > 0 {
		changed := make([]calendar.Attendee, 0, len(attendees.Updated))
		for _, u := range attendees.Updated {
			changed = append(changed, u.Updated)
		}
		if err := p.store().Attendees().UpdateAttendees(ctx, original.ID, changed); err != nil {
			return calendar.Event{}, storageError(err, "cannot update attendees")
		}
	}
	if len(attendees.Added) > 0 {
		if err := p.store().Attendees().InsertAttendees(ctx, original.ID, attendees.Added); err != nil {
			return calendar.Event{}, storageError(err, "cannot insert attendees")
		}
	}

	fields := calendar.EventDiff(original, updated)
	if fields.Contains(calendar.EventFieldAttachments) {
		if err := p.store().Attachments().DeleteAttachments(ctx, original.ID); err != nil {
			return calendar.Event{}, storageError(err, "cannot replace attachments")
		}
		if len(updated.Attachments) > 0 {
			if err := p.store().Attachments().InsertAttachments(ctx, original.ID, updated.Attachments); err != nil {
				return calendar.Event{}, storageError(err, "cannot replace attachments")
			}
		}
	}
	if fields.Contains(calendar.EventFieldConferences) {
		if err := p.store().Conferences().DeleteConferences(ctx, original.ID); err != nil {
			return calendar.Event{}, storageError(err, "cannot replace conferences")
		}
		if len(updated.Conferences) > 0 {
			if err := p.store().Conferences().InsertConferences(ctx, original.ID, updated.Conferences); err != nil {
				return calendar.Event{}, storageError(err, "cannot replace conferences")
			}
		}
	}

	reloaded, err := p.load(ctx, original.ID)
	if err != nil {
		return calendar.Event{}, err
	}
	if fields.ContainsAny(calendar.EventFieldStart, calendar.EventFieldEnd, calendar.EventFieldAllDay,
		calendar.EventFieldRecurrenceRule, calendar.EventFieldDeleteExceptionDates) {
		if err := p.resetTriggers(ctx, reloaded); err != nil {
			return calendar.Event{}, err
		}
	}
	p.sc.Tracker.TrackUpdate(original, reloaded)
	return reloaded, nil
}

// resetTriggers recomputes the alarm triggers of an event.
func (p performer) resetTriggers(ctx context.Context, e calendar.Event) error {
	alarms, err := p.store().Alarms().LoadAlarms(ctx, e.ID)
	if err != nil {
		return storageError(err, "cannot load alarms")
	}
	return p.replaceTriggers(ctx, e, alarms)
}

func (p performer) replaceTriggers(ctx context.Context, e calendar.Event, alarms map[int][]calendar.Alarm) error {
	if err := p.store().AlarmTriggers().DeleteTriggers(ctx, e.ID); err != nil {
		return storageError(err, "cannot delete alarm triggers")
	}
	if len(alarms) == 0 {
		return nil
	}
	if err := p.store().AlarmTriggers().InsertTriggers(ctx, e, alarms); err != nil {
		return storageError(err, "cannot insert alarm triggers")
	}
	return nil
}

// deleteEventData removes an event and everything stored along with it.
func (p performer) deleteEventData(ctx context.Context, e calendar.Event) error {
	if len(e.Attendees) > 0 {
		if err := p.store().Attendees().DeleteAttendees(ctx, e.ID, e.Attendees); err != nil {
			return storageError(err, "cannot delete attendees")
		}
	}
	if err := p.store().Alarms().DeleteAlarms(ctx, e.ID); err != nil {
		return storageError(err, "cannot delete alarms")
	}
	if err := p.store().AlarmTriggers().DeleteTriggers(ctx, e.ID); err != nil {
		return storageError(err, "cannot delete alarm triggers")
	}
	if err := p.store().Attachments().DeleteAttachments(ctx, e.ID); err != nil {
		return storageError(err, "cannot delete attachments")
	}
	if err := p.store().Conferences().DeleteConferences(ctx, e.ID); err != nil {
		return storageError(err, "cannot delete conferences")
	}
	if err := p.store().Events().DeleteEvent(ctx, e.ID); err != nil {
		return storageError(err, "cannot delete event "+describe(e))
	}
	deleted := e.Copy()
	deleted.Timestamp = p.sc.now()
	p.sc.Tracker.TrackDeletion(deleted)
	return nil
}

// deleteSeries deletes an event and, for a series master, all its change
// exceptions.
func (p performer) deleteSeries(ctx context.Context, master calendar.Event) error {
	exceptions, err := loadExceptionData(ctx, p.store(), master)
	if err != nil {
		return err
	}
	if err := p.deleteEventData(ctx, master); err != nil {
		return err
	}
	for _, e := range exceptions {
		if err := p.deleteEventData(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// deleteException deletes a change exception and records its recurrence id
// as deleted occurrence of the master, if the master is known.
func (p performer) deleteException(ctx context.Context, master *calendar.Event, exception calendar.Event) error {
	if err := p.deleteEventData(ctx, exception); err != nil {
		return err
	}
	if master == nil {
		return nil
	}
	updated := master.Copy()
	updated.ChangeExceptionDates = calendar.RemoveRecurrenceID(updated.ChangeExceptionDates, *exception.RecurrenceID)
	updated.DeleteExceptionDates = calendar.AddRecurrenceID(updated.DeleteExceptionDates, *exception.RecurrenceID)
	_, err := p.updateEvent(ctx, *master, updated)
	return err
}

// deleteOccurrence excludes a regular occurrence from the series.
func (p performer) deleteOccurrence(ctx context.Context, master calendar.Event, rid calendar.RecurrenceID) error {
	updated := master.Copy()
	updated.DeleteExceptionDates = calendar.AddRecurrenceID(updated.DeleteExceptionDates, rid)
	_, err := p.updateEvent(ctx, master, updated)
	return err
}

// truncateSeries ends the series before rid and deletes the change
// exceptions from rid on. Truncating at the first occurrence deletes the
// whole series.
func (p performer) truncateSeries(ctx context.Context, master calendar.Event, rid calendar.RecurrenceID) error {
	if !rid.Value.After(master.Start) {
		return p.deleteSeries(ctx, master)
	}
	updated := master.Copy()
	if master.RecurrenceRule != "" {
		rule, err := p.sc.Session.Recurrence.TruncateRule(master, rid)
		if err != nil {
			return calendar.Wrap(calendar.CodeInvalidData, err, "cannot truncate series "+master.UID)
		}
		updated.RecurrenceRule = rule
	}
	updated.RecurrenceDates = beforeRecurrenceID(updated.RecurrenceDates, rid)
	exceptions, err := loadExceptionData(ctx, p.store(), master)
	if err != nil {
		return err
	}
	for _, e := range exceptions {
		if e.RecurrenceID.Value.Before(rid.Value) {
			continue
		}
		if err := p.deleteEventData(ctx, e); err != nil {
			return err
		}
		updated.ChangeExceptionDates = calendar.RemoveRecurrenceID(updated.ChangeExceptionDates, *e.RecurrenceID)
	}
	updated.DeleteExceptionDates = beforeRecurrenceID(updated.DeleteExceptionDates, rid)
	_, err = p.updateEvent(ctx, master, updated)
	return err
}

// beforeRecurrenceID keeps the ids strictly before rid.
func beforeRecurrenceID(ids []calendar.RecurrenceID, rid calendar.RecurrenceID) []calendar.RecurrenceID {
	kept := slices.DeleteFunc(slices.Clone(ids), func(d calendar.RecurrenceID) bool {
		return !d.Value.Before(rid.Value)
	})
	if len(kept) == 0 {
		return nil
	}
	return kept
}

// occurrenceOf derives the data of one occurrence from its series master.
func occurrenceOf(master calendar.Event, rid calendar.RecurrenceID) calendar.Event {
	e := master.Copy()
	duration := master.End.Sub(master.Start)
	e.Start = rid.Value
	if !master.End.IsZero() {
		e.End = rid.Value.Add(duration)
	}
	e.RecurrenceID = &calendar.RecurrenceID{Value: rid.Value}
	e.RecurrenceRule = ""
	e.ChangeExceptionDates = nil
	e.DeleteExceptionDates = nil
	return e
}
