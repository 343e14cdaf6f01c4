package scheduling

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/mo"

	"github.com/cyp0633/libitip/calendar"
	"github.com/cyp0633/libitip/storage"
)

// ResolvePerformer finds the stored events a message refers to. It never
// mutates storage.
type ResolvePerformer struct {
	session *Session
	storage storage.CalendarStorage
}

// NewResolvePerformer creates a resolver over store.
func NewResolvePerformer(session *Session, store storage.CalendarStorage) *ResolvePerformer {
	return &ResolvePerformer{session: session, storage: store}
}

// LookupByUID returns all events with the UID stored in folders of the
// calendar user, series master first. None means the user has no copy.
func (r *ResolvePerformer) LookupByUID(ctx context.Context, uid string, calendarUser int) (mo.Option[*calendar.CalendarObjectResource], error) {
	none := mo.None[*calendar.CalendarObjectResource]()
	if uid == "" {
		return none, nil
	}
	rows, err := r.storage.Events().LoadEventsByUID(ctx, uid)
	if err != nil {
		return none, storageError(err, "cannot load events by uid")
	}

	owners := make(map[string]int)
	var events []calendar.Event
	for _, row := range rows {
		owner, ok := owners[row.FolderID]
		if !ok {
			owner, err = r.session.Resolver.FolderOwner(ctx, row.FolderID)
			if err != nil {
				return none, err
			}
			owners[row.FolderID] = owner
		}
		if owner != calendarUser {
			continue
		}
		e, err := loadEventData(ctx, r.storage, row.ID)
		if err != nil {
			return none, err
		}
		events = append(events, e)
	}
	if len(events) == 0 {
		return none, nil
	}
	return mo.Some(calendar.NewResource(calendar.SortSeriesMasterFirst(events)...)), nil
}

// ResolveEventID returns the id of the stored event holding the given
// occurrence: the change exception for rid, or the series master when rid
// is a regular occurrence of it. Without rid, the master or single event is
// returned.
func (r *ResolvePerformer) ResolveEventID(ctx context.Context, uid string, rid *calendar.RecurrenceID, calendarUser int) (string, error) {
	stored, err := r.LookupByUID(ctx, uid, calendarUser)
	if err != nil {
		return "", err
	}
	res, ok := stored.Get()
	if !ok {
		return "", calendar.Errorf(calendar.CodeEventNotFound, "no event with uid %s for user %d", uid, calendarUser)
	}
	master, hasMaster := res.SeriesMaster().Get()
	if rid == nil {
		if !hasMaster {
			return "", calendar.Errorf(calendar.CodeEventNotFound, "no series master with uid %s for user %d", uid, calendarUser)
		}
		return master.ID, nil
	}
	if exception, ok := res.Occurrence(*rid).Get(); ok {
		return exception.ID, nil
	}
	if !hasMaster || !master.IsSeriesMaster() {
		return "", calendar.Errorf(calendar.CodeEventRecurrenceNotFound, "no occurrence %s of %s", rid.Value.UTC(), uid)
	}
	if err := requireRecurrenceIDExists(r.session, master, *rid); err != nil {
		return "", err
	}
	return master.ID, nil
}

// loadEventData loads an event together with its attendees, attachments
// and conferences.
func loadEventData(ctx context.Context, store storage.CalendarStorage, id string) (calendar.Event, error) {
	e, err := store.Events().LoadEvent(ctx, id)
	if err != nil {
		if storage.IsType(err, storage.ErrNotFound) {
			return calendar.Event{}, calendar.Wrap(calendar.CodeEventNotFound, err, "event "+id)
		}
		return calendar.Event{}, storageError(err, "cannot load event "+id)
	}
	if e.Attendees, err = store.Attendees().LoadAttendees(ctx, id); err != nil {
		return calendar.Event{}, storageError(err, "cannot load attendees of "+id)
	}
	if e.Attachments, err = store.Attachments().LoadAttachments(ctx, id); err != nil {
		return calendar.Event{}, storageError(err, "cannot load attachments of "+id)
	}
	if e.Conferences, err = store.Conferences().LoadConferences(ctx, id); err != nil {
		return calendar.Event{}, storageError(err, "cannot load conferences of "+id)
	}
	return e, nil
}

// loadExceptionData loads all change exceptions of a series master.
func loadExceptionData(ctx context.Context, store storage.CalendarStorage, master calendar.Event) ([]calendar.Event, error) {
	if !master.IsSeriesMaster() {
		return nil, nil
	}
	rows, err := store.Events().LoadExceptions(ctx, master.ID)
	if err != nil {
		return nil, storageError(err, "cannot load exceptions of "+master.ID)
	}
	out := make([]calendar.Event, 0, len(rows))
	for _, row := range rows {
		e, err := loadEventData(ctx, store, row.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// storageError classifies a storage failure unless it already is a
// scheduling error.
func storageError(err error, message string) error {
	var ce *calendar.Error
	if errors.As(err, &ce) {
		return err
	}
	return calendar.Wrap(calendar.CodeStorage, err, message)
}

func requireRecurrenceIDExists(session *Session, master calendar.Event, rid calendar.RecurrenceID) error {
	if session.Recurrence == nil {
		return calendar.Errorf(calendar.CodeEventRecurrenceNotFound, "no recurrence service to validate %s", rid.Value.UTC())
	}
	exists, err := session.Recurrence.RecurrenceIDExists(master, rid)
	if err != nil {
		return calendar.Wrap(calendar.CodeEventRecurrenceNotFound, err, fmt.Sprintf("cannot validate occurrence %s", rid.Value.UTC()))
	}
	if !exists {
		return calendar.Errorf(calendar.CodeEventRecurrenceNotFound, "no occurrence %s of %s", rid.Value.UTC(), master.UID)
	}
	return nil
}
