package scheduling

import (
	"context"
	"errors"

	"github.com/cyp0633/libitip/calendar"
)

// ProcessCancel removes cancelled events or occurrences from the calendar
// user's copy. Cancelling a whole series fails as a unit; cancelling single
// occurrences is best effort and records each failure as a warning.
func ProcessCancel(ctx context.Context, sc *Context, msg *IncomingMessage) error {
	if msg.Resource.Len() == 0 {
		return calendar.Errorf(calendar.CodeInvalidData, "empty CANCEL")
	}
	resource, err := sanitizeResource(ctx, sc, msg.Resource)
	if err != nil {
		return err
	}
	lookup, err := NewResolvePerformer(sc.Session, sc.Storage).LookupByUID(ctx, resource.UID(), sc.CalendarUser())
	if err != nil {
		return err
	}
	if !lookup.IsPresent() {
		return calendar.Errorf(calendar.CodeEventNotFound, "no event with uid %s to cancel", resource.UID())
	}

	if master, ok := resource.SeriesMaster().Get(); ok {
		return cancelEvent(ctx, sc, msg.Originator, master)
	}
	for _, e := range resource.Events() {
		if err := cancelEvent(ctx, sc, msg.Originator, e); err != nil {
			sc.Session.AddWarning(err)
		}
	}
	return nil
}

func cancelEvent(ctx context.Context, sc *Context, originator calendar.CalendarUser, in calendar.Event) error {
	cu := sc.CalendarUser()
	id, err := NewResolvePerformer(sc.Session, sc.Storage).ResolveEventID(ctx, in.UID, in.RecurrenceID, cu)
	if err != nil {
		return err
	}
	original, err := loadEventData(ctx, sc.Storage, id)
	if err != nil {
		return err
	}
	own, ok := calendar.FindAttendeeByEntity(original.Attendees, cu).Get()
	if !ok {
		return calendar.Errorf(calendar.CodeWrongCancellation, "user %d does not attend %s", cu, describe(original))
	}
	if err := requireOrganizerAuthority(sc, originator, original); err != nil {
		return err
	}
	if err := requireSameOrganizer(original, in); err != nil {
		return err
	}
	if err := requireInSequence(original, in); err != nil {
		return err
	}
	if err := requireWritePermission(ctx, sc, &own); err != nil {
		return err
	}

	p := performer{sc: sc}
	if in.RecurrenceID == nil {
		sc.Session.Logger.Debug("cancelling event", "event", describe(original))
		return p.deleteSeries(ctx, original)
	}
	rid := *in.RecurrenceID
	sc.Session.Logger.Debug("cancelling occurrence", "event", describe(in), "this_and_future", rid.ThisAndFuture())
	if original.IsSeriesException() {
		master, err := loadEventData(ctx, sc.Storage, original.SeriesID)
		switch {
		case errors.Is(err, calendar.ErrEventNotFound):
			return p.deleteException(ctx, nil, original)
		case err != nil:
			return err
		case rid.ThisAndFuture():
			return p.truncateSeries(ctx, master, rid)
		default:
			return p.deleteException(ctx, &master, original)
		}
	}
	if rid.ThisAndFuture() {
		return p.truncateSeries(ctx, original, rid)
	}
	return p.deleteOccurrence(ctx, original, rid)
}
