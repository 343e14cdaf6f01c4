package scheduling

import (
	"context"

	"github.com/cyp0633/libitip/calendar"
)

// ProcessCounter handles an attendee's counter proposal on the organizer's
// side: declining answers with DECLINECOUNTER, accepting applies the
// proposed fields to the stored events.
func ProcessCounter(ctx context.Context, sc *Context, msg *IncomingMessage) error {
	if msg.Resource.Len() == 0 {
		return calendar.Errorf(calendar.CodeInvalidData, "empty COUNTER")
	}
	resource, err := sanitizeResource(ctx, sc, msg.Resource)
	if err != nil {
		return err
	}
	stored, attendee, err := organizerCopyWithAttendee(ctx, sc, resource.UID(), msg.Originator)
	if err != nil {
		return err
	}
	if msg.DeclineCounter {
		sc.Session.Logger.Debug("declining counter proposal", "uid", resource.UID(), "attendee", attendee.URI)
		sc.Helper.TrackDeclineCounter(ctx, stored, attendee)
		return nil
	}
	sc.Session.Logger.Debug("accepting counter proposal", "uid", resource.UID(), "attendee", attendee.URI)
	return NewPutPerformer(sc).WithFields(sc.CounterFields...).Perform(ctx, resource, false)
}

// organizerCopyWithAttendee loads the calendar user's copy of an event it
// organizes and finds the originator among its attendees.
func organizerCopyWithAttendee(ctx context.Context, sc *Context, uid string, originator calendar.CalendarUser) (*calendar.CalendarObjectResource, calendar.Attendee, error) {
	cu := sc.CalendarUser()
	lookup, err := NewResolvePerformer(sc.Session, sc.Storage).LookupByUID(ctx, uid, cu)
	if err != nil {
		return nil, calendar.Attendee{}, err
	}
	stored, ok := lookup.Get()
	if !ok {
		return nil, calendar.Attendee{}, calendar.Errorf(calendar.CodeEventNotFound, "no event with uid %s", uid)
	}
	if !isOrganizedBy(stored, cu) {
		return nil, calendar.Attendee{}, calendar.Errorf(calendar.CodeNotOrganizer, "user %d does not organize %s", cu, uid)
	}
	for _, e := range stored.Events() {
		if a, ok := calendar.FindAttendee(e.Attendees, originator).Get(); ok {
			return stored, a, nil
		}
	}
	return nil, calendar.Attendee{}, calendar.Errorf(calendar.CodeAttendeeNotFound, "%s does not attend %s", originator.URI, uid)
}
