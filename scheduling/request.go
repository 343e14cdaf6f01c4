package scheduling

import (
	"context"

	"github.com/cyp0633/libitip/calendar"
	"github.com/cyp0633/libitip/itip"
)

// ProcessRequest applies a REQUEST, ADD, or PUBLISH to the calendar user's
// copy of the resource.
func ProcessRequest(ctx context.Context, sc *Context, msg *IncomingMessage) error {
	if msg.Resource.Len() == 0 {
		return calendar.Errorf(calendar.CodeInvalidData, "empty %s", msg.Method)
	}
	resource, err := sanitizeResource(ctx, sc, msg.Resource)
	if err != nil {
		return err
	}
	cu := sc.CalendarUser()
	log := sc.Session.Logger.With("uid", resource.UID(), "method", msg.Method)

	if msg.Method != itip.MethodPublish && !isOrganizedBy(resource, cu) && !hasAttendee(resource, cu) {
		if !sc.trusted() {
			log.Info("calendar user is not invited, refusing to add it", "calendar_user", cu)
			return calendar.Errorf(calendar.CodeAttendeeNotFound, "user %d is not an attendee of %s", cu, resource.UID())
		}
		log.Debug("adding calendar user as attendee", "calendar_user", cu)
		if resource, err = addCalendarUser(ctx, sc, resource); err != nil {
			return err
		}
	}

	lookup, err := NewResolvePerformer(sc.Session, sc.Storage).LookupByUID(ctx, resource.UID(), cu)
	if err != nil {
		return err
	}
	first := resource.First().MustGet()
	if stored, ok := lookup.Get(); ok {
		storedFirst := stored.First().MustGet()
		if err := requireOrganizerAuthority(sc, msg.Originator, storedFirst); err != nil {
			return err
		}
		if err := requireSameOrganizer(storedFirst, first); err != nil {
			return err
		}
	} else if err := requireOrganizerAuthority(sc, msg.Originator, first); err != nil {
		return err
	}

	replace := msg.Method != itip.MethodAdd && resource.SeriesMaster().IsPresent()
	return NewPutPerformer(sc).Perform(ctx, resource, replace)
}

func hasAttendee(resource *calendar.CalendarObjectResource, entity int) bool {
	for _, e := range resource.Events() {
		if calendar.FindAttendeeByEntity(e.Attendees, entity).IsPresent() {
			return true
		}
	}
	return false
}

// addCalendarUser adds the calendar user with NEEDS-ACTION to every event
// lacking it.
func addCalendarUser(ctx context.Context, sc *Context, resource *calendar.CalendarObjectResource) (*calendar.CalendarObjectResource, error) {
	cu := sc.CalendarUser()
	self, err := sc.Session.Resolver.ResolveEntity(ctx, cu)
	if err != nil {
		return nil, err
	}
	attendee := calendar.Attendee{
		CalendarUser: self.CalendarUser,
		CuType:       self.CuType,
		Role:         "REQ-PARTICIPANT",
		PartStat:     calendar.PartStatNeedsAction,
	}
	attendee.Entity = cu
	if attendee.CuType == "" {
		attendee.CuType = calendar.CuTypeIndividual
	}
	events := resource.Events()
	for i := range events {
		if !calendar.FindAttendeeByEntity(events[i].Attendees, cu).IsPresent() {
			events[i].Attendees = append(events[i].Attendees, attendee.Copy())
		}
	}
	return calendar.NewResource(events...), nil
}
