package scheduling

import (
	"context"
	"fmt"

	"github.com/samber/mo"

	"github.com/cyp0633/libitip/calendar"
)

// ResourceLookup returns the resource with a UID as stored for an entity.
type ResourceLookup func(ctx context.Context, uid string, entity int) (mo.Option[*calendar.CalendarObjectResource], error)

// UsesOrganizerCopy reports whether msg is an internal round trip that
// targets the organizer's stored copy, so it must not be applied again.
// Errors are recorded as session warnings and yield false.
func UsesOrganizerCopy(ctx context.Context, session *Session, lookup ResourceLookup, msg *IncomingMessage) bool {
	data, ok := msg.ITipData.Get()
	if !ok || !data.Matches(session.ServerUID, session.ContextID) {
		return false
	}
	organizer := msg.Resource.Organizer()
	if organizer == nil {
		return false
	}

	orgEntity, err := session.entityOf(ctx, *organizer)
	if err != nil {
		session.AddWarning(fmt.Errorf("cannot resolve organizer %s: %w", organizer.URI, err))
		return false
	}
	if orgEntity <= 0 {
		return false
	}
	resolved, err := session.Resolver.ResolveEntity(ctx, orgEntity)
	if err != nil {
		session.AddWarning(fmt.Errorf("cannot resolve organizer %d: %w", orgEntity, err))
		return false
	}
	if resolved.CuType != calendar.CuTypeIndividual {
		return false
	}

	target := msg.TargetUser
	if resource, ok := data.SentByResourceID(); ok {
		target = resource
	}
	if target == orgEntity {
		return true
	}

	stored, err := lookup(ctx, msg.Resource.UID(), orgEntity)
	if err != nil {
		session.AddWarning(fmt.Errorf("cannot look up organizer copy of %s: %w", msg.Resource.UID(), err))
		return false
	}
	res, ok := stored.Get()
	if !ok {
		return false
	}
	for _, e := range res.Events() {
		if calendar.FindAttendeeByEntity(e.Attendees, target).IsPresent() {
			return true
		}
	}
	return false
}

// UsesOrganizerCopy runs the organizer-copy decision against the context's
// storage.
func (sc *Context) UsesOrganizerCopy(ctx context.Context, msg *IncomingMessage) bool {
	return UsesOrganizerCopy(ctx, sc.Session, NewResolvePerformer(sc.Session, sc.Storage).LookupByUID, msg)
}
