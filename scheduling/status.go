package scheduling

import (
	"context"

	"github.com/cyp0633/libitip/calendar"
	"github.com/cyp0633/libitip/itip"
)

// ProcessAttendeeStatus applies the participation status the target user
// picked along with an invitation. It runs after the invitation itself was
// processed, or in place of it when the organizer's copy is shared.
func ProcessAttendeeStatus(ctx context.Context, sc *Context, msg *IncomingMessage) error {
	status := msg.Status
	if status == nil || (msg.Method != itip.MethodRequest && msg.Method != itip.MethodAdd) ||
		status.PartStat == calendar.PartStatNeedsAction {
		return nil
	}
	cu := sc.CalendarUser()
	organizerCopy := msg.TargetUser != cu
	if !organizerCopy && !sc.Tracker.HasChanges(ChangeCreation, ChangeUpdate) {
		return nil
	}

	resolver := NewResolvePerformer(sc.Session, sc.Storage)
	lookup, err := resolver.LookupByUID(ctx, msg.Resource.UID(), cu)
	if err != nil {
		return err
	}
	stored, ok := lookup.Get()
	if !ok {
		return calendar.Errorf(calendar.CodeEventNotFound, "no event with uid %s", msg.Resource.UID())
	}

	attendees := NewAttendeePerformer(sc)
	var own *calendar.Attendee
	for _, e := range stored.Events() {
		original, ok := calendar.FindAttendeeByEntity(e.Attendees, msg.TargetUser).Get()
		if !ok {
			continue
		}
		update := original.Copy()
		update.Entity = msg.TargetUser
		update.PartStat = status.PartStat
		update.Comment = status.Comment
		if update.CuType == "" {
			update.CuType = calendar.CuTypeIndividual
		}
		if own == nil {
			own = &update
		}
		if calendar.AttendeeDiff(original, update).IsEmpty() {
			continue
		}
		if _, err := attendees.UpdateAttendee(ctx, e, update); err != nil {
			return err
		}
	}
	if own == nil {
		return calendar.Errorf(calendar.CodeAttendeeNotFound, "user %d does not attend %s", msg.TargetUser, msg.Resource.UID())
	}
	if organizerCopy {
		return nil
	}

	lookup, err = resolver.LookupByUID(ctx, msg.Resource.UID(), cu)
	if err != nil {
		return err
	}
	if updated, ok := lookup.Get(); ok {
		sc.Helper.TrackReply(ctx, updated, *own)
	}
	return nil
}
