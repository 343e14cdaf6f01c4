package scheduling

import (
	"context"
	"fmt"

	"github.com/cyp0633/libitip/calendar"
)

// requireOrganizerAuthority fails unless the originator is the organizer of
// the stored event, acts for it via SENT-BY, or is the same iCloud organizer
// behind a rotated address. Trusted sources are not checked.
func requireOrganizerAuthority(sc *Context, originator calendar.CalendarUser, stored calendar.Event) error {
	if sc.trusted() {
		return nil
	}
	org := stored.Organizer
	if org == nil {
		return calendar.Errorf(calendar.CodeNotOrganizer, "event %s has no organizer", stored.ID)
	}
	if calendar.Matches(*org, originator) || calendar.IsSentByMatch(*org, originator) ||
		calendar.IsSimilarICloudIMipMeCom(org, &originator) {
		return nil
	}
	return calendar.Errorf(calendar.CodeNotOrganizer, "%s is not the organizer of event %s", originator.URI, stored.ID)
}

// requireSameOrganizer fails if the transmitted event names another
// organizer than the stored one.
func requireSameOrganizer(stored, incoming calendar.Event) error {
	if stored.Organizer == nil && incoming.Organizer == nil {
		return nil
	}
	if stored.Organizer != nil && incoming.Organizer != nil &&
		(calendar.Matches(*stored.Organizer, *incoming.Organizer) ||
			calendar.IsSimilarICloudIMipMeCom(stored.Organizer, incoming.Organizer)) {
		return nil
	}
	return calendar.Errorf(calendar.CodeDifferentOrganizer, "organizer of %s differs from the stored one", incoming.UID)
}

// requireInSequence rejects an incoming revision older than the stored one:
// a lower SEQUENCE, or the same SEQUENCE with an older DTSTAMP.
func requireInSequence(stored, incoming calendar.Event) error {
	if incoming.Sequence < stored.Sequence {
		return calendar.Errorf(calendar.CodeOutOfSequence,
			"sequence %d of %s is lower than stored %d", incoming.Sequence, incoming.UID, stored.Sequence)
	}
	if incoming.Sequence == stored.Sequence && incoming.DtStamp > 0 && incoming.DtStamp < stored.DtStamp {
		return calendar.Errorf(calendar.CodeOutOfSequence,
			"dtstamp %d of %s is older than stored %d", incoming.DtStamp, incoming.UID, stored.DtStamp)
	}
	return nil
}

// requireUpToDateAttendee applies the same rule to the sequence and
// timestamp an attendee carries in its reply.
func requireUpToDateAttendee(stored, updated calendar.Attendee) error {
	storedSeq, hasStoredSeq := stored.Sequence.Get()
	updatedSeq, hasUpdatedSeq := updated.Sequence.Get()
	if hasStoredSeq && hasUpdatedSeq {
		if updatedSeq < storedSeq {
			return calendar.Errorf(calendar.CodeOutOfSequence,
				"reply sequence %d of %s is lower than stored %d", updatedSeq, stored.URI, storedSeq)
		}
		if updatedSeq > storedSeq {
			return nil
		}
	}
	storedTS, hasStoredTS := stored.Timestamp.Get()
	updatedTS, hasUpdatedTS := updated.Timestamp.Get()
	if hasStoredTS && hasUpdatedTS && updatedTS < storedTS {
		return calendar.Errorf(calendar.CodeOutOfSequence,
			"reply of %s is older than the stored one", stored.URI)
	}
	return nil
}

// requireWritePermission fails unless the session user may modify the
// folder. Attendees may always change their own participation.
func requireWritePermission(ctx context.Context, sc *Context, own *calendar.Attendee) error {
	if own != nil && own.Entity > 0 && own.Entity == sc.Session.UserID {
		return nil
	}
	ok, err := sc.Session.Permissions.CanWrite(ctx, sc.Session.UserID, sc.Folder)
	if err != nil {
		return err
	}
	if !ok {
		return calendar.Errorf(calendar.CodeForbidden, "user %d may not write folder %s", sc.Session.UserID, sc.Folder.ID)
	}
	return nil
}

// sanitizeResource maps the calendar user's own address to its entity and,
// for untrusted sources, turns any other claimed internal identity into an
// external one. Resources that are not a single scheduling object are
// rejected.
func sanitizeResource(ctx context.Context, sc *Context, resource *calendar.CalendarObjectResource) (*calendar.CalendarObjectResource, error) {
	if err := resource.Validate(); err != nil {
		return nil, err
	}
	cu := sc.CalendarUser()
	self, err := sc.Session.Resolver.ResolveEntity(ctx, cu)
	if err != nil {
		return nil, err
	}
	self.Entity = 0

	fix := func(u calendar.CalendarUser) calendar.CalendarUser {
		if u.Entity > 0 && u.Entity != cu && !sc.trusted() {
			sc.Session.AddWarning(calendar.Errorf(calendar.CodeIgnoredInvalidData,
				"ignoring internal identity %d claimed by %s", u.Entity, u.URI))
			u.Entity = 0
		}
		if u.Entity <= 0 && calendar.Matches(u, self.CalendarUser) {
			u.Entity = cu
		}
		return u
	}

	events := resource.Events()
	for i := range events {
		e := &events[i]
		if e.Organizer != nil {
			org := fix(*e.Organizer)
			e.Organizer = &org
		}
		for j := range e.Attendees {
			a := &e.Attendees[j]
			a.CalendarUser = fix(a.CalendarUser)
			if a.Entity == cu && a.CuType == "" {
				a.CuType = self.CuType
			}
		}
	}
	return calendar.NewResource(events...), nil
}

func describe(e calendar.Event) string {
	if e.RecurrenceID != nil {
		return fmt.Sprintf("%s (%s)", e.UID, e.RecurrenceID.Value.UTC())
	}
	return e.UID
}
