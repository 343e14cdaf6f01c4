package scheduling

import (
	"context"

	"github.com/cyp0633/libitip/calendar"
)

// AttendeePerformer changes single attendees of stored events.
type AttendeePerformer struct {
	performer
}

// NewAttendeePerformer creates a performer bound to sc.
func NewAttendeePerformer(sc *Context) *AttendeePerformer {
	return &AttendeePerformer{performer{sc: sc}}
}

// UpdateAttendee stores a new version of an existing attendee, touches the
// event, and records the reloaded event.
func (p *AttendeePerformer) UpdateAttendee(ctx context.Context, original calendar.Event, attendee calendar.Attendee) (calendar.Event, error) {
	if err := requireWritePermission(ctx, p.sc, &attendee); err != nil {
		return calendar.Event{}, err
	}
	if err := p.store().Attendees().UpdateAttendees(ctx, original.ID, []calendar.Attendee{attendee}); err != nil {
		return calendar.Event{}, storageError(err, "cannot update attendee "+attendee.URI)
	}
	return p.finish(ctx, original)
}

// AddAttendee adds a new attendee to a stored event.
func (p *AttendeePerformer) AddAttendee(ctx context.Context, original calendar.Event, attendee calendar.Attendee) (calendar.Event, error) {
	if err := requireWritePermission(ctx, p.sc, nil); err != nil {
		return calendar.Event{}, err
	}
	if err := p.store().Attendees().InsertAttendees(ctx, original.ID, []calendar.Attendee{attendee}); err != nil {
		return calendar.Event{}, storageError(err, "cannot add attendee "+attendee.URI)
	}
	return p.finish(ctx, original)
}

func (p *AttendeePerformer) finish(ctx context.Context, original calendar.Event) (calendar.Event, error) {
	if err := p.touch(ctx, original); err != nil {
		return calendar.Event{}, err
	}
	updated, err := p.load(ctx, original.ID)
	if err != nil {
		return calendar.Event{}, err
	}
	p.sc.Tracker.TrackUpdate(original, updated)
	return updated, nil
}
