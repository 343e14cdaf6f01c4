package scheduling

import (
	"context"

	"github.com/cyp0633/libitip/calendar"
)

// ProcessRefresh answers an attendee's REFRESH with the current state of the
// organizer's copy. Storage is not modified.
func ProcessRefresh(ctx context.Context, sc *Context, msg *IncomingMessage) error {
	uid := msg.Resource.UID()
	if uid == "" {
		return calendar.Errorf(calendar.CodeInvalidData, "REFRESH without uid")
	}
	stored, attendee, err := organizerCopyWithAttendee(ctx, sc, uid, msg.Originator)
	if err != nil {
		return err
	}
	sc.Helper.TrackRefresh(ctx, stored, attendee)
	return nil
}
