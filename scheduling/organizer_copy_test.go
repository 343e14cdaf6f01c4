package scheduling

import (
	"context"
	"errors"
	"testing"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"

	"github.com/cyp0633/libitip/calendar"
	"github.com/cyp0633/libitip/itip"
)

func TestUsesOrganizerCopy(t *testing.T) {
	ours := mo.Some(itip.NewData(testServerUID, testContextID, "request", -1))
	stored := calendar.NewResource(organizedByAlice("copy-1",
		attendeeOf(internalUser(bob), calendar.PartStatNeedsAction),
		attendeeOf(internalUser(room), calendar.PartStatNeedsAction)))

	tests := []struct {
		name      string
		data      mo.Option[itip.Data]
		organizer calendar.CalendarUser
		target    int
		stored    mo.Option[*calendar.CalendarObjectResource]
		lookupErr error
		want      bool
	}{
		{"no token", mo.None[itip.Data](), internalUser(alice), bob, mo.Some(stored), nil, false},
		{"other deployment", mo.Some(itip.NewData("server-2", testContextID, "request", -1)), internalUser(alice), bob, mo.Some(stored), nil, false},
		{"other context", mo.Some(itip.NewData(testServerUID, 8, "request", -1)), internalUser(alice), bob, mo.Some(stored), nil, false},
		{"external organizer", ours, boss, bob, mo.Some(stored), nil, false},
		{"organizer is a room", ours, internalUser(room), bob, mo.Some(stored), nil, false},
		{"addressed to the organizer", ours, asTransmitted(internalUser(alice)), alice, mo.None[*calendar.CalendarObjectResource](), nil, true},
		{"attendee of the organizer copy", ours, asTransmitted(internalUser(alice)), bob, mo.Some(stored), nil, true},
		{"not in the organizer copy", ours, internalUser(alice), carol, mo.Some(stored), nil, false},
		{"organizer copy missing", ours, internalUser(alice), bob, mo.None[*calendar.CalendarObjectResource](), nil, false},
		{"lookup failure", ours, internalUser(alice), bob, mo.None[*calendar.CalendarObjectResource](), errors.New("boom"), false},
		{
			"booked by resource delegate",
			mo.Some(itip.NewData(testServerUID, testContextID, "request", room)),
			internalUser(alice), carol, mo.Some(stored), nil, true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			session := env.session(tt.target)
			e := testEvent("copy-1", tt.organizer)
			msg := message(itip.MethodRequest, tt.organizer, tt.target, e)
			msg.ITipData = tt.data

			lookup := func(_ context.Context, uid string, entity int) (mo.Option[*calendar.CalendarObjectResource], error) {
				assert.Equal(t, "copy-1", uid)
				assert.Equal(t, alice, entity)
				return tt.stored, tt.lookupErr
			}
			assert.Equal(t, tt.want, UsesOrganizerCopy(context.Background(), session, lookup, msg))
			if tt.lookupErr != nil {
				assert.Len(t, session.Warnings(), 1)
			}
		})
	}
}

func TestProcessSkipsOrganizerCopy(t *testing.T) {
	env := newTestEnv(t)
	e := organizedByAlice("copy-2", attendeeOf(internalUser(bob), calendar.PartStatNeedsAction))
	env.seed(t, alice, e)

	msg := message(itip.MethodRequest, internalUser(alice), bob, e)
	msg.ITipData = mo.Some(itip.NewData(testServerUID, testContextID, "request", -1))
	r, err := Process(context.Background(), env.context(t, bob, bob, SourceMail), msg)
	assert.NoError(t, err)
	assert.True(t, r.OrganizerCopy)
	assert.True(t, r.IsEmpty())
	assert.True(t, env.stored(t, "copy-2", bob).IsAbsent())
}
