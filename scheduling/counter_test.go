package scheduling

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/libitip/calendar"
	"github.com/cyp0633/libitip/itip"
)

func counterProposal(e calendar.Event, from calendar.CalendarUser, shift time.Duration) calendar.Event {
	proposal := replyFrom(e, from, calendar.PartStatTentative)
	proposal.Start = e.Start.Add(shift)
	proposal.End = e.End.Add(shift)
	proposal.Summary = "Planning, but later"
	return proposal
}

func TestProcessCounterAccept(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := organizedByAlice("counter-1",
		attendeeOf(guest, calendar.PartStatNeedsAction),
		attendeeOf(internalUser(bob), calendar.PartStatAccepted))
	env.seed(t, alice, e)

	proposal := counterProposal(e, guest, 2*time.Hour)
	r, err := Process(ctx, env.context(t, alice, alice, SourceAPI), message(itip.MethodCounter, guest, alice, proposal))
	require.NoError(t, err)
	require.Len(t, r.Updates(), 1)

	updated := r.Updates()[0].Event
	assert.True(t, updated.Start.Equal(proposal.Start))
	assert.True(t, updated.End.Equal(proposal.End))
	assert.Equal(t, "Planning", updated.Summary, "only the configured fields are taken")
	assert.Equal(t, 1, updated.Sequence)
	assert.Equal(t, calendar.PartStatNeedsAction, attendeeIn(t, updated, guest).PartStat)

	require.Len(t, r.Notifications, 2)
	for _, n := range r.Notifications {
		assert.Equal(t, itip.MethodRequest, n.Method)
	}
}

func TestProcessCounterWithCustomFields(t *testing.T) {
	env := newTestEnv(t)
	e := organizedByAlice("counter-2", attendeeOf(guest, calendar.PartStatNeedsAction))
	env.seed(t, alice, e)

	sc := NewContext(env.session(alice), env.store, env.context(t, alice, alice, SourceAPI).Folder, SourceAPI,
		WithCounterFields([]calendar.EventField{calendar.EventFieldSummary}))
	proposal := counterProposal(e, guest, time.Hour)
	r, err := Process(context.Background(), sc, message(itip.MethodCounter, guest, alice, proposal))
	require.NoError(t, err)
	require.Len(t, r.Updates(), 1)

	updated := r.Updates()[0].Event
	assert.Equal(t, "Planning, but later", updated.Summary)
	assert.True(t, updated.Start.Equal(e.Start))
}

func TestProcessCounterDecline(t *testing.T) {
	env := newTestEnv(t)
	e := organizedByAlice("counter-3", attendeeOf(guest, calendar.PartStatNeedsAction))
	env.seed(t, alice, e)

	msg := message(itip.MethodCounter, guest, alice, counterProposal(e, guest, time.Hour))
	msg.DeclineCounter = true
	r, err := Process(context.Background(), env.context(t, alice, alice, SourceAPI), msg)
	require.NoError(t, err)

	assert.Empty(t, r.Changes)
	require.Len(t, r.Notifications, 1)
	n := r.Notifications[0]
	assert.Equal(t, itip.MethodDeclineCounter, n.Method)
	assert.Equal(t, guest.URI, n.Recipient.URI)
	assert.Equal(t, "Planning", n.Resource.First().MustGet().Summary)
}

func TestProcessCounterFailures(t *testing.T) {
	tests := []struct {
		name       string
		owner      int
		seed       calendar.Event
		originator calendar.CalendarUser
		want       error
	}{
		{
			name:       "no stored event",
			owner:      alice,
			originator: guest,
			want:       calendar.ErrEventNotFound,
		},
		{
			name:       "attendee copy",
			owner:      bob,
			seed:       bobsCopy("counter-4"),
			originator: boss,
			want:       calendar.ErrNotOrganizer,
		},
		{
			name:       "not an attendee",
			owner:      alice,
			seed:       organizedByAlice("counter-4", attendeeOf(guest, calendar.PartStatNeedsAction)),
			originator: externalUser("stranger@external.org"),
			want:       calendar.ErrAttendeeNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tt.seed.UID != "" {
				env.seed(t, tt.owner, tt.seed)
			}
			proposal := counterProposal(organizedByAlice("counter-4"), tt.originator, time.Hour)
			sc := env.context(t, tt.owner, tt.owner, SourceAPI)
			_, err := Process(context.Background(), sc, message(itip.MethodCounter, tt.originator, tt.owner, proposal))
			assert.ErrorIs(t, err, tt.want)
			assert.False(t, sc.Tracker.HasChanges())
		})
	}
}

func TestProcessRefresh(t *testing.T) {
	env := newTestEnv(t)
	master := weekly(organizedByAlice("refresh-1", attendeeOf(guest, calendar.PartStatAccepted)))
	exception := occurrence(master, 1)
	exception.Location = "Room 2"
	env.seed(t, alice, master, exception)

	refresh := calendar.Event{UID: "refresh-1", Attendees: []calendar.Attendee{attendeeOf(guest, "")}}
	r, err := Process(context.Background(), env.context(t, alice, alice, SourceMail),
		message(itip.MethodRefresh, guest, alice, refresh))
	require.NoError(t, err)

	assert.Empty(t, r.Changes)
	require.Len(t, r.Notifications, 1)
	n := r.Notifications[0]
	assert.Equal(t, itip.MethodRequest, n.Method)
	assert.Equal(t, guest.URI, n.Recipient.URI)
	assert.Equal(t, 2, n.Resource.Len())

	_, err = Process(context.Background(), env.context(t, alice, alice, SourceMail),
		message(itip.MethodRefresh, externalUser("stranger@external.org"), alice, refresh))
	assert.ErrorIs(t, err, calendar.ErrAttendeeNotFound)

	_, err = Process(context.Background(), env.context(t, alice, alice, SourceMail),
		message(itip.MethodRefresh, guest, alice, calendar.Event{}))
	assert.ErrorIs(t, err, calendar.ErrInvalidData)
}
