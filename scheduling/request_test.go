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

var boss = externalUser("boss@external.org")

func TestProcessRequestCreatesSeriesWithException(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	master := weekly(testEvent("abc-1", boss,
		attendeeOf(boss, calendar.PartStatAccepted),
		attendeeOf(asTransmitted(internalUser(bob)), calendar.PartStatNeedsAction)))
	exception := occurrence(master, 1)
	exception.Summary = "Planning (moved room)"

	sc := env.context(t, bob, bob, SourceMail)
	r, err := Process(ctx, sc, message(itip.MethodRequest, boss, bob, master, exception))
	require.NoError(t, err)

	require.Len(t, r.Changes, 2)
	assert.Equal(t, ChangeCreation, r.Changes[0].Kind)
	assert.Nil(t, r.Changes[0].Event.RecurrenceID)
	assert.Equal(t, ChangeCreation, r.Changes[1].Kind)
	require.NotNil(t, r.Changes[1].Event.RecurrenceID)
	assert.True(t, r.Changes[1].Event.RecurrenceID.Matches(*exception.RecurrenceID))
	assert.Equal(t, r.Changes[0].Event.ID, r.Changes[1].Event.SeriesID)
	for _, c := range r.Changes {
		own := attendeeIn(t, c.Event, internalUser(bob))
		assert.Equal(t, bob, own.Entity)
		assert.Equal(t, calendar.PartStatNeedsAction, own.PartStat)
	}

	stored := env.stored(t, "abc-1", bob).MustGet()
	assert.Equal(t, 2, stored.Len())
	storedMaster := stored.SeriesMaster().MustGet()
	assert.True(t, calendar.ContainsRecurrenceID(storedMaster.ChangeExceptionDates, *exception.RecurrenceID))
	assert.Empty(t, r.Notifications, "attendee copies do not notify anybody")
	assert.Empty(t, r.Warnings)
}

func TestProcessRequestFromMailForUninvitedUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	e := testEvent("abc-2", boss, attendeeOf(externalUser("someone@external.org"), calendar.PartStatNeedsAction))
	sc := env.context(t, bob, bob, SourceMail)
	_, err := Process(ctx, sc, message(itip.MethodRequest, boss, bob, e))
	require.ErrorIs(t, err, calendar.ErrAttendeeNotFound)

	assert.True(t, env.stored(t, "abc-2", bob).IsAbsent())
	assert.False(t, sc.Tracker.HasChanges())
}

func TestProcessRequestFromAPIAddsCalendarUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	e := testEvent("abc-3", boss, attendeeOf(externalUser("someone@external.org"), calendar.PartStatNeedsAction))
	sc := env.context(t, bob, bob, SourceAPI)
	r, err := Process(ctx, sc, message(itip.MethodRequest, boss, bob, e))
	require.NoError(t, err)
	require.Len(t, r.Creations(), 1)

	own := attendeeIn(t, r.Creations()[0], internalUser(bob))
	assert.Equal(t, bob, own.Entity)
	assert.Equal(t, calendar.PartStatNeedsAction, own.PartStat)
	assert.Equal(t, calendar.CuTypeIndividual, own.CuType)
	assert.Equal(t, "REQ-PARTICIPANT", own.Role)
}

func TestProcessRequestUpdateKeepsOwnReply(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	original := testEvent("abc-4", boss,
		attendeeOf(boss, calendar.PartStatAccepted),
		attendeeOf(internalUser(bob), calendar.PartStatAccepted))
	env.seed(t, bob, original)

	updated := original.Copy()
	updated.Summary = "Planning, new agenda"
	updated.Sequence = 1
	updated.DtStamp = testNow.UnixMilli()
	updated.Attendees = []calendar.Attendee{
		attendeeOf(boss, calendar.PartStatAccepted),
		attendeeOf(asTransmitted(internalUser(bob)), calendar.PartStatNeedsAction),
	}

	sc := env.context(t, bob, bob, SourceMail)
	r, err := Process(ctx, sc, message(itip.MethodRequest, boss, bob, updated))
	require.NoError(t, err)
	require.Len(t, r.Updates(), 1)

	change := r.Updates()[0]
	assert.Equal(t, "Planning", change.Original.Summary)
	assert.Equal(t, "Planning, new agenda", change.Event.Summary)
	assert.Equal(t, calendar.PartStatAccepted, attendeeIn(t, change.Event, internalUser(bob)).PartStat)
}

func TestProcessRequestRescheduleResetsOwnReply(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	original := testEvent("abc-5", boss,
		attendeeOf(boss, calendar.PartStatAccepted),
		attendeeOf(internalUser(bob), calendar.PartStatAccepted))
	env.seed(t, bob, original)

	moved := original.Copy()
	moved.Start = original.Start.Add(48 * time.Hour)
	moved.End = original.End.Add(48 * time.Hour)
	moved.Sequence = 1
	moved.Attendees = []calendar.Attendee{
		attendeeOf(boss, calendar.PartStatAccepted),
		attendeeOf(asTransmitted(internalUser(bob)), calendar.PartStatNeedsAction),
	}

	sc := env.context(t, bob, bob, SourceMail)
	_, err := Process(ctx, sc, message(itip.MethodRequest, boss, bob, moved))
	require.NoError(t, err)

	stored := env.stored(t, "abc-5", bob).MustGet().First().MustGet()
	assert.Equal(t, calendar.PartStatNeedsAction, attendeeIn(t, stored, internalUser(bob)).PartStat)
}

func TestProcessRequestRejectsStaleAndForeignUpdates(t *testing.T) {
	original := testEvent("abc-6", boss,
		attendeeOf(boss, calendar.PartStatAccepted),
		attendeeOf(internalUser(bob), calendar.PartStatAccepted))
	original.Sequence = 2

	tests := []struct {
		name       string
		originator calendar.CalendarUser
		mutate     func(e *calendar.Event)
		want       error
	}{
		{
			name:       "lower sequence",
			originator: boss,
			mutate:     func(e *calendar.Event) { e.Sequence = 1 },
			want:       calendar.ErrOutOfSequence,
		},
		{
			name:       "older dtstamp",
			originator: boss,
			mutate:     func(e *calendar.Event) { e.DtStamp = original.DtStamp - 1000 },
			want:       calendar.ErrOutOfSequence,
		},
		{
			name:       "not the organizer",
			originator: externalUser("mallory@external.org"),
			mutate:     func(e *calendar.Event) { e.Sequence = 3 },
			want:       calendar.ErrNotOrganizer,
		},
		{
			name:       "organizer changed",
			originator: boss,
			mutate: func(e *calendar.Event) {
				other := externalUser("other@external.org")
				e.Organizer = &other
				e.Sequence = 3
			},
			want: calendar.ErrDifferentOrganizer,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.seed(t, bob, original)

			in := original.Copy()
			tt.mutate(&in)
			sc := env.context(t, bob, bob, SourceMail)
			_, err := Process(context.Background(), sc, message(itip.MethodRequest, tt.originator, bob, in))
			assert.ErrorIs(t, err, tt.want)
			assert.False(t, sc.Tracker.HasChanges())
		})
	}
}

// A REQUEST carrying the series master replaces the stored copy, dropping
// exceptions it does not mention. Without the master it is merged. Clients
// sending a partial series while meaning a full replace are not detected.
func TestProcessRequestReplacesOnlyWithSeriesMaster(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	master := weekly(testEvent("abc-7", boss,
		attendeeOf(boss, calendar.PartStatAccepted),
		attendeeOf(internalUser(bob), calendar.PartStatNeedsAction)))
	first, second := occurrence(master, 1), occurrence(master, 2)
	first.Summary = "first exception"
	second.Summary = "second exception"
	env.seed(t, bob, master, first, second)

	firstAgain := first.Copy()
	firstAgain.Summary = "first exception, updated"
	firstAgain.Sequence = 1
	sc := env.context(t, bob, bob, SourceMail)
	r, err := Process(ctx, sc, message(itip.MethodRequest, boss, bob, firstAgain))
	require.NoError(t, err)
	assert.Empty(t, r.Deletions())
	assert.Equal(t, 3, env.stored(t, "abc-7", bob).MustGet().Len())

	masterAgain := master.Copy()
	masterAgain.Sequence = 1
	sc = env.context(t, bob, bob, SourceMail)
	r, err = Process(ctx, sc, message(itip.MethodRequest, boss, bob, masterAgain, firstAgain))
	require.NoError(t, err)
	require.Len(t, r.Deletions(), 1)
	assert.True(t, r.Deletions()[0].RecurrenceID.Matches(*second.RecurrenceID))

	stored := env.stored(t, "abc-7", bob).MustGet()
	assert.Equal(t, 2, stored.Len())
	storedMaster := stored.SeriesMaster().MustGet()
	assert.False(t, calendar.ContainsRecurrenceID(storedMaster.ChangeExceptionDates, *second.RecurrenceID))
	assert.True(t, calendar.ContainsRecurrenceID(storedMaster.ChangeExceptionDates, *first.RecurrenceID))
}

func TestProcessRequestOrganizerCreationNotifiesAttendees(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	organizer := internalUser(alice)
	e := testEvent("abc-8", organizer,
		attendeeOf(organizer, calendar.PartStatAccepted),
		attendeeOf(internalUser(bob), calendar.PartStatNeedsAction),
		attendeeOf(externalUser("guest@external.org"), calendar.PartStatNeedsAction))

	sc := env.context(t, alice, alice, SourceAPI)
	r, err := Process(ctx, sc, message(itip.MethodRequest, organizer, alice, e))
	require.NoError(t, err)
	require.Len(t, r.Creations(), 1)
	require.Len(t, r.Notifications, 2)

	for _, n := range r.Notifications {
		assert.Equal(t, itip.MethodRequest, n.Method)
		assert.True(t, calendar.Matches(n.Originator, organizer))
		assert.True(t, n.Data.Matches(testServerUID, testContextID))
	}
	assert.Equal(t, "mailto:bob@example.com", r.Notifications[0].Recipient.URI)
	assert.Equal(t, "mailto:guest@external.org", r.Notifications[1].Recipient.URI)
	// the external guest falls back to the organizer's settings
	assert.Equal(t, "Europe/Berlin", r.Notifications[1].Recipient.Settings.TimeZone.String())
}
