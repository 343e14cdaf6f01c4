package scheduling

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/libitip/calendar"
	"github.com/cyp0633/libitip/storage"
)

func TestLookupByUIDIsPerCalendarUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	master := weekly(organizedByAlice("resolve-1", attendeeOf(internalUser(bob), calendar.PartStatNeedsAction)))
	exception := occurrence(master, 2)
	env.seed(t, alice, exception, master)
	bobs := master.Copy()
	bobs.Summary = "Bob's copy"
	env.seed(t, bob, bobs)

	r := NewResolvePerformer(env.session(alice), env.store)
	res, err := r.LookupByUID(ctx, "resolve-1", alice)
	require.NoError(t, err)
	stored := res.MustGet()
	assert.Equal(t, 2, stored.Len())
	assert.Nil(t, stored.First().MustGet().RecurrenceID, "series master first")
	assert.Equal(t, "Planning", stored.First().MustGet().Summary)

	res, err = r.LookupByUID(ctx, "resolve-1", bob)
	require.NoError(t, err)
	assert.Equal(t, "Bob's copy", res.MustGet().First().MustGet().Summary)

	res, err = r.LookupByUID(ctx, "resolve-1", carol)
	require.NoError(t, err)
	assert.True(t, res.IsAbsent())

	res, err = r.LookupByUID(ctx, "", alice)
	require.NoError(t, err)
	assert.True(t, res.IsAbsent())
}

func TestResolveEventID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	master := weekly(organizedByAlice("resolve-2"))
	exception := occurrence(master, 2)
	stored := env.seed(t, alice, master, exception)
	single := env.seed(t, alice, organizedByAlice("resolve-3"))
	masterID := stored.SeriesMaster().MustGet().ID
	exceptionID := stored.ChangeExceptions()[0].ID

	offGrid := *occurrence(master, 1).RecurrenceID
	offGrid.Value = offGrid.Value.Add(30 * 60 * 1e9)

	tests := []struct {
		name string
		uid  string
		rid  *calendar.RecurrenceID
		want string
		err  error
	}{
		{name: "series master", uid: "resolve-2", want: masterID},
		{name: "change exception", uid: "resolve-2", rid: exception.RecurrenceID, want: exceptionID},
		{name: "regular occurrence", uid: "resolve-2", rid: occurrence(master, 3).RecurrenceID, want: masterID},
		{name: "not an occurrence", uid: "resolve-2", rid: &offGrid, err: calendar.ErrEventRecurrenceNotFound},
		{name: "beyond the series", uid: "resolve-2", rid: occurrence(master, 9).RecurrenceID, err: calendar.ErrEventRecurrenceNotFound},
		{name: "single event", uid: "resolve-3", want: single.First().MustGet().ID},
		{name: "occurrence of single event", uid: "resolve-3", rid: occurrence(master, 1).RecurrenceID, err: calendar.ErrEventRecurrenceNotFound},
		{name: "unknown uid", uid: "resolve-4", err: calendar.ErrEventNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := NewResolvePerformer(env.session(alice), env.store).ResolveEventID(ctx, tt.uid, tt.rid, alice)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestResolveStorageFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	events := new(storage.MockEventStorage)
	events.On("LoadEventsByUID", mock.Anything, "resolve-5").Return(nil, errors.New("connection refused"))
	events.On("LoadEvent", mock.Anything, "missing").Return(calendar.Event{}, storage.NotFound("event %s", "missing"))
	store := storage.Overlay{CalendarStorage: env.store, EventStore: events}

	_, err := NewResolvePerformer(env.session(alice), store).LookupByUID(ctx, "resolve-5", alice)
	assert.ErrorIs(t, err, calendar.ErrStorage)

	_, err = loadEventData(ctx, store, "missing")
	assert.ErrorIs(t, err, calendar.ErrEventNotFound)
	events.AssertExpectations(t)
}
