package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/libitip/calendar"
	"github.com/cyp0633/libitip/storage"
)

func testEvent(id, uid string) calendar.Event {
	start := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	return calendar.Event{
		ID:       id,
		SeriesID: id,
		UID:      uid,
		Summary:  "Weekly sync",
		Start:    start,
		End:      start.Add(time.Hour),
		Attendees: []calendar.Attendee{
			{CalendarUser: calendar.CalendarUser{URI: "mailto:bob@example.com"}, PartStat: calendar.PartStatNeedsAction},
		},
	}
}

func TestStore_Events(t *testing.T) {
	store := New()
	ctx := context.Background()

	_, err := store.LoadEvent(ctx, "missing")
	assert.True(t, storage.IsType(err, storage.ErrNotFound))

	e := testEvent("e1", "uid-1")
	require.NoError(t, store.InsertEvent(ctx, e))
	assert.True(t, storage.IsType(store.InsertEvent(ctx, e), storage.ErrAlreadyExists))

	loaded, err := store.LoadEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "Weekly sync", loaded.Summary)
	assert.Empty(t, loaded.Attendees, "attendees live in the attendee storage")

	byUID, err := store.LoadEventsByUID(ctx, "uid-1")
	require.NoError(t, err)
	assert.Len(t, byUID, 1)

	loaded.Summary = "Renamed"
	require.NoError(t, store.UpdateEvent(ctx, loaded))
	reloaded, err := store.LoadEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", reloaded.Summary)

	require.NoError(t, store.DeleteEvent(ctx, "e1"))
	_, err = store.LoadEvent(ctx, "e1")
	assert.True(t, storage.IsType(err, storage.ErrNotFound))
	_, ok := store.Tombstone("e1")
	assert.True(t, ok)
}

func TestStore_Attendees(t *testing.T) {
	store := New()
	ctx := context.Background()
	bob := calendar.Attendee{CalendarUser: calendar.CalendarUser{URI: "mailto:bob@example.com"}, PartStat: calendar.PartStatNeedsAction}

	require.NoError(t, store.InsertAttendees(ctx, "e1", []calendar.Attendee{bob}))
	assert.Error(t, store.InsertAttendees(ctx, "e1", []calendar.Attendee{bob}))

	bob.PartStat = calendar.PartStatAccepted
	require.NoError(t, store.UpdateAttendees(ctx, "e1", []calendar.Attendee{bob}))
	attendees, err := store.LoadAttendees(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, attendees, 1)
	assert.Equal(t, calendar.PartStatAccepted, attendees[0].PartStat)

	carol := calendar.Attendee{CalendarUser: calendar.CalendarUser{URI: "mailto:carol@example.com"}}
	assert.True(t, storage.IsType(store.UpdateAttendees(ctx, "e1", []calendar.Attendee{carol}), storage.ErrNotFound))

	require.NoError(t, store.DeleteAttendees(ctx, "e1", []calendar.Attendee{bob}))
	attendees, err = store.LoadAttendees(ctx, "e1")
	require.NoError(t, err)
	assert.Empty(t, attendees)
}

func TestStore_AlarmsAndTriggers(t *testing.T) {
	store := New()
	ctx := context.Background()
	e := testEvent("e1", "uid-1")

	require.NoError(t, store.InsertAlarms(ctx, "e1", 3, []calendar.Alarm{{Action: "DISPLAY", Trigger: "-PT15M"}}))
	require.NoError(t, store.InsertAlarms(ctx, "e10", 3, []calendar.Alarm{{Action: "DISPLAY", Trigger: "-PT5M"}}))

	alarms, err := store.LoadAlarms(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, alarms[3], 1)
	assert.NotEmpty(t, alarms[3][0].UID)

	require.NoError(t, store.InsertTriggers(ctx, e, alarms))
	triggers, err := store.LoadTriggers(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	assert.True(t, triggers[0].Time.Equal(e.Start.Add(-15*time.Minute)))

	require.NoError(t, store.DeleteAlarms(ctx, "e1"))
	alarms, err = store.LoadAlarms(ctx, "e1")
	require.NoError(t, err)
	assert.Empty(t, alarms)
	other, err := store.LoadAlarms(ctx, "e10")
	require.NoError(t, err)
	assert.Len(t, other[3], 1)
}

func TestStore_WithinTransactionRollsBack(t *testing.T) {
	store := New()
	ctx := context.Background()
	require.NoError(t, store.InsertEvent(ctx, testEvent("e1", "uid-1")))

	boom := errors.New("boom")
	err := store.WithinTransaction(ctx, func(ctx context.Context, tx storage.CalendarStorage) error {
		require.NoError(t, tx.Events().InsertEvent(ctx, testEvent("e2", "uid-2")))
		require.NoError(t, tx.Events().DeleteEvent(ctx, "e1"))
		require.NoError(t, tx.Attendees().InsertAttendees(ctx, "e2", testEvent("e2", "uid-2").Attendees))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.LoadEvent(ctx, "e1")
	assert.NoError(t, err)
	_, err = store.LoadEvent(ctx, "e2")
	assert.True(t, storage.IsType(err, storage.ErrNotFound))
	attendees, err := store.LoadAttendees(ctx, "e2")
	require.NoError(t, err)
	assert.Empty(t, attendees)

	err = store.WithinTransaction(ctx, func(ctx context.Context, tx storage.CalendarStorage) error {
		return tx.Events().InsertEvent(ctx, testEvent("e3", "uid-3"))
	})
	require.NoError(t, err)
	_, err = store.LoadEvent(ctx, "e3")
	assert.NoError(t, err)
}
