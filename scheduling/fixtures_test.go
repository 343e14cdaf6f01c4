package scheduling

import (
	"context"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/libitip/calendar"
	"github.com/cyp0633/libitip/directory"
	"github.com/cyp0633/libitip/itip"
	"github.com/cyp0633/libitip/recurrence"
	"github.com/cyp0633/libitip/storage/memory"
)

const (
	testServerUID = "server-1"
	testContextID = 7

	alice = 1
	bob   = 2
	carol = 3
	room  = 4
)

var testNow = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	store  *memory.Store
	dir    *directory.Directory
	engine *recurrence.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir, err := directory.New([]directory.Entry{
		{ID: alice, Name: "Alice", Email: "alice@example.com", Locale: "de", TimeZone: "Europe/Berlin"},
		{ID: bob, Name: "Bob", Email: "bob@example.com", Contacts: []string{"friend@external.org"}},
		{ID: carol, Name: "Carol", Email: "carol@example.com"},
		{ID: room, Name: "Room 1", Email: "room1@example.com", Type: "room"},
	})
	require.NoError(t, err)
	return &testEnv{store: memory.New(), dir: dir, engine: recurrence.NewEngine()}
}

func (e *testEnv) session(userID int) *Session {
	return NewSession(testContextID, userID, testServerUID, e.dir, e.engine,
		WithClock(func() time.Time { return testNow }),
		WithContacts(e.dir))
}

// context returns a processing context for the default folder of owner,
// acting as userID.
func (e *testEnv) context(t *testing.T, userID, owner int, source Source) *Context {
	t.Helper()
	folder, err := e.dir.DefaultFolder(context.Background(), owner)
	require.NoError(t, err)
	return NewContext(e.session(userID), e.store, Folder{ID: folder, OwnerID: owner}, source)
}

// stored returns the copy of uid kept by owner.
func (e *testEnv) stored(t *testing.T, uid string, owner int) mo.Option[*calendar.CalendarObjectResource] {
	t.Helper()
	res, err := NewResolvePerformer(e.session(owner), e.store).LookupByUID(context.Background(), uid, owner)
	require.NoError(t, err)
	return res
}

func internalUser(id int) calendar.CalendarUser {
	names := map[int]string{alice: "alice", bob: "bob", carol: "carol", room: "room1"}
	return calendar.CalendarUser{URI: "mailto:" + names[id] + "@example.com", Entity: id}
}

func externalUser(address string) calendar.CalendarUser {
	return calendar.CalendarUser{URI: "mailto:" + address}
}

func attendeeOf(u calendar.CalendarUser, partStat calendar.ParticipationStatus) calendar.Attendee {
	return calendar.Attendee{
		CalendarUser: u,
		CuType:       calendar.CuTypeIndividual,
		Role:         "REQ-PARTICIPANT",
		PartStat:     partStat,
	}
}

// asTransmitted strips internal identities as they would arrive by mail.
func asTransmitted(u calendar.CalendarUser) calendar.CalendarUser {
	u.Entity = 0
	return u
}

func testEvent(uid string, organizer calendar.CalendarUser, attendees ...calendar.Attendee) calendar.Event {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	return calendar.Event{
		UID:       uid,
		Summary:   "Planning",
		Start:     start,
		End:       start.Add(time.Hour),
		Organizer: &organizer,
		Attendees: attendees,
		Sequence:  0,
		DtStamp:   testNow.Add(-time.Hour).UnixMilli(),
	}
}

func weekly(e calendar.Event) calendar.Event {
	e.RecurrenceRule = "FREQ=WEEKLY;COUNT=5"
	return e
}

// occurrence returns the n-th (0-based) weekly occurrence of master.
func occurrence(master calendar.Event, n int) calendar.Event {
	e := master.Copy()
	rid := calendar.RecurrenceID{Value: master.Start.AddDate(0, 0, 7*n)}
	e.RecurrenceID = &rid
	e.RecurrenceRule = ""
	e.Start = rid.Value
	e.End = rid.Value.Add(master.End.Sub(master.Start))
	return e
}

func message(method itip.Method, originator calendar.CalendarUser, target int, events ...calendar.Event) *IncomingMessage {
	return &IncomingMessage{
		Method:     method,
		Originator: originator,
		TargetUser: target,
		Resource:   calendar.NewResource(events...),
	}
}

// seed stores a resource in owner's folder through a trusted REQUEST.
func (e *testEnv) seed(t *testing.T, owner int, events ...calendar.Event) *calendar.CalendarObjectResource {
	t.Helper()
	sc := e.context(t, owner, owner, SourceAPI)
	require.NoError(t, NewPutPerformer(sc).Perform(context.Background(), calendar.NewResource(events...), true))
	return e.stored(t, events[0].UID, owner).MustGet()
}

func attendeeIn(t *testing.T, e calendar.Event, u calendar.CalendarUser) calendar.Attendee {
	t.Helper()
	a, ok := calendar.FindAttendee(e.Attendees, u).Get()
	require.True(t, ok, "attendee %s not found in %s", u.URI, e.UID)
	return a
}
