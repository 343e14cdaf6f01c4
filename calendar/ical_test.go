package calendar

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const replyICS = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//Example Corp//Mail//EN\r\n" +
	"METHOD:REPLY\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:123@example.com\r\n" +
	"DTSTAMP:20240501T080000Z\r\n" +
	"DTSTART:20240508T090000Z\r\n" +
	"DTEND:20240508T100000Z\r\n" +
	"RECURRENCE-ID;RANGE=THISANDFUTURE:20240508T090000Z\r\n" +
	"SEQUENCE:2\r\n" +
	"ORGANIZER;CN=Alice:mailto:alice@example.com\r\n" +
	"ATTENDEE;CN=Bob;PARTSTAT=ACCEPTED;CUTYPE=INDIVIDUAL;X-RESPONSE-COMMENT=fine:mailto:bob@example.com\r\n" +
	"COMMENT:Looking forward\r\n" +
	"X-MICROSOFT-CDO-BUSYSTATUS:BUSY\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func decodeFirstEvent(t *testing.T, ics string) *ical.Component {
	t.Helper()
	cal, err := ical.NewDecoder(strings.NewReader(ics)).Decode()
	require.NoError(t, err)
	events := cal.Events()
	require.NotEmpty(t, events)
	return events[0].Component
}

func TestEventFromComponent(t *testing.T) {
	e, err := EventFromComponent(decodeFirstEvent(t, replyICS))
	require.NoError(t, err)

	assert.Equal(t, "123@example.com", e.UID)
	assert.Equal(t, 2, e.Sequence)
	assert.Equal(t, time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC).UnixMilli(), e.DtStamp)
	require.NotNil(t, e.RecurrenceID)
	assert.True(t, e.RecurrenceID.ThisAndFuture())
	require.NotNil(t, e.Organizer)
	assert.Equal(t, "alice@example.com", e.Organizer.Address())

	require.Len(t, e.Attendees, 1)
	bob := e.Attendees[0]
	assert.Equal(t, PartStatAccepted, bob.PartStat)
	assert.Equal(t, CuTypeIndividual, bob.CuType)
	assert.Equal(t, []ExtendedParameter{{Name: "X-RESPONSE-COMMENT", Value: "fine"}}, bob.ExtendedParameters)

	comment := e.ExtendedProperty(ical.PropComment)
	require.True(t, comment.IsPresent())
	assert.Equal(t, "Looking forward", comment.MustGet().Value)
	assert.True(t, e.ExtendedProperty("X-MICROSOFT-CDO-BUSYSTATUS").IsPresent())
}

func TestEventFromComponentRejectsOtherComponents(t *testing.T) {
	_, err := EventFromComponent(ical.NewComponent(ical.CompToDo))
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestEventRoundTripThroughEncoder(t *testing.T) {
	original, err := EventFromComponent(decodeFirstEvent(t, replyICS))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, ical.NewEncoder(&buf).Encode(NewCalendar("REPLY", original)))

	decoded, err := EventFromComponent(decodeFirstEvent(t, buf.String()))
	require.NoError(t, err)
	assert.True(t, EventDiff(original, decoded).IsEmpty(), "diff: %v", EventDiff(original, decoded).Sorted())
}

const seriesICS = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//Example Corp//Calendar//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:series@example.com\r\n" +
	"DTSTAMP:20260201T080000Z\r\n" +
	"DTSTART;TZID=Europe/Berlin:20260302T100000\r\n" +
	"DTEND;TZID=Europe/Berlin:20260302T110000\r\n" +
	"RRULE:FREQ=WEEKLY;COUNT=2\r\n" +
	"RDATE;TZID=Europe/Berlin:20260401T100000\r\n" +
	"RDATE;VALUE=PERIOD:20260410T080000Z/PT1H\r\n" +
	"EXDATE;TZID=Europe/Berlin:20260309T100000\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestRecurrenceDatesRoundTrip(t *testing.T) {
	e, err := EventFromComponent(decodeFirstEvent(t, seriesICS))
	require.NoError(t, err)

	assert.True(t, e.IsSeriesMaster())
	assert.Equal(t, "Europe/Berlin", e.Start.Location().String())
	want := []time.Time{
		time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC),
		time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC),
	}
	require.Len(t, e.RecurrenceDates, len(want))
	for i, w := range want {
		assert.True(t, e.RecurrenceDates[i].Value.Equal(w), e.RecurrenceDates[i].Value.String())
	}
	require.Len(t, e.DeleteExceptionDates, 1)

	var buf bytes.Buffer
	require.NoError(t, ical.NewEncoder(&buf).Encode(NewCalendar("", e)))
	assert.Contains(t, buf.String(), "RDATE;TZID=Europe/Berlin:20260401T100000")

	again, err := EventFromComponent(decodeFirstEvent(t, buf.String()))
	require.NoError(t, err)
	assert.True(t, EventDiff(e, again).IsEmpty(), EventDiff(e, again).Sorted())

	moved := e.Copy()
	moved.RecurrenceDates = moved.RecurrenceDates[:1]
	assert.Equal(t, []EventField{EventFieldRecurrenceDates}, EventDiff(e, moved).Sorted())
	assert.Len(t, e.RecurrenceDates, 2, "copy is independent")
	restored := CopyEventFields(moved, e, EventFieldRecurrenceDates)
	assert.Len(t, restored.RecurrenceDates, 2)
}

func TestSingleEventWithRecurrenceDatesIsSeriesMaster(t *testing.T) {
	e := Event{UID: "x", RecurrenceDates: []RecurrenceID{{Value: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}}}
	assert.True(t, e.IsSeriesMaster())
	rid := RecurrenceID{Value: e.RecurrenceDates[0].Value}
	e.RecurrenceID = &rid
	assert.False(t, e.IsSeriesMaster())
}
