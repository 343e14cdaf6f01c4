// Package ingest turns iMIP mails and raw iCalendar or xCal payloads into
// scheduling messages.
//
// Decoding is lenient: events that cannot be converted are dropped with an
// IGNORED_INVALID_DATA warning, and ApplyAll repairs the quirks of known
// producers before the message reaches the scheduling core.
package ingest

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/emersion/go-ical"

	"github.com/cyp0633/libitip/calendar"
	"github.com/cyp0633/libitip/itip"
)

// Calendar is an imported VCALENDAR.
type Calendar struct {
	Method itip.Method
	ProdID string
	Events []calendar.Event
	// Properties are the X- properties of the VCALENDAR itself.
	Properties []calendar.ExtendedProperty
	Warnings   []error
}

// Property returns the value of a calendar-level X- property.
func (c *Calendar) Property(name string) (string, bool) {
	for _, p := range c.Properties {
		if strings.EqualFold(p.Name, name) {
			return p.Value, true
		}
	}
	return "", false
}

// Resource groups the events as one calendar object resource.
func (c *Calendar) Resource() *calendar.CalendarObjectResource {
	return calendar.NewResource(c.Events...)
}

func (c *Calendar) clone() *Calendar {
	out := &Calendar{
		Method:     c.Method,
		ProdID:     c.ProdID,
		Properties: append([]calendar.ExtendedProperty(nil), c.Properties...),
		Warnings:   append([]error(nil), c.Warnings...),
		Events:     make([]calendar.Event, len(c.Events)),
	}
	for i, e := range c.Events {
		out.Events[i] = e.Copy()
	}
	return out
}

// DecodeICal reads a single VCALENDAR from r.
func DecodeICal(r io.Reader) (*Calendar, error) {
	cal, err := ical.NewDecoder(r).Decode()
	if err != nil {
		if err == io.EOF {
			return nil, calendar.Errorf(calendar.CodeInvalidData, "empty calendar")
		}
		return nil, calendar.Wrap(calendar.CodeInvalidData, err, "failed to parse iCalendar")
	}
	return FromICal(cal)
}

// FromICal converts a decoded VCALENDAR. A missing or unknown METHOD is an
// error, broken VEVENTs are skipped with a warning.
func FromICal(cal *ical.Calendar) (*Calendar, error) {
	if cal == nil || cal.Component == nil {
		return nil, calendar.Errorf(calendar.CodeInvalidData, "no calendar")
	}
	value, err := cal.Props.Text(ical.PropMethod)
	if err != nil || value == "" {
		return nil, calendar.Errorf(calendar.CodeInvalidData, "calendar has no %s", ical.PropMethod)
	}
	method, err := itip.ParseMethod(value)
	if err != nil {
		return nil, calendar.Wrap(calendar.CodeInvalidData, err, "unsupported method")
	}

	out := &Calendar{Method: method}
	out.ProdID, _ = cal.Props.Text(ical.PropProductID)
	for _, name := range slices.Sorted(maps.Keys(cal.Props)) {
		if !strings.HasPrefix(name, "X-") {
			continue
		}
		for _, p := range cal.Props[name] {
			out.Properties = append(out.Properties, calendar.ExtendedProperty{Name: name, Value: p.Value})
		}
	}

	for i, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		e, err := calendar.EventFromComponent(child)
		if err != nil {
			out.Warnings = append(out.Warnings, calendar.Wrap(calendar.CodeIgnoredInvalidData, err,
				fmt.Sprintf("skipping %s #%d", ical.CompEvent, i)))
			continue
		}
		out.Events = append(out.Events, e)
	}
	if len(out.Events) == 0 {
		return nil, calendar.Errorf(calendar.CodeInvalidData, "calendar contains no usable %s", ical.CompEvent)
	}
	return out, nil
}
