package ingest

import (
	"log/slog"
	"mime"
	"strings"

	"github.com/samber/mo"

	"github.com/cyp0633/libitip/calendar"
	"github.com/cyp0633/libitip/itip"
)

const (
	propComment          = "COMMENT"
	paramGoogleComment   = "X-RESPONSE-COMMENT"
	maxMimeDecodedLength = 65536
)

// Vendor identifies the producer of an imported calendar by its PRODID.
type Vendor string

const (
	VendorUnknown   Vendor = ""
	VendorMicrosoft Vendor = "microsoft"
	VendorGoogle    Vendor = "google"
)

func (v Vendor) String() string {
	if v == VendorUnknown {
		return "unknown"
	}
	return string(v)
}

// DetectVendor matches the PRODID against known producers.
func DetectVendor(prodID string) Vendor {
	p := strings.ToLower(prodID)
	switch {
	case strings.Contains(p, string(VendorMicrosoft)):
		return VendorMicrosoft
	case strings.Contains(p, string(VendorGoogle)):
		return VendorGoogle
	default:
		return VendorUnknown
	}
}

// ApplyAll returns a patched copy of c with the known producer quirks
// repaired. Events come back sorted series master first. Repairs that drop or
// rewrite data are reported as IGNORED_INVALID_DATA warnings.
func ApplyAll(c *Calendar) *Calendar {
	return applyAll(c, nil)
}

func applyAll(c *Calendar, logger *slog.Logger) *Calendar {
	if c == nil || len(c.Events) == 0 {
		return c
	}
	p := &patcher{cal: c.clone(), logger: logger}
	p.cal.Events = calendar.SortSeriesMasterFirst(p.cal.Events)

	vendor := DetectVendor(c.ProdID)
	if c.Method == itip.MethodReply {
		p.copyCommentToAttendee(vendor == VendorGoogle)
		p.copySequenceToAttendee()
	}
	if vendor == VendorMicrosoft {
		p.removeOverriddenInstanceLeftovers()
		p.decodeMimeGarbage()
		p.ensureOrganizer()
		p.ensureAttendees()
	}
	return p.cal
}

type patcher struct {
	cal    *Calendar
	logger *slog.Logger
}

func (p *patcher) warn(e calendar.Event, field calendar.EventField, message string) {
	id := e.UID + " | "
	if e.RecurrenceID != nil {
		id += e.RecurrenceID.Value.Format(dateTimeUTC)
	}
	err := calendar.Errorf(calendar.CodeIgnoredInvalidData, "%s [%s]: %s", id, field, message)
	if p.logger != nil {
		p.logger.Debug("patching imported calendar", "event", id, "field", field, "message", message)
	}
	p.cal.Warnings = append(p.cal.Warnings, err)
}

// A REPLY carries the attendee's note as event COMMENT; Google puts it into an
// attendee parameter instead.
func (p *patcher) copyCommentToAttendee(google bool) {
	for i := range p.cal.Events {
		e := &p.cal.Events[i]
		if len(e.Attendees) != 1 {
			return
		}
		replying := &e.Attendees[0]
		if hasExtendedProperty(*e, propComment) {
			var kept []calendar.ExtendedProperty
			for _, ep := range e.ExtendedProperties {
				if !strings.EqualFold(ep.Name, propComment) {
					kept = append(kept, ep)
					continue
				}
				if ep.Value != "" {
					replying.Comment = ep.Value
				}
			}
			e.ExtendedProperties = kept
			continue
		}
		if !google {
			continue
		}
		for _, param := range replying.ExtendedParameters {
			if param.Name == paramGoogleComment {
				replying.Comment = param.Value
				break
			}
		}
	}
}

func (p *patcher) copySequenceToAttendee() {
	for i := range p.cal.Events {
		e := &p.cal.Events[i]
		if len(e.Attendees) != 1 {
			return
		}
		e.Attendees[0].Sequence = mo.Some(e.Sequence)
	}
}

// Outlook sends fragments of overridden instances to attendees that were
// invited to single occurrences. They lack organizer, attendees or uid and
// carry a bogus midnight recurrence id.
func (p *patcher) removeOverriddenInstanceLeftovers() {
	if p.cal.Method != itip.MethodRequest && p.cal.Method != itip.MethodCancel {
		return
	}
	kept := p.cal.Events[:0]
	for _, e := range p.cal.Events {
		if e.RecurrenceID != nil {
			switch {
			case e.Organizer == nil:
				p.warn(e, calendar.EventFieldOrganizer, "Ignoring overridden instance without organizer")
				continue
			case len(e.Attendees) == 0:
				p.warn(e, calendar.EventFieldAttendees, "Ignoring overridden instance without attendees")
				continue
			case e.UID == "":
				p.warn(e, fieldUID, "Ignoring overridden instance without uid")
				continue
			}
		}
		kept = append(kept, e)
	}
	p.cal.Events = kept
}

func (p *patcher) decodeMimeGarbage() {
	for i := range p.cal.Events {
		e := &p.cal.Events[i]
		for _, f := range []struct {
			field calendar.EventField
			value *string
		}{
			{calendar.EventFieldSummary, &e.Summary},
			{calendar.EventFieldDescription, &e.Description},
			{calendar.EventFieldLocation, &e.Location},
		} {
			if decodeMimeWords(f.value) {
				p.warn(*e, f.field, "Decoded MIME garbage from imported data")
			}
		}
		if e.Organizer != nil && decodeMimeWords(&e.Organizer.CN) {
			p.warn(*e, calendar.EventFieldOrganizer, "Decoded MIME garbage from imported data")
		}
		for j := range e.Attendees {
			a := &e.Attendees[j]
			changed := decodeMimeWords(&a.CN)
			changed = decodeMimeWords(&a.Comment) || changed
			if changed {
				p.warn(*e, calendar.EventFieldAttendees, "Decoded MIME garbage from imported data")
			}
		}
	}
}

var wordDecoder = new(mime.WordDecoder)

// decodeMimeWords replaces *s with its RFC 2047 decoding and reports whether
// anything changed.
func decodeMimeWords(s *string) bool {
	if *s == "" || len(*s) > maxMimeDecodedLength || !strings.Contains(*s, "=?") {
		return false
	}
	decoded, err := wordDecoder.DecodeHeader(*s)
	if err != nil || decoded == *s {
		return false
	}
	*s = decoded
	return true
}

func (p *patcher) ensureOrganizer() {
	if len(p.cal.Events) < 2 {
		return
	}
	var organizer *calendar.CalendarUser
	for _, e := range p.cal.Events {
		if e.Organizer != nil {
			organizer = e.Organizer
			break
		}
	}
	if organizer == nil {
		return
	}
	for i := range p.cal.Events {
		if p.cal.Events[i].Organizer == nil {
			o := *organizer
			if organizer.SentBy != nil {
				sentBy := *organizer.SentBy
				o.SentBy = &sentBy
			}
			p.cal.Events[i].Organizer = &o
		}
	}
}

func (p *patcher) ensureAttendees() {
	if len(p.cal.Events) < 2 {
		return
	}
	var attendees []calendar.Attendee
	for _, e := range p.cal.Events {
		if len(e.Attendees) > 0 {
			attendees = e.Attendees
			break
		}
	}
	if attendees == nil {
		return
	}
	for i := range p.cal.Events {
		if len(p.cal.Events[i].Attendees) == 0 {
			p.cal.Events[i].Attendees = calendar.CopyAttendees(attendees)
		}
	}
}

func hasExtendedProperty(e calendar.Event, name string) bool {
	for _, ep := range e.ExtendedProperties {
		if strings.EqualFold(ep.Name, name) {
			return true
		}
	}
	return false
}

const (
	dateTimeUTC = "20060102T150405Z"

	fieldUID calendar.EventField = "UID"
)
