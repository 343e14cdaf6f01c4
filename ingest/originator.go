package ingest

import (
	"net/mail"
	"strings"

	"github.com/cyp0633/libitip/calendar"
)

// Originator determines who sent a scheduling message. Organizer methods
// return the first organizer found. Attendee methods return the attendee
// matching one of the address hints, or the first attendee of the first event
// that has any.
func Originator(c *Calendar, hints ...*mail.Address) (calendar.CalendarUser, bool) {
	if c == nil {
		return calendar.CalendarUser{}, false
	}
	if c.Method.OrganizerOriginated() {
		for _, e := range c.Events {
			if e.Organizer != nil {
				return *e.Organizer, true
			}
		}
		return calendar.CalendarUser{}, false
	}
	for _, e := range c.Events {
		if len(e.Attendees) == 0 {
			continue
		}
		if len(e.Attendees) > 1 {
			for _, hint := range hints {
				if hint == nil || hint.Address == "" {
					continue
				}
				for _, a := range e.Attendees {
					if strings.EqualFold(hint.Address, a.Address()) {
						return a.CalendarUser, true
					}
				}
			}
		}
		return e.Attendees[0].CalendarUser, true
	}
	return calendar.CalendarUser{}, false
}

// injectCNs fills a missing common name (also of the SENT-BY user) from the
// display name of a matching mail address.
func injectCNs(u calendar.CalendarUser, addresses []*mail.Address) calendar.CalendarUser {
	if len(addresses) == 0 {
		return u
	}
	if u.CN == "" {
		if addr := u.Address(); addr != "" {
			for _, a := range addresses {
				if a != nil && a.Name != "" && strings.EqualFold(a.Address, addr) {
					u.CN = a.Name
					break
				}
			}
		}
	}
	if u.SentBy != nil {
		sentBy := injectCNs(*u.SentBy, addresses)
		u.SentBy = &sentBy
	}
	return u
}

func needsCN(u calendar.CalendarUser) bool {
	return u.CN == "" || (u.SentBy != nil && u.SentBy.CN == "")
}
