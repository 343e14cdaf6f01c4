package calendar

import (
	"slices"
	"strings"

	"github.com/samber/mo"
)

const iCloudIMipDomain = "imip.me.com"

// Address returns the normalized e-mail address of a calendar user, taken from
// the EMAIL parameter or a mailto: URI.
func (u CalendarUser) Address() string {
	if u.Email != "" {
		return strings.ToLower(strings.TrimSpace(u.Email))
	}
	return AddressFromURI(u.URI)
}

// AddressFromURI strips the mailto: scheme and lower-cases the address.
// Non-mailto URIs yield "".
func AddressFromURI(uri string) string {
	uri = strings.TrimSpace(uri)
	if len(uri) >= 7 && strings.EqualFold(uri[:7], "mailto:") {
		return strings.ToLower(uri[7:])
	}
	return ""
}

// URIFromAddress turns an address into a mailto: URI.
func URIFromAddress(address string) string {
	if address == "" {
		return ""
	}
	return "mailto:" + strings.ToLower(address)
}

// Matches reports whether two calendar users denote the same participant:
// same internal entity, same address, or same URI.
func Matches(a, b CalendarUser) bool {
	if a.Entity > 0 && b.Entity > 0 {
		return a.Entity == b.Entity
	}
	if aa, ba := a.Address(), b.Address(); aa != "" && ba != "" && aa == ba {
		return true
	}
	if aa, ba := AddressFromURI(a.URI), AddressFromURI(b.URI); aa != "" && aa == ba {
		return true
	}
	return a.URI != "" && strings.EqualFold(a.URI, b.URI)
}

// IsSentByMatch reports whether the candidate acted on behalf of the calendar
// user via SENT-BY.
func IsSentByMatch(user CalendarUser, candidate CalendarUser) bool {
	return user.SentBy != nil && Matches(*user.SentBy, candidate)
}

// FindAttendee returns the attendee matching the given calendar user.
func FindAttendee(attendees []Attendee, user CalendarUser) mo.Option[Attendee] {
	for _, a := range attendees {
		if Matches(a.CalendarUser, user) {
			return mo.Some(a.Copy())
		}
	}
	return mo.None[Attendee]()
}

// FindAttendeeByEntity returns the attendee with the given internal id.
func FindAttendeeByEntity(attendees []Attendee, entity int) mo.Option[Attendee] {
	if entity <= 0 {
		return mo.None[Attendee]()
	}
	for _, a := range attendees {
		if a.Entity == entity {
			return mo.Some(a.Copy())
		}
	}
	return mo.None[Attendee]()
}

// ContainsAttendee reports whether the user is among the attendees.
func ContainsAttendee(attendees []Attendee, user CalendarUser) bool {
	return FindAttendee(attendees, user).IsPresent()
}

// IsOrganizer reports whether the user organizes the event.
func IsOrganizer(e Event, user CalendarUser) bool {
	return e.Organizer != nil && Matches(*e.Organizer, user)
}

// ReplaceAttendee returns a new list where the attendee matching updated is
// replaced.
func ReplaceAttendee(attendees []Attendee, updated Attendee) []Attendee {
	out := CopyAttendees(attendees)
	for i, a := range out {
		if Matches(a.CalendarUser, updated.CalendarUser) {
			out[i] = updated.Copy()
			return out
		}
	}
	return out
}

// IsSimilarICloudIMipMeCom detects the rotating per-message organizer addresses
// iCloud uses (xyz@imip.me.com): two such organizers are considered the same
// when they carry the same EMAIL parameter, or the same common name if no
// EMAIL is set.
func IsSimilarICloudIMipMeCom(a, b *CalendarUser) bool {
	if a == nil || b == nil {
		return false
	}
	if !isICloudIMipMeCom(*a) || !isICloudIMipMeCom(*b) {
		return false
	}
	if a.Email != "" || b.Email != "" {
		return strings.EqualFold(a.Email, b.Email)
	}
	return a.CN != "" && a.CN == b.CN
}

func isICloudIMipMeCom(u CalendarUser) bool {
	addr := AddressFromURI(u.URI)
	at := strings.LastIndexByte(addr, '@')
	return at >= 0 && addr[at+1:] == iCloudIMipDomain
}

// SortSeriesMasterFirst orders events so that the series master (the event
// without recurrence id) comes first; other events keep their relative order.
func SortSeriesMasterFirst(events []Event) []Event {
	out := slices.Clone(events)
	slices.SortStableFunc(out, func(a, b Event) int {
		switch {
		case a.RecurrenceID == nil && b.RecurrenceID != nil:
			return -1
		case a.RecurrenceID != nil && b.RecurrenceID == nil:
			return 1
		default:
			return 0
		}
	})
	return out
}

// ContainsRecurrenceID reports whether rid is in the list.
func ContainsRecurrenceID(ids []RecurrenceID, rid RecurrenceID) bool {
	return slices.ContainsFunc(ids, rid.Matches)
}

// AddRecurrenceID returns a new sorted list including rid.
func AddRecurrenceID(ids []RecurrenceID, rid RecurrenceID) []RecurrenceID {
	out := slices.Clone(ids)
	if !ContainsRecurrenceID(out, rid) {
		out = append(out, RecurrenceID{Value: rid.Value})
	}
	slices.SortFunc(out, func(a, b RecurrenceID) int { return a.Value.Compare(b.Value) })
	return out
}

// RemoveRecurrenceID returns a new list without rid.
func RemoveRecurrenceID(ids []RecurrenceID, rid RecurrenceID) []RecurrenceID {
	out := slices.DeleteFunc(slices.Clone(ids), rid.Matches)
	if len(out) == 0 {
		return nil
	}
	return out
}
