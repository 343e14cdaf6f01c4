package calendar

import (
	"slices"
)

// AttendeeField names one attendee property for diffing and partial copies.
type AttendeeField string

const (
	AttendeeFieldURI                AttendeeField = "URI"
	AttendeeFieldCN                 AttendeeField = "CN"
	AttendeeFieldEmail              AttendeeField = "EMAIL"
	AttendeeFieldEntity             AttendeeField = "ENTITY"
	AttendeeFieldSentBy             AttendeeField = "SENT_BY"
	AttendeeFieldCuType             AttendeeField = "CU_TYPE"
	AttendeeFieldRole               AttendeeField = "ROLE"
	AttendeeFieldPartStat           AttendeeField = "PARTSTAT"
	AttendeeFieldRSVP               AttendeeField = "RSVP"
	AttendeeFieldComment            AttendeeField = "COMMENT"
	AttendeeFieldMember             AttendeeField = "MEMBER"
	AttendeeFieldExtendedParameters AttendeeField = "EXTENDED_PARAMETERS"
	AttendeeFieldSequence           AttendeeField = "SEQUENCE"
	AttendeeFieldTimestamp          AttendeeField = "TIMESTAMP"
)

// EventField names one event property for diffing and partial copies.
type EventField string

const (
	EventFieldSummary              EventField = "SUMMARY"
	EventFieldDescription          EventField = "DESCRIPTION"
	EventFieldLocation             EventField = "LOCATION"
	EventFieldStart                EventField = "START_DATE"
	EventFieldEnd                  EventField = "END_DATE"
	EventFieldAllDay               EventField = "ALL_DAY"
	EventFieldRecurrenceRule       EventField = "RECURRENCE_RULE"
	EventFieldRecurrenceID         EventField = "RECURRENCE_ID"
	EventFieldRecurrenceDates      EventField = "RECURRENCE_DATES"
	EventFieldChangeExceptionDates EventField = "CHANGE_EXCEPTION_DATES"
	EventFieldDeleteExceptionDates EventField = "DELETE_EXCEPTION_DATES"
	EventFieldOrganizer            EventField = "ORGANIZER"
	EventFieldAttendees            EventField = "ATTENDEES"
	EventFieldAttachments          EventField = "ATTACHMENTS"
	EventFieldConferences          EventField = "CONFERENCES"
	EventFieldSequence             EventField = "SEQUENCE"
	EventFieldDtStamp              EventField = "DTSTAMP"
	EventFieldTimestamp            EventField = "TIMESTAMP"
	EventFieldStatus               EventField = "STATUS"
	EventFieldTransp               EventField = "TRANSP"
	EventFieldClassification       EventField = "CLASSIFICATION"
	EventFieldExtendedProperties   EventField = "EXTENDED_PROPERTIES"
)

// FieldSet is an unordered set of field tags.
type FieldSet[F ~string] map[F]struct{}

// NewFieldSet builds a set from the given fields.
func NewFieldSet[F ~string](fields ...F) FieldSet[F] {
	s := make(FieldSet[F], len(fields))
	for _, f := range fields {
		s[f] = struct{}{}
	}
	return s
}

func (s FieldSet[F]) add(f F) {
	s[f] = struct{}{}
}

// Contains reports whether f is in the set.
func (s FieldSet[F]) Contains(f F) bool {
	_, ok := s[f]
	return ok
}

// ContainsAny reports whether any of the given fields is in the set.
func (s FieldSet[F]) ContainsAny(fields ...F) bool {
	for _, f := range fields {
		if s.Contains(f) {
			return true
		}
	}
	return false
}

// OnlyContains reports whether every member of the set is one of allowed.
func (s FieldSet[F]) OnlyContains(allowed ...F) bool {
	for f := range s {
		if !slices.Contains(allowed, f) {
			return false
		}
	}
	return true
}

// Without returns a copy of the set with the given fields removed.
func (s FieldSet[F]) Without(fields ...F) FieldSet[F] {
	out := make(FieldSet[F], len(s))
	for f := range s {
		if !slices.Contains(fields, f) {
			out[f] = struct{}{}
		}
	}
	return out
}

// IsEmpty reports whether the set has no members.
func (s FieldSet[F]) IsEmpty() bool {
	return len(s) == 0
}

// Sorted returns the members in lexical order.
func (s FieldSet[F]) Sorted() []F {
	out := make([]F, 0, len(s))
	for f := range s {
		out = append(out, f)
	}
	slices.Sort(out)
	return out
}

// AttendeeDiff returns the attendee fields whose values differ.
func AttendeeDiff(original, updated Attendee) FieldSet[AttendeeField] {
	d := FieldSet[AttendeeField]{}
	if original.URI != updated.URI {
		d.add(AttendeeFieldURI)
	}
	if original.CN != updated.CN {
		d.add(AttendeeFieldCN)
	}
	if original.Email != updated.Email {
		d.add(AttendeeFieldEmail)
	}
	if original.Entity != updated.Entity {
		d.add(AttendeeFieldEntity)
	}
	if !sameCalendarUserRef(original.SentBy, updated.SentBy) {
		d.add(AttendeeFieldSentBy)
	}
	if original.CuType != updated.CuType {
		d.add(AttendeeFieldCuType)
	}
	if original.Role != updated.Role {
		d.add(AttendeeFieldRole)
	}
	if original.PartStat != updated.PartStat {
		d.add(AttendeeFieldPartStat)
	}
	if original.RSVP != updated.RSVP {
		d.add(AttendeeFieldRSVP)
	}
	if original.Comment != updated.Comment {
		d.add(AttendeeFieldComment)
	}
	if !slices.Equal(original.Member, updated.Member) {
		d.add(AttendeeFieldMember)
	}
	if !slices.Equal(original.ExtendedParameters, updated.ExtendedParameters) {
		d.add(AttendeeFieldExtendedParameters)
	}
	if original.Sequence != updated.Sequence {
		d.add(AttendeeFieldSequence)
	}
	if original.Timestamp != updated.Timestamp {
		d.add(AttendeeFieldTimestamp)
	}
	return d
}

func sameCalendarUserRef(a, b *CalendarUser) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.URI == b.URI && a.CN == b.CN && a.Email == b.Email && a.Entity == b.Entity &&
		sameCalendarUserRef(a.SentBy, b.SentBy)
}

// CopyAttendeeFields returns dst with the given fields taken from src.
func CopyAttendeeFields(dst, src Attendee, fields ...AttendeeField) Attendee {
	out := dst.Copy()
	src = src.Copy()
	for _, f := range fields {
		switch f {
		case AttendeeFieldURI:
			out.URI = src.URI
		case AttendeeFieldCN:
			out.CN = src.CN
		case AttendeeFieldEmail:
			out.Email = src.Email
		case AttendeeFieldEntity:
			out.Entity = src.Entity
		case AttendeeFieldSentBy:
			out.SentBy = src.SentBy
		case AttendeeFieldCuType:
			out.CuType = src.CuType
		case AttendeeFieldRole:
			out.Role = src.Role
		case AttendeeFieldPartStat:
			out.PartStat = src.PartStat
		case AttendeeFieldRSVP:
			out.RSVP = src.RSVP
		case AttendeeFieldComment:
			out.Comment = src.Comment
		case AttendeeFieldMember:
			out.Member = src.Member
		case AttendeeFieldExtendedParameters:
			out.ExtendedParameters = src.ExtendedParameters
		case AttendeeFieldSequence:
			out.Sequence = src.Sequence
		case AttendeeFieldTimestamp:
			out.Timestamp = src.Timestamp
		}
	}
	return out
}

// EventDiff returns the event fields whose values differ. Object identity
// (id, folder, series id, uid) is not compared.
func EventDiff(original, updated Event) FieldSet[EventField] {
	d := FieldSet[EventField]{}
	if original.Summary != updated.Summary {
		d.add(EventFieldSummary)
	}
	if original.Description != updated.Description {
		d.add(EventFieldDescription)
	}
	if original.Location != updated.Location {
		d.add(EventFieldLocation)
	}
	if !original.Start.Equal(updated.Start) {
		d.add(EventFieldStart)
	}
	if !original.End.Equal(updated.End) {
		d.add(EventFieldEnd)
	}
	if original.AllDay != updated.AllDay {
		d.add(EventFieldAllDay)
	}
	if original.RecurrenceRule != updated.RecurrenceRule {
		d.add(EventFieldRecurrenceRule)
	}
	if !sameRecurrenceIDRef(original.RecurrenceID, updated.RecurrenceID) {
		d.add(EventFieldRecurrenceID)
	}
	if !sameRecurrenceIDs(original.RecurrenceDates, updated.RecurrenceDates) {
		d.add(EventFieldRecurrenceDates)
	}
	if !sameRecurrenceIDs(original.ChangeExceptionDates, updated.ChangeExceptionDates) {
		d.add(EventFieldChangeExceptionDates)
	}
	if !sameRecurrenceIDs(original.DeleteExceptionDates, updated.DeleteExceptionDates) {
		d.add(EventFieldDeleteExceptionDates)
	}
	if !sameCalendarUserRef(original.Organizer, updated.Organizer) {
		d.add(EventFieldOrganizer)
	}
	if !DiffAttendees(original.Attendees, updated.Attendees).IsEmpty() {
		d.add(EventFieldAttendees)
	}
	if !slices.Equal(original.Attachments, updated.Attachments) {
		d.add(EventFieldAttachments)
	}
	if !slices.EqualFunc(original.Conferences, updated.Conferences, func(a, b Conference) bool {
		return a.URI == b.URI && a.Label == b.Label && slices.Equal(a.Features, b.Features)
	}) {
		d.add(EventFieldConferences)
	}
	if original.Sequence != updated.Sequence {
		d.add(EventFieldSequence)
	}
	if original.DtStamp != updated.DtStamp {
		d.add(EventFieldDtStamp)
	}
	if original.Timestamp != updated.Timestamp {
		d.add(EventFieldTimestamp)
	}
	if original.Status != updated.Status {
		d.add(EventFieldStatus)
	}
	if original.Transp != updated.Transp {
		d.add(EventFieldTransp)
	}
	if original.Classification != updated.Classification {
		d.add(EventFieldClassification)
	}
	if !slices.EqualFunc(original.ExtendedProperties, updated.ExtendedProperties, func(a, b ExtendedProperty) bool {
		return a.Name == b.Name && a.Value == b.Value && slices.Equal(a.Parameters, b.Parameters)
	}) {
		d.add(EventFieldExtendedProperties)
	}
	return d
}

func sameRecurrenceIDRef(a, b *RecurrenceID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Value.Equal(b.Value) && a.Range == b.Range
}

func sameRecurrenceIDs(a, b []RecurrenceID) bool {
	return slices.EqualFunc(a, b, func(x, y RecurrenceID) bool {
		return x.Value.Equal(y.Value) && x.Range == y.Range
	})
}

// CopyEventFields returns dst with the given fields taken from src.
func CopyEventFields(dst, src Event, fields ...EventField) Event {
	out := dst.Copy()
	src = src.Copy()
	for _, f := range fields {
		switch f {
		case EventFieldSummary:
			out.Summary = src.Summary
		case EventFieldDescription:
			out.Description = src.Description
		case EventFieldLocation:
			out.Location = src.Location
		case EventFieldStart:
			out.Start = src.Start
		case EventFieldEnd:
			out.End = src.End
		case EventFieldAllDay:
			out.AllDay = src.AllDay
		case EventFieldRecurrenceRule:
			out.RecurrenceRule = src.RecurrenceRule
		case EventFieldRecurrenceID:
			out.RecurrenceID = src.RecurrenceID
		case EventFieldRecurrenceDates:
			out.RecurrenceDates = src.RecurrenceDates
		case EventFieldChangeExceptionDates:
			out.ChangeExceptionDates = src.ChangeExceptionDates
		case EventFieldDeleteExceptionDates:
			out.DeleteExceptionDates = src.DeleteExceptionDates
		case EventFieldOrganizer:
			out.Organizer = src.Organizer
		case EventFieldAttendees:
			out.Attendees = src.Attendees
		case EventFieldAttachments:
			out.Attachments = src.Attachments
		case EventFieldConferences:
			out.Conferences = src.Conferences
		case EventFieldSequence:
			out.Sequence = src.Sequence
		case EventFieldDtStamp:
			out.DtStamp = src.DtStamp
		case EventFieldTimestamp:
			out.Timestamp = src.Timestamp
		case EventFieldStatus:
			out.Status = src.Status
		case EventFieldTransp:
			out.Transp = src.Transp
		case EventFieldClassification:
			out.Classification = src.Classification
		case EventFieldExtendedProperties:
			out.ExtendedProperties = src.ExtendedProperties
		}
	}
	return out
}

// AllEventFields lists every diffable event field.
var AllEventFields = []EventField{
	EventFieldSummary, EventFieldDescription, EventFieldLocation, EventFieldStart, EventFieldEnd,
	EventFieldAllDay, EventFieldRecurrenceRule, EventFieldRecurrenceID, EventFieldRecurrenceDates, EventFieldChangeExceptionDates,
	EventFieldDeleteExceptionDates, EventFieldOrganizer, EventFieldAttendees, EventFieldAttachments,
	EventFieldConferences, EventFieldSequence, EventFieldDtStamp, EventFieldTimestamp, EventFieldStatus,
	EventFieldTransp, EventFieldClassification, EventFieldExtendedProperties,
}

// AttendeeUpdate pairs a stored attendee with its new version.
type AttendeeUpdate struct {
	Original Attendee
	Updated  Attendee
	Fields   FieldSet[AttendeeField]
}

// AttendeeCollectionUpdate is the difference between two attendee lists,
// matched by calendar user identity.
type AttendeeCollectionUpdate struct {
	Added   []Attendee
	Removed []Attendee
	Updated []AttendeeUpdate
}

// IsEmpty reports whether both lists are equivalent.
func (u AttendeeCollectionUpdate) IsEmpty() bool {
	return len(u.Added) == 0 && len(u.Removed) == 0 && len(u.Updated) == 0
}

// DiffAttendees matches attendees by identity and reports additions,
// removals, and changed attendees.
func DiffAttendees(original, updated []Attendee) AttendeeCollectionUpdate {
	var u AttendeeCollectionUpdate
	matched := make([]bool, len(original))
	for _, upd := range updated {
		idx := slices.IndexFunc(original, func(a Attendee) bool {
			return Matches(a.CalendarUser, upd.CalendarUser)
		})
		if idx < 0 {
			u.Added = append(u.Added, upd)
			continue
		}
		matched[idx] = true
		if fields := AttendeeDiff(original[idx], upd); !fields.IsEmpty() {
			u.Updated = append(u.Updated, AttendeeUpdate{Original: original[idx], Updated: upd, Fields: fields})
		}
	}
	for i, orig := range original {
		if !matched[i] {
			u.Removed = append(u.Removed, orig)
		}
	}
	return u
}

// EventUpdate describes the change between a stored event and its new
// version.
type EventUpdate struct {
	Original  Event
	Updated   Event
	Fields    FieldSet[EventField]
	Attendees AttendeeCollectionUpdate
}

// NewEventUpdate diffs two versions of an event.
func NewEventUpdate(original, updated Event) EventUpdate {
	return EventUpdate{
		Original:  original,
		Updated:   updated,
		Fields:    EventDiff(original, updated),
		Attendees: DiffAttendees(original.Attendees, updated.Attendees),
	}
}

// stateFields are the event fields an attendee's participation change may
// touch without altering the meeting itself.
var stateFields = []EventField{
	EventFieldAttendees, EventFieldTimestamp, EventFieldDtStamp, EventFieldSequence, EventFieldExtendedProperties,
}

var attendeeStateFields = []AttendeeField{
	AttendeeFieldPartStat, AttendeeFieldComment, AttendeeFieldRSVP, AttendeeFieldExtendedParameters,
	AttendeeFieldSequence, AttendeeFieldTimestamp, AttendeeFieldCN,
}

// IsAboutStateChangesOnly reports whether the update merely reflects
// participation changes of existing attendees.
func (u EventUpdate) IsAboutStateChangesOnly() bool {
	if !u.Fields.OnlyContains(stateFields...) {
		return false
	}
	if len(u.Attendees.Added) > 0 || len(u.Attendees.Removed) > 0 {
		return false
	}
	for _, au := range u.Attendees.Updated {
		if !au.Fields.OnlyContains(attendeeStateFields...) {
			return false
		}
	}
	return true
}
