package calendar

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

const (
	paramEmail      = "EMAIL"
	paramRange      = "RANGE"
	paramLabel      = "LABEL"
	paramFeature    = "FEATURE"
	paramFilename   = "FILENAME"
	paramFormatType = "FMTTYPE"
	propConference  = "CONFERENCE"
	propTrigger     = "TRIGGER"

	dateFormat        = "20060102"
	dateTimeFormat    = "20060102T150405"
	dateTimeFormatUTC = "20060102T150405Z"
)

var knownAttendeeParams = map[string]bool{
	ical.ParamCommonName:          true,
	ical.ParamCalendarUserType:    true,
	ical.ParamParticipationStatus: true,
	ical.ParamRole:                true,
	ical.ParamRSVP:                true,
	ical.ParamSentBy:              true,
	ical.ParamMember:              true,
	paramEmail:                    true,
}

// COMMENT and X- properties are kept as extended properties.
func isExtendedProperty(name string) bool {
	return name == ical.PropComment || strings.HasPrefix(name, "X-")
}

// CalendarUserFromProp reads an ORGANIZER-like property.
func CalendarUserFromProp(prop *ical.Prop) CalendarUser {
	u := CalendarUser{
		URI:   strings.TrimSpace(prop.Value),
		CN:    prop.Params.Get(ical.ParamCommonName),
		Email: prop.Params.Get(paramEmail),
	}
	if sentBy := prop.Params.Get(ical.ParamSentBy); sentBy != "" {
		u.SentBy = &CalendarUser{URI: strings.Trim(sentBy, `"`)}
	}
	return u
}

// AttendeeFromProp reads an ATTENDEE property.
func AttendeeFromProp(prop *ical.Prop) Attendee {
	a := Attendee{
		CalendarUser: CalendarUserFromProp(prop),
		CuType:       CalendarUserType(strings.ToUpper(prop.Params.Get(ical.ParamCalendarUserType))),
		Role:         strings.ToUpper(prop.Params.Get(ical.ParamRole)),
		PartStat:     ParticipationStatus(strings.ToUpper(prop.Params.Get(ical.ParamParticipationStatus))),
		RSVP:         strings.EqualFold(prop.Params.Get(ical.ParamRSVP), "TRUE"),
	}
	for _, m := range paramValues(prop.Params, ical.ParamMember) {
		a.Member = append(a.Member, strings.Trim(m, `"`))
	}
	for _, name := range sortedParamNames(prop.Params) {
		if knownAttendeeParams[name] {
			continue
		}
		for _, v := range paramValues(prop.Params, name) {
			a.ExtendedParameters = append(a.ExtendedParameters, ExtendedParameter{Name: name, Value: v})
		}
	}
	return a
}

func sortedParamNames(params ical.Params) []string {
	return slices.Sorted(maps.Keys(params))
}

func paramValues(params ical.Params, name string) []string {
	return params[name]
}

// EventFromComponent converts a VEVENT into the model. Only UID is mandatory.
func EventFromComponent(comp *ical.Component) (Event, error) {
	if comp == nil || comp.Name != ical.CompEvent {
		return Event{}, Errorf(CodeInvalidData, "not a %s component", ical.CompEvent)
	}
	var e Event
	var err error
	if e.UID, err = comp.Props.Text(ical.PropUID); err != nil {
		return Event{}, Wrap(CodeInvalidData, err, "invalid UID")
	}
	e.Summary, _ = comp.Props.Text(ical.PropSummary)
	e.Description, _ = comp.Props.Text(ical.PropDescription)
	e.Location, _ = comp.Props.Text(ical.PropLocation)

	if prop := comp.Props.Get(ical.PropDateTimeStart); prop != nil {
		if e.Start, err = prop.DateTime(time.UTC); err != nil {
			return Event{}, Wrap(CodeInvalidData, err, "invalid DTSTART")
		}
		e.AllDay = strings.EqualFold(prop.Params.Get(ical.ParamValue), "DATE")
	}
	if prop := comp.Props.Get(ical.PropDateTimeEnd); prop != nil {
		if e.End, err = prop.DateTime(time.UTC); err != nil {
			return Event{}, Wrap(CodeInvalidData, err, "invalid DTEND")
		}
	} else if prop := comp.Props.Get(ical.PropDuration); prop != nil {
		d, err := prop.Duration()
		if err != nil {
			return Event{}, Wrap(CodeInvalidData, err, "invalid DURATION")
		}
		e.End = e.Start.Add(d)
	} else if e.AllDay {
		e.End = e.Start.AddDate(0, 0, 1)
	} else {
		e.End = e.Start
	}

	if prop := comp.Props.Get(ical.PropRecurrenceRule); prop != nil {
		e.RecurrenceRule = prop.Value
	}
	if prop := comp.Props.Get(ical.PropRecurrenceID); prop != nil {
		t, err := prop.DateTime(time.UTC)
		if err != nil {
			return Event{}, Wrap(CodeInvalidData, err, "invalid RECURRENCE-ID")
		}
		e.RecurrenceID = &RecurrenceID{Value: t, Range: strings.ToUpper(prop.Params.Get(paramRange))}
	}
	for _, prop := range comp.Props[ical.PropRecurrenceDates] {
		dates, err := parseDateList(&prop)
		if err != nil {
			return Event{}, Wrap(CodeInvalidData, err, "invalid RDATE")
		}
		for _, d := range dates {
			e.RecurrenceDates = AddRecurrenceID(e.RecurrenceDates, RecurrenceID{Value: d})
		}
	}
	for _, prop := range comp.Props[ical.PropExceptionDates] {
		dates, err := parseDateList(&prop)
		if err != nil {
			return Event{}, Wrap(CodeInvalidData, err, "invalid EXDATE")
		}
		for _, d := range dates {
			e.DeleteExceptionDates = AddRecurrenceID(e.DeleteExceptionDates, RecurrenceID{Value: d})
		}
	}

	if prop := comp.Props.Get(ical.PropOrganizer); prop != nil {
		org := CalendarUserFromProp(prop)
		e.Organizer = &org
	}
	for _, prop := range comp.Props[ical.PropAttendee] {
		e.Attendees = append(e.Attendees, AttendeeFromProp(&prop))
	}
	for _, prop := range comp.Props[ical.PropAttach] {
		e.Attachments = append(e.Attachments, Attachment{
			URI:        prop.Value,
			Filename:   prop.Params.Get(paramFilename),
			FormatType: prop.Params.Get(paramFormatType),
		})
	}
	for _, prop := range comp.Props[propConference] {
		conf := Conference{URI: prop.Value, Label: prop.Params.Get(paramLabel)}
		for _, f := range paramValues(prop.Params, paramFeature) {
			conf.Features = append(conf.Features, strings.Split(f, ",")...)
		}
		e.Conferences = append(e.Conferences, conf)
	}

	if prop := comp.Props.Get(ical.PropSequence); prop != nil {
		if e.Sequence, err = prop.Int(); err != nil {
			return Event{}, Wrap(CodeInvalidData, err, "invalid SEQUENCE")
		}
	}
	if t, err := comp.Props.DateTime(ical.PropDateTimeStamp, time.UTC); err == nil && !t.IsZero() {
		e.DtStamp = t.UnixMilli()
	}
	if t, err := comp.Props.DateTime(ical.PropCreated, time.UTC); err == nil && !t.IsZero() {
		e.Created = t.UnixMilli()
	}
	if t, err := comp.Props.DateTime(ical.PropLastModified, time.UTC); err == nil && !t.IsZero() {
		e.Timestamp = t.UnixMilli()
	}
	if prop := comp.Props.Get(ical.PropStatus); prop != nil {
		e.Status = EventStatus(strings.ToUpper(prop.Value))
	}
	if prop := comp.Props.Get(ical.PropTransparency); prop != nil {
		e.Transp = strings.ToUpper(prop.Value)
	}
	if prop := comp.Props.Get(ical.PropClass); prop != nil {
		e.Classification = strings.ToUpper(prop.Value)
	}

	for _, name := range sortedPropNames(comp.Props) {
		if !isExtendedProperty(name) {
			continue
		}
		for _, prop := range comp.Props[name] {
			ep := ExtendedProperty{Name: name, Value: prop.Value}
			if name == ical.PropComment {
				ep.Value, _ = prop.Text()
			}
			for _, pn := range sortedParamNames(prop.Params) {
				for _, v := range paramValues(prop.Params, pn) {
					ep.Parameters = append(ep.Parameters, ExtendedParameter{Name: pn, Value: v})
				}
			}
			e.ExtendedProperties = append(e.ExtendedProperties, ep)
		}
	}
	return e, nil
}

func sortedPropNames(props ical.Props) []string {
	return slices.Sorted(maps.Keys(props))
}

// parseDateList parses a comma separated DATE or DATE-TIME list honouring TZID.
func parseDateList(prop *ical.Prop) ([]time.Time, error) {
	loc := time.UTC
	if tzid := prop.Params.Get(ical.ParamTimezoneID); tzid != "" {
		l, err := time.LoadLocation(tzid)
		if err != nil {
			return nil, fmt.Errorf("unknown TZID %q: %w", tzid, err)
		}
		loc = l
	}
	var out []time.Time
	for _, v := range strings.Split(prop.Value, ",") {
		v = strings.TrimSpace(v)
		// RDATE;VALUE=PERIOD: only the start matters
		if i := strings.IndexByte(v, '/'); i >= 0 {
			v = v[:i]
		}
		if v == "" {
			continue
		}
		var t time.Time
		var err error
		switch {
		case len(v) == len(dateFormat):
			t, err = time.ParseInLocation(dateFormat, v, time.UTC)
		case strings.HasSuffix(v, "Z"):
			t, err = time.Parse(dateTimeFormatUTC, v)
		default:
			t, err = time.ParseInLocation(dateTimeFormat, v, loc)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// AlarmsFromComponent reads the VALARM children of a VEVENT.
func AlarmsFromComponent(comp *ical.Component) []Alarm {
	var alarms []Alarm
	for _, child := range comp.Children {
		if child.Name != ical.CompAlarm {
			continue
		}
		a := Alarm{}
		if prop := child.Props.Get(ical.PropUID); prop != nil {
			a.UID = prop.Value
		}
		if prop := child.Props.Get(ical.PropAction); prop != nil {
			a.Action = strings.ToUpper(prop.Value)
		}
		if prop := child.Props.Get(propTrigger); prop != nil {
			a.Trigger = prop.Value
		}
		a.Description, _ = child.Props.Text(ical.PropDescription)
		alarms = append(alarms, a)
	}
	return alarms
}

func calendarUserProp(name string, u CalendarUser) *ical.Prop {
	prop := ical.NewProp(name)
	prop.Value = u.URI
	if prop.Value == "" {
		prop.Value = URIFromAddress(u.Email)
	}
	if u.CN != "" {
		prop.Params.Set(ical.ParamCommonName, u.CN)
	}
	if u.Email != "" && !strings.EqualFold(AddressFromURI(u.URI), u.Email) {
		prop.Params.Set(paramEmail, u.Email)
	}
	if u.SentBy != nil && u.SentBy.URI != "" {
		prop.Params.Set(ical.ParamSentBy, u.SentBy.URI)
	}
	return prop
}

func dateProp(name string, t time.Time, allDay bool) *ical.Prop {
	prop := ical.NewProp(name)
	if allDay {
		prop.Params.Set(ical.ParamValue, "DATE")
		prop.Value = t.Format(dateFormat)
	} else {
		prop.SetDateTime(t)
	}
	return prop
}

func setTime(comp *ical.Component, name string, t time.Time, allDay bool) {
	comp.Props.Set(dateProp(name, t, allDay))
}

// EventToComponent converts an event back into a VEVENT.
func EventToComponent(e Event) *ical.Component {
	comp := ical.NewComponent(ical.CompEvent)
	comp.Props.SetText(ical.PropUID, e.UID)
	if e.DtStamp > 0 {
		comp.Props.SetDateTime(ical.PropDateTimeStamp, time.UnixMilli(e.DtStamp).UTC())
	} else {
		comp.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	}
	if e.Summary != "" {
		comp.Props.SetText(ical.PropSummary, e.Summary)
	}
	if e.Description != "" {
		comp.Props.SetText(ical.PropDescription, e.Description)
	}
	if e.Location != "" {
		comp.Props.SetText(ical.PropLocation, e.Location)
	}
	if !e.Start.IsZero() {
		setTime(comp, ical.PropDateTimeStart, e.Start, e.AllDay)
	}
	if !e.End.IsZero() {
		setTime(comp, ical.PropDateTimeEnd, e.End, e.AllDay)
	}
	if e.RecurrenceRule != "" {
		prop := ical.NewProp(ical.PropRecurrenceRule)
		prop.Value = e.RecurrenceRule
		comp.Props.Set(prop)
	}
	if e.RecurrenceID != nil {
		setTime(comp, ical.PropRecurrenceID, e.RecurrenceID.Value, e.AllDay)
		if e.RecurrenceID.Range != "" {
			comp.Props.Get(ical.PropRecurrenceID).Params.Set(paramRange, e.RecurrenceID.Range)
		}
	}
	for _, rid := range e.RecurrenceDates {
		comp.Props.Add(dateProp(ical.PropRecurrenceDates, rid.Value, e.AllDay))
	}
	for _, rid := range e.DeleteExceptionDates {
		comp.Props.Add(dateProp(ical.PropExceptionDates, rid.Value, e.AllDay))
	}
	if e.Organizer != nil {
		comp.Props.Set(calendarUserProp(ical.PropOrganizer, *e.Organizer))
	}
	for _, a := range e.Attendees {
		prop := calendarUserProp(ical.PropAttendee, a.CalendarUser)
		if a.CuType != "" {
			prop.Params.Set(ical.ParamCalendarUserType, string(a.CuType))
		}
		if a.Role != "" {
			prop.Params.Set(ical.ParamRole, a.Role)
		}
		if a.PartStat != "" {
			prop.Params.Set(ical.ParamParticipationStatus, string(a.PartStat))
		}
		if a.RSVP {
			prop.Params.Set(ical.ParamRSVP, "TRUE")
		}
		for _, m := range a.Member {
			prop.Params.Add(ical.ParamMember, m)
		}
		for _, p := range a.ExtendedParameters {
			prop.Params.Add(p.Name, p.Value)
		}
		comp.Props.Add(prop)
	}
	for _, att := range e.Attachments {
		prop := ical.NewProp(ical.PropAttach)
		prop.Value = att.URI
		if att.FormatType != "" {
			prop.Params.Set(paramFormatType, att.FormatType)
		}
		if att.Filename != "" {
			prop.Params.Set(paramFilename, att.Filename)
		}
		comp.Props.Add(prop)
	}
	for _, conf := range e.Conferences {
		prop := ical.NewProp(propConference)
		prop.Params.Set(ical.ParamValue, "URI")
		prop.Value = conf.URI
		if conf.Label != "" {
			prop.Params.Set(paramLabel, conf.Label)
		}
		if len(conf.Features) > 0 {
			prop.Params.Set(paramFeature, strings.Join(conf.Features, ","))
		}
		comp.Props.Add(prop)
	}
	comp.Props.Set(&ical.Prop{Name: ical.PropSequence, Params: ical.Params{}, Value: strconv.Itoa(e.Sequence)})
	if e.Status != "" {
		comp.Props.Set(&ical.Prop{Name: ical.PropStatus, Params: ical.Params{}, Value: string(e.Status)})
	}
	if e.Transp != "" {
		comp.Props.Set(&ical.Prop{Name: ical.PropTransparency, Params: ical.Params{}, Value: e.Transp})
	}
	if e.Classification != "" {
		comp.Props.Set(&ical.Prop{Name: ical.PropClass, Params: ical.Params{}, Value: e.Classification})
	}
	for _, ep := range e.ExtendedProperties {
		prop := ical.NewProp(ep.Name)
		if ep.Name == ical.PropComment {
			prop.SetText(ep.Value)
		} else {
			prop.Value = ep.Value
		}
		for _, p := range ep.Parameters {
			prop.Params.Add(p.Name, p.Value)
		}
		comp.Props.Add(prop)
	}
	return comp
}

// NewCalendar wraps events into a VCALENDAR carrying the given METHOD.
func NewCalendar(method string, events ...Event) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//libitip//Scheduling//EN")
	if method != "" {
		cal.Props.SetText(ical.PropMethod, method)
	}
	for _, e := range SortSeriesMasterFirst(events) {
		cal.Children = append(cal.Children, EventToComponent(e))
	}
	return cal
}
