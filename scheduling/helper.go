package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-ical"
	"golang.org/x/text/language"

	"github.com/cyp0633/libitip/calendar"
	"github.com/cyp0633/libitip/itip"
)

// RecipientSettings are the regional settings used to render a notification.
type RecipientSettings struct {
	Locale   language.Tag
	TimeZone *time.Location
}

// Recipient is the addressee of a notification.
type Recipient struct {
	calendar.CalendarUser
	Settings RecipientSettings
}

// Notification is an outgoing scheduling message, queued during processing
// and handed to a Transport once the changes are committed.
type Notification struct {
	Method     itip.Method
	Originator calendar.CalendarUser
	Recipient  Recipient
	Resource   *calendar.CalendarObjectResource
	Data       itip.Data
}

// Transport delivers notifications, e.g. as iMIP mail.
type Transport interface {
	Send(ctx context.Context, n Notification) error
}

// Render builds the iCalendar object carried by the notification, including
// the routing marker.
func (n Notification) Render() (*ical.Calendar, error) {
	cal := calendar.NewCalendar(n.Method.String(), n.Resource.Events()...)
	token, err := itip.Encode(n.Data)
	if err != nil {
		return nil, err
	}
	cal.Props.SetText(itip.PropertyName, token)
	return cal, nil
}

// SchedulingHelper derives outgoing notifications from performed changes.
type SchedulingHelper struct {
	session  *Session
	tracker  *ResultTracker
	defaults RecipientSettings
}

// NewSchedulingHelper creates a helper queueing into tracker. Recipients
// without resolvable settings get English and UTC.
func NewSchedulingHelper(session *Session, tracker *ResultTracker) *SchedulingHelper {
	return &SchedulingHelper{
		session:  session,
		tracker:  tracker,
		defaults: RecipientSettings{Locale: language.English, TimeZone: time.UTC},
	}
}

// WithDefaults returns a copy of the helper using other fallback settings.
func (h *SchedulingHelper) WithDefaults(d RecipientSettings) *SchedulingHelper {
	c := *h
	if d.TimeZone == nil {
		d.TimeZone = time.UTC
	}
	c.defaults = d
	return &c
}

// TrackCreation notifies the attendees of a newly created, organized resource.
func (h *SchedulingHelper) TrackCreation(ctx context.Context, resource *calendar.CalendarObjectResource) {
	if !h.shouldTrack(resource) {
		return
	}
	for _, a := range h.attendeeRecipients(resource, nil) {
		h.queue(ctx, itip.MethodRequest, resource, a.CalendarUser)
	}
}

// TrackUpdate notifies attendees about a substantive change. Removed
// attendees receive a cancellation.
func (h *SchedulingHelper) TrackUpdate(ctx context.Context, resource *calendar.CalendarObjectResource, update calendar.EventUpdate) {
	if update.IsAboutStateChangesOnly() || !h.shouldTrack(resource) {
		return
	}
	for _, a := range h.attendeeRecipients(resource, nil) {
		h.queue(ctx, itip.MethodRequest, resource, a.CalendarUser)
	}
	for _, removed := range update.Attendees.Removed {
		h.queue(ctx, itip.MethodCancel, resource, removed.CalendarUser)
	}
}

// TrackUpdateFor notifies only the given attendees about a change.
func (h *SchedulingHelper) TrackUpdateFor(ctx context.Context, resource *calendar.CalendarObjectResource, recipients []calendar.Attendee) {
	if !h.shouldTrack(resource) {
		return
	}
	for _, a := range h.attendeeRecipients(resource, recipients) {
		h.queue(ctx, itip.MethodRequest, resource, a.CalendarUser)
	}
}

// TrackDeletion notifies the attendees of a cancelled resource.
func (h *SchedulingHelper) TrackDeletion(ctx context.Context, resource *calendar.CalendarObjectResource) {
	if !h.shouldTrack(resource) {
		return
	}
	for _, a := range h.attendeeRecipients(resource, nil) {
		h.queue(ctx, itip.MethodCancel, resource, a.CalendarUser)
	}
}

// TrackReply sends the calendar user's participation back to the organizer.
func (h *SchedulingHelper) TrackReply(ctx context.Context, resource *calendar.CalendarObjectResource, attendee calendar.Attendee) {
	org := resource.Organizer()
	if org == nil || calendar.Matches(*org, attendee.CalendarUser) || !h.shouldTrack(resource) {
		return
	}
	var events []calendar.Event
	for _, e := range resource.Events() {
		if a, ok := calendar.FindAttendee(e.Attendees, attendee.CalendarUser).Get(); ok {
			e.Attendees = []calendar.Attendee{a}
			events = append(events, e)
		}
	}
	if len(events) == 0 {
		return
	}
	h.queueFrom(ctx, itip.MethodReply, calendar.NewResource(events...), attendee.CalendarUser, *org)
}

// TrackDeclineCounter rejects a counter proposal of an attendee.
func (h *SchedulingHelper) TrackDeclineCounter(ctx context.Context, resource *calendar.CalendarObjectResource, attendee calendar.Attendee) {
	if !h.shouldTrack(resource) {
		return
	}
	h.queue(ctx, itip.MethodDeclineCounter, resource, attendee.CalendarUser)
}

// TrackRefresh resends the current resource to one attendee.
func (h *SchedulingHelper) TrackRefresh(ctx context.Context, resource *calendar.CalendarObjectResource, attendee calendar.Attendee) {
	h.queue(ctx, itip.MethodRequest, resource, attendee.CalendarUser)
}

func (h *SchedulingHelper) queue(ctx context.Context, method itip.Method, resource *calendar.CalendarObjectResource, to calendar.CalendarUser) {
	org := resource.Organizer()
	if org == nil {
		h.session.Logger.Debug("no organizer, skipping notification", "uid", resource.UID(), "method", method)
		return
	}
	h.queueFrom(ctx, method, resource, *org, to)
}

func (h *SchedulingHelper) queueFrom(ctx context.Context, method itip.Method, resource *calendar.CalendarObjectResource, from, to calendar.CalendarUser) {
	n := Notification{
		Method:     method,
		Originator: from,
		Recipient: Recipient{
			CalendarUser: to,
			Settings:     h.recipientSettings(ctx, to, resource.Organizer()),
		},
		Resource: resource,
		Data:     itip.NewData(h.session.ServerUID, h.session.ContextID, string(method), h.sentByResource(ctx)),
	}
	h.session.Logger.Debug("queueing notification",
		"uid", resource.UID(), "method", method, "recipient", to.URI)
	h.tracker.Queue(n)
}

// attendeeRecipients returns the attendees of the resource to notify,
// excluding the organizer and the calendar user. If only is set, recipients
// are restricted to it.
func (h *SchedulingHelper) attendeeRecipients(resource *calendar.CalendarObjectResource, only []calendar.Attendee) []calendar.Attendee {
	org := resource.Organizer()
	var out []calendar.Attendee
	for _, e := range resource.Events() {
		for _, a := range e.Attendees {
			switch {
			case org != nil && calendar.Matches(*org, a.CalendarUser):
			case a.Entity > 0 && a.Entity == h.tracker.calendarUser:
			case a.CuType == calendar.CuTypeGroup:
			case only != nil && !calendar.ContainsAttendee(only, a.CalendarUser):
			case calendar.ContainsAttendee(out, a.CalendarUser):
			default:
				out = append(out, a)
			}
		}
	}
	return out
}

// shouldTrack skips notifications for resources entirely in the past.
func (h *SchedulingHelper) shouldTrack(resource *calendar.CalendarObjectResource) bool {
	now := h.session.Now()
	for _, e := range resource.Events() {
		end := e.End
		if e.IsSeriesMaster() && h.session.Recurrence != nil {
			seriesEnd, finite, err := h.session.Recurrence.SeriesEnd(e)
			if err != nil {
				h.session.AddWarning(fmt.Errorf("cannot determine end of series %s: %w", e.UID, err))
				return true
			}
			if !finite {
				return true
			}
			end = seriesEnd
		}
		if end.IsZero() || end.After(now) {
			return true
		}
	}
	h.session.Logger.Debug("resource ends in the past, skipping notifications", "uid", resource.UID())
	return false
}

// recipientSettings resolves the settings of the recipient, falling back to
// the organizer's delegate, the organizer, and the defaults.
func (h *SchedulingHelper) recipientSettings(ctx context.Context, recipient calendar.CalendarUser, organizer *calendar.CalendarUser) RecipientSettings {
	candidates := []calendar.CalendarUser{recipient}
	if organizer != nil {
		if organizer.SentBy != nil {
			candidates = append(candidates, *organizer.SentBy)
		}
		candidates = append(candidates, *organizer)
	}
	for _, c := range candidates {
		entity, err := h.session.entityOf(ctx, c)
		if err != nil {
			h.session.AddWarning(fmt.Errorf("cannot resolve %s: %w", c.URI, err))
			continue
		}
		if entity <= 0 {
			continue
		}
		locale, err := h.session.Resolver.Locale(ctx, entity)
		if err != nil {
			h.session.AddWarning(err)
			continue
		}
		tz, err := h.session.Resolver.TimeZone(ctx, entity)
		if err != nil || tz == nil {
			tz = h.defaults.TimeZone
		}
		return RecipientSettings{Locale: locale, TimeZone: tz}
	}
	return h.defaults
}

// sentByResource returns the calendar user when it is a resource handled by
// a booking delegate, or -1.
func (h *SchedulingHelper) sentByResource(ctx context.Context) int {
	cu := h.tracker.calendarUser
	if cu <= 0 || cu == h.session.UserID {
		return -1
	}
	u, err := h.session.Resolver.ResolveEntity(ctx, cu)
	if err != nil {
		return -1
	}
	if u.CuType == calendar.CuTypeResource || u.CuType == calendar.CuTypeRoom {
		return cu
	}
	return -1
}
