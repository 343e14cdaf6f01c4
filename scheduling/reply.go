package scheduling

import (
	"context"
	"slices"

	"github.com/samber/mo"

	"github.com/cyp0633/libitip/calendar"
)

// ProcessReply applies an attendee's REPLY to the organizer's copy.
func ProcessReply(ctx context.Context, sc *Context, msg *IncomingMessage) error {
	if msg.Resource.Len() == 0 {
		return calendar.Errorf(calendar.CodeInvalidData, "empty REPLY")
	}
	resource, err := sanitizeResource(ctx, sc, msg.Resource)
	if err != nil {
		return err
	}
	p := &replyProcessor{sc: sc, msg: msg, resource: resource}
	return p.process(ctx)
}

type replyProcessor struct {
	sc       *Context
	msg      *IncomingMessage
	resource *calendar.CalendarObjectResource
}

func (p *replyProcessor) process(ctx context.Context) error {
	sc := p.sc
	cu := sc.CalendarUser()
	events := calendar.SortSeriesMasterFirst(p.resource.Events())
	first := events[0]
	log := sc.Session.Logger.With("uid", first.UID, "originator", p.msg.Originator.URI)

	resolver := NewResolvePerformer(sc.Session, sc.Storage)
	id, err := resolver.ResolveEventID(ctx, first.UID, first.RecurrenceID, cu)
	if err != nil {
		return err
	}
	original, err := loadEventData(ctx, sc.Storage, id)
	if err != nil {
		return err
	}
	replying, err := p.replyingAttendee(first)
	if err != nil {
		return err
	}

	if !calendar.ContainsAttendee(original.Attendees, replying.CalendarUser) {
		if !sc.trusted() {
			log.Info("reply from a calendar user that was not invited, ignoring it")
			return nil
		}
		return p.addPartyCrasher(ctx, original, first.RecurrenceID == nil, events, replying)
	}

	if original.IsSeriesMaster() || original.IsSeriesException() {
		if original.IsSeriesMaster() && first.RecurrenceID == nil {
			return p.updateSeries(ctx, original, events)
		}
		return p.updateOccurrences(ctx, original, events)
	}
	return p.updateAttendee(ctx, original, first, replying)
}

// replyingAttendee finds the attendee sending the reply in an incoming event.
func (p *replyProcessor) replyingAttendee(e calendar.Event) (calendar.Attendee, error) {
	originator := p.msg.Originator
	if a, ok := calendar.FindAttendee(e.Attendees, originator).Get(); ok {
		return withIndividual(a), nil
	}
	if p.sc.trusted() {
		if len(e.Attendees) == 1 {
			return withIndividual(e.Attendees[0]), nil
		}
		return calendar.Attendee{}, calendar.Errorf(calendar.CodeAttendeeNotFound,
			"reply for %s names %d attendees", describe(e), len(e.Attendees))
	}
	var match []calendar.Attendee
	for _, a := range e.Attendees {
		if calendar.IsSentByMatch(a.CalendarUser, originator) {
			match = append(match, a)
		}
	}
	if len(match) != 1 {
		return calendar.Attendee{}, calendar.Errorf(calendar.CodeAttendeeNotFound,
			"%s does not reply for any attendee of %s", originator.URI, describe(e))
	}
	return withIndividual(match[0]), nil
}

func withIndividual(a calendar.Attendee) calendar.Attendee {
	a = a.Copy()
	a.CuType = calendar.CuTypeIndividual
	return a
}

// addPartyCrasher adds an attendee the organizer never invited. Replies
// for the whole series extend the master and all its exceptions.
func (p *replyProcessor) addPartyCrasher(ctx context.Context, original calendar.Event, wholeSeries bool, events []calendar.Event, attendee calendar.Attendee) error {
	sc := p.sc
	attendees := NewAttendeePerformer(sc)
	var targets []calendar.Event
	if original.IsSeriesMaster() && wholeSeries {
		exceptions, err := loadExceptionData(ctx, sc.Storage, original)
		if err != nil {
			return err
		}
		targets = append([]calendar.Event{original}, exceptions...)
	} else {
		resolver := NewResolvePerformer(sc.Session, sc.Storage)
		for _, e := range events {
			id, err := resolver.ResolveEventID(ctx, e.UID, e.RecurrenceID, sc.CalendarUser())
			if err != nil {
				return err
			}
			target, err := loadEventData(ctx, sc.Storage, id)
			if err != nil {
				return err
			}
			targets = append(targets, target)
		}
	}

	var recipients []calendar.Attendee
	for _, target := range targets {
		if calendar.ContainsAttendee(target.Attendees, attendee.CalendarUser) {
			continue
		}
		for _, a := range target.Attendees {
			if !calendar.ContainsAttendee(recipients, a.CalendarUser) {
				recipients = append(recipients, a)
			}
		}
		if _, err := attendees.AddAttendee(ctx, target, attendee); err != nil {
			return err
		}
	}
	if len(recipients) == 0 {
		return nil
	}
	stored, err := NewResolvePerformer(sc.Session, sc.Storage).LookupByUID(ctx, original.UID, sc.CalendarUser())
	if err != nil {
		return err
	}
	if res, ok := stored.Get(); ok {
		sc.Helper.TrackUpdateFor(ctx, res, recipients)
	}
	return nil
}

// updateSeries applies a reply covering the series master and possibly
// some of its occurrences.
func (p *replyProcessor) updateSeries(ctx context.Context, master calendar.Event, events []calendar.Event) error {
	sc := p.sc
	incoming := events[1:]
	for _, in := range incoming {
		if in.RecurrenceID == nil {
			return calendar.Errorf(calendar.CodeInvalidData, "reply for %s carries the series more than once", in.UID)
		}
	}
	if err := p.updateAttendeeOf(ctx, master, events[0]); err != nil {
		return err
	}
	stored, err := loadExceptionData(ctx, sc.Storage, master)
	if err != nil {
		return err
	}
	for _, exception := range stored {
		i := slices.IndexFunc(incoming, func(e calendar.Event) bool {
			return e.RecurrenceID.Matches(*exception.RecurrenceID)
		})
		if i < 0 {
			continue
		}
		if err := p.updateAttendeeOf(ctx, exception, incoming[i]); err != nil {
			return err
		}
	}
	for _, in := range incoming {
		known := slices.ContainsFunc(stored, func(e calendar.Event) bool {
			return e.RecurrenceID.Matches(*in.RecurrenceID)
		})
		if known {
			continue
		}
		if err := p.createException(ctx, master.ID, in); err != nil {
			return err
		}
	}
	return nil
}

// updateOccurrences applies a reply addressing single occurrences only.
func (p *replyProcessor) updateOccurrences(ctx context.Context, original calendar.Event, events []calendar.Event) error {
	sc := p.sc
	masterID := original.ID
	if original.IsSeriesException() {
		masterID = original.SeriesID
	}
	master, err := loadEventData(ctx, sc.Storage, masterID)
	if err != nil {
		return err
	}
	stored, err := loadExceptionData(ctx, sc.Storage, master)
	if err != nil {
		return err
	}
	for _, in := range events {
		if in.RecurrenceID == nil {
			return calendar.Errorf(calendar.CodeInvalidData, "reply for %s mixes occurrences and the series", in.UID)
		}
		i := slices.IndexFunc(stored, func(e calendar.Event) bool {
			return e.RecurrenceID.Matches(*in.RecurrenceID)
		})
		if i < 0 {
			if err := p.createException(ctx, master.ID, in); err != nil {
				return err
			}
			continue
		}
		if err := p.updateAttendeeOf(ctx, stored[i], in); err != nil {
			return err
		}
	}
	return nil
}

// createException turns the replied occurrence into a change exception
// carrying the new participation status.
func (p *replyProcessor) createException(ctx context.Context, masterID string, in calendar.Event) error {
	if in.RecurrenceID == nil {
		return calendar.Errorf(calendar.CodeInvalidData, "reply for %s has no RECURRENCE-ID", in.UID)
	}
	master, err := loadEventData(ctx, p.sc.Storage, masterID)
	if err != nil {
		return err
	}
	if err := requireRecurrenceIDExists(p.sc.Session, master, *in.RecurrenceID); err != nil {
		return err
	}
	replying, err := p.replyingAttendee(in)
	if err != nil {
		return err
	}
	var attendee mo.Option[calendar.Attendee]
	if stored, ok := calendar.FindAttendee(master.Attendees, replying.CalendarUser).Get(); ok {
		update, err := prepareAttendeeUpdate(in, stored, replying)
		if err != nil {
			return err
		}
		attendee = mo.Some(update)
	}
	_, err = NewExceptionPerformer(p.sc).CreateChangeException(ctx, master, *in.RecurrenceID, attendee)
	return err
}

func (p *replyProcessor) updateAttendeeOf(ctx context.Context, original, in calendar.Event) error {
	replying, err := p.replyingAttendee(in)
	if err != nil {
		return err
	}
	return p.updateAttendee(ctx, original, in, replying)
}

func (p *replyProcessor) updateAttendee(ctx context.Context, original, in calendar.Event, replying calendar.Attendee) error {
	stored, ok := calendar.FindAttendee(original.Attendees, replying.CalendarUser).Get()
	if !ok {
		p.sc.Session.Logger.Info("replying attendee not found in event, skipping", "event", describe(original))
		return nil
	}
	update, err := prepareAttendeeUpdate(in, stored, replying)
	if err != nil {
		return err
	}
	if calendar.AttendeeDiff(stored, update).IsEmpty() {
		p.sc.Session.Logger.Debug("reply does not change the attendee", "event", describe(original))
		return nil
	}
	_, err = NewAttendeePerformer(p.sc).UpdateAttendee(ctx, original, update)
	return err
}

// prepareAttendeeUpdate takes the participation data from the reply and
// keeps the stored identity of the attendee.
func prepareAttendeeUpdate(in calendar.Event, stored, replying calendar.Attendee) (calendar.Attendee, error) {
	update := calendar.CopyAttendeeFields(stored, replying,
		calendar.AttendeeFieldComment, calendar.AttendeeFieldExtendedParameters,
		calendar.AttendeeFieldPartStat, calendar.AttendeeFieldSentBy)
	update.Sequence = mo.Some(in.Sequence)
	if in.DtStamp > 0 {
		update.Timestamp = mo.Some(in.DtStamp)
	} else {
		update.Timestamp = replying.Timestamp
	}
	if err := requireUpToDateAttendee(stored, update); err != nil {
		return calendar.Attendee{}, err
	}
	return update, nil
}
