package scheduling

import (
	"fmt"
	"slices"

	"github.com/cyp0633/libitip/calendar"
)

// ChangeKind classifies a tracked mutation.
type ChangeKind string

const (
	ChangeCreation ChangeKind = "CREATION"
	ChangeUpdate   ChangeKind = "UPDATE"
	ChangeDeletion ChangeKind = "DELETION"
)

// Change is one mutated event. Original is nil for creations; Event is the
// created, updated, or deleted snapshot.
type Change struct {
	Kind     ChangeKind
	Original *calendar.Event
	Event    calendar.Event
}

// Result is the outcome of one processing call.
type Result struct {
	CalendarUser  int
	FolderID      string
	Timestamp     int64
	Changes       []Change
	Notifications []Notification
	Warnings      []error
	// OrganizerCopy is set when the message was an internal round trip
	// already reflected by the organizer's copy.
	OrganizerCopy bool
}

// Creations returns the created events.
func (r *Result) Creations() []calendar.Event {
	return r.events(ChangeCreation)
}

// Deletions returns the deleted events.
func (r *Result) Deletions() []calendar.Event {
	return r.events(ChangeDeletion)
}

// Updates returns the update entries.
func (r *Result) Updates() []Change {
	var out []Change
	for _, c := range r.Changes {
		if c.Kind == ChangeUpdate {
			out = append(out, c)
		}
	}
	return out
}

func (r *Result) events(kind ChangeKind) []calendar.Event {
	var out []calendar.Event
	for _, c := range r.Changes {
		if c.Kind == kind {
			out = append(out, c.Event)
		}
	}
	return out
}

// IsEmpty reports whether nothing was changed or queued.
func (r *Result) IsEmpty() bool {
	return len(r.Changes) == 0 && len(r.Notifications) == 0
}

// Userized returns the view of the result for the calendar user: only the
// changes in its own folder, without outgoing notifications.
func (r *Result) Userized() *Result {
	out := &Result{
		CalendarUser: r.CalendarUser,
		FolderID:     r.FolderID,
		Warnings:     slices.Clone(r.Warnings),
	}
	for _, c := range r.Changes {
		if c.Event.FolderID != "" && c.Event.FolderID != r.FolderID {
			continue
		}
		out.Changes = append(out.Changes, c)
		out.Timestamp = max(out.Timestamp, c.Event.Timestamp)
	}
	return out
}

// SyncToken returns a folder version marker reflecting the result.
func (r *Result) SyncToken() string {
	return fmt.Sprintf("%s-%d", r.FolderID, r.Timestamp)
}

// ResultTracker records the storage mutations of one processing call. Each
// event id appears once; later mutations of an id fold into its entry.
type ResultTracker struct {
	calendarUser  int
	folderID      string
	changes       []Change
	index         map[string]int
	notifications []Notification
}

// NewResultTracker creates an empty tracker.
func NewResultTracker(calendarUser int, folderID string) *ResultTracker {
	return &ResultTracker{
		calendarUser: calendarUser,
		folderID:     folderID,
		index:        make(map[string]int),
	}
}

// TrackCreation records a new event.
func (t *ResultTracker) TrackCreation(created calendar.Event) {
	if i, ok := t.index[created.ID]; ok {
		t.changes[i].Event = created.Copy()
		return
	}
	t.append(Change{Kind: ChangeCreation, Event: created.Copy()})
}

// TrackUpdate records an update. An id created or updated earlier in the
// same call keeps its first original.
func (t *ResultTracker) TrackUpdate(original, updated calendar.Event) {
	if i, ok := t.index[updated.ID]; ok {
		if t.changes[i].Kind != ChangeDeletion {
			t.changes[i].Event = updated.Copy()
		}
		return
	}
	orig := original.Copy()
	t.append(Change{Kind: ChangeUpdate, Original: &orig, Event: updated.Copy()})
}

// TrackDeletion records a deleted event. Deleting an event created in the
// same call drops it from the result.
func (t *ResultTracker) TrackDeletion(deleted calendar.Event) {
	i, ok := t.index[deleted.ID]
	if !ok {
		t.append(Change{Kind: ChangeDeletion, Event: deleted.Copy()})
		return
	}
	switch t.changes[i].Kind {
	case ChangeCreation:
		t.changes = slices.Delete(t.changes, i, i+1)
		t.reindex()
	case ChangeUpdate:
		t.changes[i].Kind = ChangeDeletion
		t.changes[i].Event = deleted.Copy()
	}
}

func (t *ResultTracker) append(c Change) {
	t.index[c.Event.ID] = len(t.changes)
	t.changes = append(t.changes, c)
}

func (t *ResultTracker) reindex() {
	clear(t.index)
	for i, c := range t.changes {
		t.index[c.Event.ID] = i
	}
}

// Queue adds an outgoing notification.
func (t *ResultTracker) Queue(n Notification) {
	t.notifications = append(t.notifications, n)
}

// HasChanges reports whether a change of any of the given kinds (or any
// change at all) was tracked.
func (t *ResultTracker) HasChanges(kinds ...ChangeKind) bool {
	for _, c := range t.changes {
		if len(kinds) == 0 || slices.Contains(kinds, c.Kind) {
			return true
		}
	}
	return false
}

// Result builds the result, series masters first.
func (t *ResultTracker) Result(warnings []error) *Result {
	changes := slices.Clone(t.changes)
	slices.SortStableFunc(changes, func(a, b Change) int {
		switch {
		case a.Event.RecurrenceID == nil && b.Event.RecurrenceID != nil:
			return -1
		case a.Event.RecurrenceID != nil && b.Event.RecurrenceID == nil:
			return 1
		default:
			return 0
		}
	})
	r := &Result{
		CalendarUser:  t.calendarUser,
		FolderID:      t.folderID,
		Changes:       changes,
		Notifications: slices.Clone(t.notifications),
		Warnings:      warnings,
	}
	for _, c := range changes {
		r.Timestamp = max(r.Timestamp, c.Event.Timestamp)
	}
	return r
}
