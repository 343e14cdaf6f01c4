// Package memory keeps calendar data in process memory. It backs the tests
// and is the storage itipd uses when no database is configured.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cyp0633/libitip/calendar"
	"github.com/cyp0633/libitip/storage"
)

// Store implements storage.CalendarStorage for one context using in-memory maps.
type Store struct {
	mu          sync.RWMutex
	txMu        sync.Mutex
	events      map[string]calendar.Event          // key: eventID
	tombstones  map[string]calendar.Event          // key: eventID
	attendees   map[string][]calendar.Attendee     // key: eventID
	alarms      map[string][]calendar.Alarm        // key: eventID/userID
	triggers    map[string][]calendar.AlarmTrigger // key: eventID
	attachments map[string][]calendar.Attachment   // key: eventID
	conferences map[string][]calendar.Conference   // key: eventID
	now         func() time.Time
}

var (
	_ storage.CalendarStorage     = (*Store)(nil)
	_ storage.EventStorage        = (*Store)(nil)
	_ storage.AttendeeStorage     = (*Store)(nil)
	_ storage.AlarmStorage        = (*Store)(nil)
	_ storage.AlarmTriggerStorage = (*Store)(nil)
	_ storage.AttachmentStorage   = (*Store)(nil)
	_ storage.ConferenceStorage   = (*Store)(nil)
	_ storage.Transactional       = (*Store)(nil)
)

// New creates a new in-memory storage
func New() *Store {
	return &Store{
		events:      make(map[string]calendar.Event),
		tombstones:  make(map[string]calendar.Event),
		attendees:   make(map[string][]calendar.Attendee),
		alarms:      make(map[string][]calendar.Alarm),
		triggers:    make(map[string][]calendar.AlarmTrigger),
		attachments: make(map[string][]calendar.Attachment),
		conferences: make(map[string][]calendar.Conference),
		now:         time.Now,
	}
}

func alarmKey(eventID string, userID int) string {
	return fmt.Sprintf("%s/%d", eventID, userID)
}

func (s *Store) Events() storage.EventStorage               { return s }
func (s *Store) Attendees() storage.AttendeeStorage         { return s }
func (s *Store) Alarms() storage.AlarmStorage               { return s }
func (s *Store) AlarmTriggers() storage.AlarmTriggerStorage { return s }
func (s *Store) Attachments() storage.AttachmentStorage     { return s }
func (s *Store) Conferences() storage.ConferenceStorage     { return s }

// Event operations

func (s *Store) NextID(_ context.Context) (string, error) {
	return uuid.NewString(), nil
}

func (s *Store) LoadEvent(_ context.Context, id string) (calendar.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[id]
	if !ok {
		return calendar.Event{}, storage.NotFound("event %s not found", id)
	}
	return e.Copy(), nil
}

func (s *Store) LoadEventsByUID(_ context.Context, uid string) ([]calendar.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []calendar.Event
	for _, id := range slices.Sorted(maps.Keys(s.events)) {
		if e := s.events[id]; e.UID == uid {
			events = append(events, e.Copy())
		}
	}
	return calendar.SortSeriesMasterFirst(events), nil
}

func (s *Store) LoadExceptions(_ context.Context, seriesID string) ([]calendar.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []calendar.Event
	for _, id := range slices.Sorted(maps.Keys(s.events)) {
		if e := s.events[id]; e.SeriesID == seriesID && e.RecurrenceID != nil {
			events = append(events, e.Copy())
		}
	}
	return events, nil
}

func (s *Store) InsertEvent(_ context.Context, event calendar.Event) error {
	if event.ID == "" {
		return &storage.Error{Type: storage.ErrInvalidInput, Message: "event id is required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[event.ID]; exists {
		return &storage.Error{
			Type:    storage.ErrAlreadyExists,
			Message: fmt.Sprintf("event %s already exists", event.ID),
		}
	}
	s.events[event.ID] = storage.RowData(event)
	return nil
}

func (s *Store) UpdateEvent(_ context.Context, event calendar.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[event.ID]; !exists {
		return storage.NotFound("event %s not found", event.ID)
	}
	s.events[event.ID] = storage.RowData(event)
	return nil
}

func (s *Store) DeleteEvent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.events[id]
	if !exists {
		return storage.NotFound("event %s not found", id)
	}
	e.Timestamp = s.now().UnixMilli()
	s.tombstones[id] = e
	delete(s.events, id)
	return nil
}

// Tombstone returns a deleted event, for sync and test inspection.
func (s *Store) Tombstone(id string) (calendar.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tombstones[id]
	return e.Copy(), ok
}

// Attendee operations

func (s *Store) LoadAttendees(_ context.Context, eventID string) ([]calendar.Attendee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return calendar.CopyAttendees(s.attendees[eventID]), nil
}

func (s *Store) InsertAttendees(_ context.Context, eventID string, attendees []calendar.Attendee) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := calendar.CopyAttendees(s.attendees[eventID])
	for _, a := range attendees {
		if calendar.ContainsAttendee(current, a.CalendarUser) {
			return &storage.Error{
				Type:    storage.ErrAlreadyExists,
				Message: fmt.Sprintf("attendee %s already exists in event %s", a.URI, eventID),
			}
		}
		current = append(current, a.Copy())
	}
	s.attendees[eventID] = current
	return nil
}

func (s *Store) UpdateAttendees(_ context.Context, eventID string, attendees []calendar.Attendee) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := calendar.CopyAttendees(s.attendees[eventID])
	for _, a := range attendees {
		if !calendar.ContainsAttendee(current, a.CalendarUser) {
			return storage.NotFound("attendee %s not found in event %s", a.URI, eventID)
		}
		current = calendar.ReplaceAttendee(current, a)
	}
	s.attendees[eventID] = current
	return nil
}

func (s *Store) DeleteAttendees(_ context.Context, eventID string, attendees []calendar.Attendee) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attendees[eventID] = slices.DeleteFunc(calendar.CopyAttendees(s.attendees[eventID]), func(a calendar.Attendee) bool {
		return calendar.ContainsAttendee(attendees, a.CalendarUser)
	})
	return nil
}

// Alarm operations

func (s *Store) LoadAlarms(_ context.Context, eventID string) (map[int][]calendar.Alarm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int][]calendar.Alarm)
	for key, alarms := range s.alarms {
		var userID int
		if matchesAlarmKey(key, eventID, &userID) {
			out[userID] = slices.Clone(alarms)
		}
	}
	return out, nil
}

func matchesAlarmKey(key, eventID string, userID *int) bool {
	prefix := eventID + "/"
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return false
	}
	_, err := fmt.Sscanf(key[len(prefix):], "%d", userID)
	return err == nil
}

func (s *Store) InsertAlarms(_ context.Context, eventID string, userID int, alarms []calendar.Alarm) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := alarmKey(eventID, userID)
	stored := slices.Clone(s.alarms[key])
	for _, a := range alarms {
		if a.UID == "" {
			a.UID = uuid.NewString()
		}
		stored = append(stored, a)
	}
	s.alarms[key] = stored
	return nil
}

func (s *Store) DeleteAlarms(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var userID int
	for key := range s.alarms {
		if matchesAlarmKey(key, eventID, &userID) {
			delete(s.alarms, key)
		}
	}
	return nil
}

// Alarm trigger operations

func (s *Store) LoadTriggers(_ context.Context, eventID string) ([]calendar.AlarmTrigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.triggers[eventID]), nil
}

func (s *Store) InsertTriggers(_ context.Context, event calendar.Event, alarms map[int][]calendar.Alarm) error {
	triggers, err := storage.ComputeTriggers(event, alarms)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers[event.ID] = append(slices.Clone(s.triggers[event.ID]), triggers...)
	return nil
}

func (s *Store) DeleteTriggers(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.triggers, eventID)
	return nil
}

// Attachment and conference operations

func (s *Store) LoadAttachments(_ context.Context, eventID string) ([]calendar.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.attachments[eventID]), nil
}

func (s *Store) InsertAttachments(_ context.Context, eventID string, attachments []calendar.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachments[eventID] = append(slices.Clone(s.attachments[eventID]), attachments...)
	return nil
}

func (s *Store) DeleteAttachments(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attachments, eventID)
	return nil
}

func (s *Store) LoadConferences(_ context.Context, eventID string) ([]calendar.Conference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.conferences[eventID]), nil
}

func (s *Store) InsertConferences(_ context.Context, eventID string, conferences []calendar.Conference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conferences[eventID] = append(slices.Clone(s.conferences[eventID]), conferences...)
	return nil
}

func (s *Store) DeleteConferences(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conferences, eventID)
	return nil
}

// Transactions

type snapshot struct {
	events      map[string]calendar.Event
	tombstones  map[string]calendar.Event
	attendees   map[string][]calendar.Attendee
	alarms      map[string][]calendar.Alarm
	triggers    map[string][]calendar.AlarmTrigger
	attachments map[string][]calendar.Attachment
	conferences map[string][]calendar.Conference
}

func (s *Store) snapshot() snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshot{
		events:      maps.Clone(s.events),
		tombstones:  maps.Clone(s.tombstones),
		attendees:   maps.Clone(s.attendees),
		alarms:      maps.Clone(s.alarms),
		triggers:    maps.Clone(s.triggers),
		attachments: maps.Clone(s.attachments),
		conferences: maps.Clone(s.conferences),
	}
}

func (s *Store) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = snap.events
	s.tombstones = snap.tombstones
	s.attendees = snap.attendees
	s.alarms = snap.alarms
	s.triggers = snap.triggers
	s.attachments = snap.attachments
	s.conferences = snap.conferences
}

// WithinTransaction serializes units of work and restores the previous state
// when fn fails. Stored slices are never mutated in place.
func (s *Store) WithinTransaction(ctx context.Context, fn func(ctx context.Context, tx storage.CalendarStorage) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(ctx, s); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}
