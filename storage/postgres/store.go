package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cyp0633/libitip/calendar"
	"github.com/cyp0633/libitip/storage"
)

const (
	sqlNextID = `SELECT nextval('event_id_seq')`

	sqlLoadEvent      = `SELECT data FROM events WHERE context_id=$1 AND id=$2 AND NOT deleted`
	sqlLoadByUID      = `SELECT data FROM events WHERE context_id=$1 AND uid=$2 AND NOT deleted ORDER BY id`
	sqlLoadExceptions = `SELECT data FROM events WHERE context_id=$1 AND series_id=$2 AND recurrence_id IS NOT NULL AND NOT deleted ORDER BY id`
	sqlInsertEvent    = `INSERT INTO events (context_id, id, folder_id, uid, series_id, recurrence_id, summary, location, description, data) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	sqlUpdateEvent    = `UPDATE events SET folder_id=$3, uid=$4, series_id=$5, recurrence_id=$6, summary=$7, location=$8, description=$9, data=$10, modified=now() WHERE context_id=$1 AND id=$2 AND NOT deleted`
	sqlDeleteEvent    = `UPDATE events SET deleted=true, modified=now(), data=jsonb_set(data, '{timestamp}', to_jsonb($3::bigint)) WHERE context_id=$1 AND id=$2 AND NOT deleted`

	sqlLoadAlarms   = `SELECT user_id, data FROM alarms WHERE context_id=$1 AND event_id=$2 ORDER BY user_id`
	sqlInsertAlarms = `INSERT INTO alarms (context_id, event_id, user_id, data) VALUES ($1,$2,$3,$4) ON CONFLICT (context_id, event_id, user_id) DO UPDATE SET data = alarms.data || EXCLUDED.data`
	sqlDeleteAlarms = `DELETE FROM alarms WHERE context_id=$1 AND event_id=$2`

	sqlLoadTriggers   = `SELECT event_id, user_id, alarm_uid, trigger_time FROM alarm_triggers WHERE context_id=$1 AND event_id=$2 ORDER BY user_id, trigger_time`
	sqlInsertTrigger  = `INSERT INTO alarm_triggers (context_id, event_id, user_id, alarm_uid, trigger_time) VALUES ($1,$2,$3,$4,$5)`
	sqlDeleteTriggers = `DELETE FROM alarm_triggers WHERE context_id=$1 AND event_id=$2`
)

// per-event JSON list tables
const (
	tableAttendees   = "event_attendees"
	tableAttachments = "event_attachments"
	tableConferences = "event_conferences"
)

func sqlLoadList(table string) string {
	return `SELECT data FROM ` + table + ` WHERE context_id=$1 AND event_id=$2`
}

func sqlLoadListForUpdate(table string) string {
	return sqlLoadList(table) + ` FOR UPDATE`
}

func sqlReplaceList(table string) string {
	return `INSERT INTO ` + table + ` (context_id, event_id, data) VALUES ($1,$2,$3) ON CONFLICT (context_id, event_id) DO UPDATE SET data = EXCLUDED.data`
}

func sqlAppendList(table string) string {
	return `INSERT INTO ` + table + ` (context_id, event_id, data) VALUES ($1,$2,$3) ON CONFLICT (context_id, event_id) DO UPDATE SET data = ` + table + `.data || EXCLUDED.data`
}

func sqlDeleteList(table string) string {
	return `DELETE FROM ` + table + ` WHERE context_id=$1 AND event_id=$2`
}

// Store implements storage.CalendarStorage for one context on PostgreSQL.
// Event rows are kept as JSON documents next to a few indexed columns.
type Store struct {
	db        *DB
	q         querier
	contextID int
	inTx      bool
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

// NewStore returns the storage of the given context.
func NewStore(db *DB, contextID int) *Store {
	return &Store{db: db, q: db.Pool, contextID: contextID}
}

func (s *Store) Events() storage.EventStorage               { return s }
func (s *Store) Attendees() storage.AttendeeStorage         { return s }
func (s *Store) Alarms() storage.AlarmStorage               { return s }
func (s *Store) AlarmTriggers() storage.AlarmTriggerStorage { return s }
func (s *Store) Attachments() storage.AttachmentStorage     { return s }
func (s *Store) Conferences() storage.ConferenceStorage     { return s }

// WithinTransaction runs fn in a database transaction. Nested calls join the
// running transaction.
func (s *Store) WithinTransaction(ctx context.Context, fn func(ctx context.Context, tx storage.CalendarStorage) error) (err error) {
	if s.inTx {
		return fn(ctx, s)
	}
	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()
	return fn(ctx, &Store{db: s.db, q: tx, contextID: s.contextID, inTx: true})
}

// Event operations

func (s *Store) NextID(ctx context.Context) (string, error) {
	var id int64
	if err := s.q.QueryRow(ctx, sqlNextID).Scan(&id); err != nil {
		return "", mapError(err, "cannot allocate event id")
	}
	return strconv.FormatInt(id, 10), nil
}

func (s *Store) LoadEvent(ctx context.Context, id string) (calendar.Event, error) {
	var data []byte
	if err := s.q.QueryRow(ctx, sqlLoadEvent, s.contextID, id).Scan(&data); err != nil {
		return calendar.Event{}, mapError(err, "event %s not found", id)
	}
	return decodeEvent(data)
}

func (s *Store) LoadEventsByUID(ctx context.Context, uid string) ([]calendar.Event, error) {
	events, err := s.queryEvents(ctx, sqlLoadByUID, uid)
	if err != nil {
		return nil, mapError(err, "cannot load events with uid %s", uid)
	}
	return calendar.SortSeriesMasterFirst(events), nil
}

func (s *Store) LoadExceptions(ctx context.Context, seriesID string) ([]calendar.Event, error) {
	events, err := s.queryEvents(ctx, sqlLoadExceptions, seriesID)
	if err != nil {
		return nil, mapError(err, "cannot load exceptions of series %s", seriesID)
	}
	return events, nil
}

func (s *Store) queryEvents(ctx context.Context, query, key string) ([]calendar.Event, error) {
	rows, err := s.q.Query(ctx, query, s.contextID, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []calendar.Event
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		e, err := decodeEvent(data)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) InsertEvent(ctx context.Context, event calendar.Event) error {
	if event.ID == "" {
		return &storage.Error{Type: storage.ErrInvalidInput, Message: "event id is required"}
	}
	args, err := s.eventArgs(event)
	if err != nil {
		return err
	}
	if _, err := s.q.Exec(ctx, sqlInsertEvent, args...); err != nil {
		if isUniqueViolation(err) {
			return &storage.Error{
				Type:    storage.ErrAlreadyExists,
				Message: fmt.Sprintf("event %s already exists", event.ID),
				Err:     err,
			}
		}
		return mapError(err, "cannot insert event %s", event.ID)
	}
	return nil
}

func (s *Store) UpdateEvent(ctx context.Context, event calendar.Event) error {
	args, err := s.eventArgs(event)
	if err != nil {
		return err
	}
	tag, err := s.q.Exec(ctx, sqlUpdateEvent, args...)
	if err != nil {
		return mapError(err, "cannot update event %s", event.ID)
	}
	if tag.RowsAffected() == 0 {
		return storage.NotFound("event %s not found", event.ID)
	}
	return nil
}

func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	tag, err := s.q.Exec(ctx, sqlDeleteEvent, s.contextID, id, time.Now().UnixMilli())
	if err != nil {
		return mapError(err, "cannot delete event %s", id)
	}
	if tag.RowsAffected() == 0 {
		return storage.NotFound("event %s not found", id)
	}
	return nil
}

// eventArgs returns the column values shared by insert and update.
func (s *Store) eventArgs(event calendar.Event) ([]any, error) {
	if err := checkLimits(event); err != nil {
		return nil, err
	}
	data, err := json.Marshal(newEventRow(storage.RowData(event)))
	if err != nil {
		return nil, &storage.Error{Type: storage.ErrInvalidInput, Message: "cannot encode event " + event.ID, Err: err}
	}
	var rid *time.Time
	if event.RecurrenceID != nil {
		v := event.RecurrenceID.Value
		rid = &v
	}
	return []any{
		s.contextID, event.ID, event.FolderID, event.UID, event.SeriesID, rid,
		event.Summary, event.Location, event.Description, data,
	}, nil
}

// eventRow is the JSON document of an event. JSON keeps only the UTC offset
// of a time, so the zone of the start is stored by name.
type eventRow struct {
	calendar.Event
	Zone string `json:"zone,omitempty"`
}

func newEventRow(e calendar.Event) eventRow {
	row := eventRow{Event: e}
	if loc := e.Start.Location(); loc != time.UTC && loc != time.Local && loc.String() != "" {
		row.Zone = loc.String()
	}
	return row
}

func decodeEvent(data []byte) (calendar.Event, error) {
	var row eventRow
	if err := json.Unmarshal(data, &row); err != nil {
		return calendar.Event{}, fmt.Errorf("cannot decode stored event: %w", err)
	}
	e := row.Event
	if row.Zone == "" {
		return e, nil
	}
	loc, err := time.LoadLocation(row.Zone)
	if err != nil {
		return e, nil
	}
	in := func(ids []calendar.RecurrenceID) {
		for i := range ids {
			ids[i].Value = ids[i].Value.In(loc)
		}
	}
	if !e.Start.IsZero() {
		e.Start = e.Start.In(loc)
	}
	if !e.End.IsZero() {
		e.End = e.End.In(loc)
	}
	if e.RecurrenceID != nil {
		e.RecurrenceID.Value = e.RecurrenceID.Value.In(loc)
	}
	in(e.RecurrenceDates)
	in(e.ChangeExceptionDates)
	in(e.DeleteExceptionDates)
	return e, nil
}

// Attendee operations

func (s *Store) LoadAttendees(ctx context.Context, eventID string) ([]calendar.Attendee, error) {
	var attendees []calendar.Attendee
	if err := s.loadList(ctx, sqlLoadList(tableAttendees), eventID, &attendees); err != nil {
		return nil, mapError(err, "cannot load attendees of event %s", eventID)
	}
	return attendees, nil
}

// lockAttendees reads the attendee list for a read-modify-write cycle.
func (s *Store) lockAttendees(ctx context.Context, eventID string) ([]calendar.Attendee, error) {
	var attendees []calendar.Attendee
	if err := s.loadList(ctx, sqlLoadListForUpdate(tableAttendees), eventID, &attendees); err != nil {
		return nil, mapError(err, "cannot load attendees of event %s", eventID)
	}
	return attendees, nil
}

func (s *Store) InsertAttendees(ctx context.Context, eventID string, attendees []calendar.Attendee) error {
	current, err := s.lockAttendees(ctx, eventID)
	if err != nil {
		return err
	}
	for _, a := range attendees {
		if calendar.ContainsAttendee(current, a.CalendarUser) {
			return &storage.Error{
				Type:    storage.ErrAlreadyExists,
				Message: fmt.Sprintf("attendee %s already exists in event %s", a.URI, eventID),
			}
		}
		current = append(current, a.Copy())
	}
	return s.replaceList(ctx, tableAttendees, eventID, current)
}

func (s *Store) UpdateAttendees(ctx context.Context, eventID string, attendees []calendar.Attendee) error {
	current, err := s.lockAttendees(ctx, eventID)
	if err != nil {
		return err
	}
	for _, a := range attendees {
		if !calendar.ContainsAttendee(current, a.CalendarUser) {
			return storage.NotFound("attendee %s not found in event %s", a.URI, eventID)
		}
		current = calendar.ReplaceAttendee(current, a)
	}
	return s.replaceList(ctx, tableAttendees, eventID, current)
}

func (s *Store) DeleteAttendees(ctx context.Context, eventID string, attendees []calendar.Attendee) error {
	current, err := s.lockAttendees(ctx, eventID)
	if err != nil {
		return err
	}
	kept := make([]calendar.Attendee, 0, len(current))
	for _, a := range current {
		if !calendar.ContainsAttendee(attendees, a.CalendarUser) {
			kept = append(kept, a)
		}
	}
	return s.replaceList(ctx, tableAttendees, eventID, kept)
}

// Alarm operations

func (s *Store) LoadAlarms(ctx context.Context, eventID string) (map[int][]calendar.Alarm, error) {
	rows, err := s.q.Query(ctx, sqlLoadAlarms, s.contextID, eventID)
	if err != nil {
		return nil, mapError(err, "cannot load alarms of event %s", eventID)
	}
	defer rows.Close()

	out := make(map[int][]calendar.Alarm)
	for rows.Next() {
		var (
			userID int
			data   []byte
		)
		if err := rows.Scan(&userID, &data); err != nil {
			return nil, mapError(err, "cannot load alarms of event %s", eventID)
		}
		var alarms []calendar.Alarm
		if err := json.Unmarshal(data, &alarms); err != nil {
			return nil, fmt.Errorf("cannot decode alarms of event %s: %w", eventID, err)
		}
		out[userID] = alarms
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "cannot load alarms of event %s", eventID)
	}
	return out, nil
}

func (s *Store) InsertAlarms(ctx context.Context, eventID string, userID int, alarms []calendar.Alarm) error {
	if len(alarms) == 0 {
		return nil
	}
	stored := make([]calendar.Alarm, 0, len(alarms))
	for _, a := range alarms {
		if a.UID == "" {
			a.UID = uuid.NewString()
		}
		stored = append(stored, a)
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return &storage.Error{Type: storage.ErrInvalidInput, Message: "cannot encode alarms", Err: err}
	}
	if _, err := s.q.Exec(ctx, sqlInsertAlarms, s.contextID, eventID, userID, data); err != nil {
		return mapError(err, "cannot insert alarms of event %s", eventID)
	}
	return nil
}

func (s *Store) DeleteAlarms(ctx context.Context, eventID string) error {
	if _, err := s.q.Exec(ctx, sqlDeleteAlarms, s.contextID, eventID); err != nil {
		return mapError(err, "cannot delete alarms of event %s", eventID)
	}
	return nil
}

// Alarm trigger operations

func (s *Store) LoadTriggers(ctx context.Context, eventID string) ([]calendar.AlarmTrigger, error) {
	rows, err := s.q.Query(ctx, sqlLoadTriggers, s.contextID, eventID)
	if err != nil {
		return nil, mapError(err, "cannot load triggers of event %s", eventID)
	}
	defer rows.Close()

	var triggers []calendar.AlarmTrigger
	for rows.Next() {
		var t calendar.AlarmTrigger
		if err := rows.Scan(&t.EventID, &t.UserID, &t.AlarmUID, &t.Time); err != nil {
			return nil, mapError(err, "cannot load triggers of event %s", eventID)
		}
		triggers = append(triggers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "cannot load triggers of event %s", eventID)
	}
	return triggers, nil
}

func (s *Store) InsertTriggers(ctx context.Context, event calendar.Event, alarms map[int][]calendar.Alarm) error {
	triggers, err := storage.ComputeTriggers(event, alarms)
	if err != nil {
		return err
	}
	for _, t := range triggers {
		if _, err := s.q.Exec(ctx, sqlInsertTrigger, s.contextID, t.EventID, t.UserID, t.AlarmUID, t.Time); err != nil {
			return mapError(err, "cannot insert trigger of event %s", event.ID)
		}
	}
	return nil
}

func (s *Store) DeleteTriggers(ctx context.Context, eventID string) error {
	if _, err := s.q.Exec(ctx, sqlDeleteTriggers, s.contextID, eventID); err != nil {
		return mapError(err, "cannot delete triggers of event %s", eventID)
	}
	return nil
}

// Attachment and conference operations

func (s *Store) LoadAttachments(ctx context.Context, eventID string) ([]calendar.Attachment, error) {
	var attachments []calendar.Attachment
	if err := s.loadList(ctx, sqlLoadList(tableAttachments), eventID, &attachments); err != nil {
		return nil, mapError(err, "cannot load attachments of event %s", eventID)
	}
	return attachments, nil
}

func (s *Store) InsertAttachments(ctx context.Context, eventID string, attachments []calendar.Attachment) error {
	return s.appendList(ctx, tableAttachments, eventID, attachments, len(attachments))
}

func (s *Store) DeleteAttachments(ctx context.Context, eventID string) error {
	return s.deleteList(ctx, tableAttachments, eventID)
}

func (s *Store) LoadConferences(ctx context.Context, eventID string) ([]calendar.Conference, error) {
	var conferences []calendar.Conference
	if err := s.loadList(ctx, sqlLoadList(tableConferences), eventID, &conferences); err != nil {
		return nil, mapError(err, "cannot load conferences of event %s", eventID)
	}
	return conferences, nil
}

func (s *Store) InsertConferences(ctx context.Context, eventID string, conferences []calendar.Conference) error {
	return s.appendList(ctx, tableConferences, eventID, conferences, len(conferences))
}

func (s *Store) DeleteConferences(ctx context.Context, eventID string) error {
	return s.deleteList(ctx, tableConferences, eventID)
}

// JSON list helpers

// loadList decodes the list stored for eventID into dst. A missing row
// leaves dst untouched.
func (s *Store) loadList(ctx context.Context, query, eventID string, dst any) error {
	var data []byte
	err := s.q.QueryRow(ctx, query, s.contextID, eventID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func (s *Store) replaceList(ctx context.Context, table, eventID string, list any) error {
	data, err := json.Marshal(list)
	if err != nil {
		return &storage.Error{Type: storage.ErrInvalidInput, Message: "cannot encode " + table, Err: err}
	}
	if _, err := s.q.Exec(ctx, sqlReplaceList(table), s.contextID, eventID, data); err != nil {
		return mapError(err, "cannot store %s of event %s", table, eventID)
	}
	return nil
}

func (s *Store) appendList(ctx context.Context, table, eventID string, list any, n int) error {
	if n == 0 {
		return nil
	}
	data, err := json.Marshal(list)
	if err != nil {
		return &storage.Error{Type: storage.ErrInvalidInput, Message: "cannot encode " + table, Err: err}
	}
	if _, err := s.q.Exec(ctx, sqlAppendList(table), s.contextID, eventID, data); err != nil {
		return mapError(err, "cannot store %s of event %s", table, eventID)
	}
	return nil
}

func (s *Store) deleteList(ctx context.Context, table, eventID string) error {
	if _, err := s.q.Exec(ctx, sqlDeleteList(table), s.contextID, eventID); err != nil {
		return mapError(err, "cannot delete %s of event %s", table, eventID)
	}
	return nil
}
