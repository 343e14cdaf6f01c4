// Package scheduling applies incoming iTIP messages to calendar storage.
//
// Every message is handled by one method handler working on an explicit
// Context (storage, session, folder, result tracker). Handlers share the
// resolve logic, the organizer-copy decision, and a small set of update
// performers that record each storage mutation exactly once.
package scheduling

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/text/language"

	"github.com/cyp0633/libitip/calendar"
)

// EntityResolver maps internal calendar users to their directory data.
type EntityResolver interface {
	// ResolveEntity returns the calendar user record of an internal user or
	// resource, with CuType set.
	ResolveEntity(ctx context.Context, entity int) (calendar.Attendee, error)
	// LookupAddress returns the internal entity owning an address, or 0.
	LookupAddress(ctx context.Context, address string) (int, error)
	// DefaultFolder returns the default calendar folder of an entity.
	DefaultFolder(ctx context.Context, entity int) (string, error)
	// FolderOwner returns the entity owning a calendar folder.
	FolderOwner(ctx context.Context, folderID string) (int, error)
	Locale(ctx context.Context, entity int) (language.Tag, error)
	TimeZone(ctx context.Context, entity int) (*time.Location, error)
}

// RecurrenceService answers recurrence questions about a series master.
type RecurrenceService interface {
	RecurrenceIDExists(master calendar.Event, rid calendar.RecurrenceID) (bool, error)
	// SeriesEnd returns the end of the last occurrence; finite is false for
	// unbounded series.
	SeriesEnd(master calendar.Event) (end time.Time, finite bool, err error)
	// TruncateRule returns the master's rule ending before rid.
	TruncateRule(master calendar.Event, rid calendar.RecurrenceID) (string, error)
}

// PermissionChecker decides whether a user may modify events of a folder.
type PermissionChecker interface {
	CanWrite(ctx context.Context, userID int, folder Folder) (bool, error)
}

// ContactLookup reports whether an address is in the address book of a user.
type ContactLookup interface {
	IsKnownContact(ctx context.Context, userID int, address string) (bool, error)
}

// OwnerPermissions lets folder owners write their folders.
type OwnerPermissions struct{}

func (OwnerPermissions) CanWrite(_ context.Context, userID int, folder Folder) (bool, error) {
	return userID == folder.OwnerID, nil
}

// Session is the acting user plus the collaborators of one processing call.
// Warnings collected during processing end up in the result.
type Session struct {
	ContextID   int
	ServerUID   string
	UserID      int
	Resolver    EntityResolver
	Recurrence  RecurrenceService
	Permissions PermissionChecker
	Contacts    ContactLookup
	Logger      *slog.Logger
	Now         func() time.Time

	mu       sync.Mutex
	warnings []error
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// NewSession creates a session for userID in the given context.
func NewSession(contextID, userID int, serverUID string, resolver EntityResolver, recurrence RecurrenceService, opts ...SessionOption) *Session {
	s := &Session{
		ContextID:   contextID,
		ServerUID:   serverUID,
		UserID:      userID,
		Resolver:    resolver,
		Recurrence:  recurrence,
		Permissions: OwnerPermissions{},
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithLogger sets the session logger
func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.Logger = logger
		}
	}
}

// WithPermissions replaces the default owner-only permission checker.
func WithPermissions(p PermissionChecker) SessionOption {
	return func(s *Session) {
		if p != nil {
			s.Permissions = p
		}
	}
}

// WithContacts enables address book lookups for auto-processing.
func WithContacts(c ContactLookup) SessionOption {
	return func(s *Session) {
		s.Contacts = c
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) {
		if now != nil {
			s.Now = now
		}
	}
}

// AddWarning records a non-fatal problem.
func (s *Session) AddWarning(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, err)
	s.Logger.Warn("scheduling warning", "error", err)
}

// Warnings returns the warnings recorded so far.
func (s *Session) Warnings() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]error, len(s.warnings))
	copy(out, s.warnings)
	return out
}

// entityOf returns the internal entity of a calendar user, looking up its
// address when the entity is not set. External users yield 0.
func (s *Session) entityOf(ctx context.Context, u calendar.CalendarUser) (int, error) {
	if u.Entity > 0 {
		return u.Entity, nil
	}
	addr := u.Address()
	if addr == "" {
		return 0, nil
	}
	return s.Resolver.LookupAddress(ctx, addr)
}
