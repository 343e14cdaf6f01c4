package scheduling

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cyp0633/libitip/calendar"
	"github.com/cyp0633/libitip/itip"
	"github.com/cyp0633/libitip/storage"
)

// AutoProcess controls which messages from untrusted sources are applied
// without asking the user.
type AutoProcess string

const (
	AutoProcessAlways AutoProcess = "always"
	// AutoProcessKnown applies messages from originators already taking part
	// in the stored event or found in the user's contacts.
	AutoProcessKnown AutoProcess = "known"
	AutoProcessNever AutoProcess = "never"
)

// MessageStatus tells what the service did with a message.
type MessageStatus string

const (
	StatusApplied              MessageStatus = "APPLIED"
	StatusNeedsUserInteraction MessageStatus = "NEEDS_USER_INTERACTION"
)

// ProcessResult is returned by Service.Process. Result is nil unless the
// message was applied.
type ProcessResult struct {
	Status MessageStatus
	Result *Result
}

// ServiceConfig contains the collaborators and settings of a Service.
type ServiceConfig struct {
	Storage     storage.CalendarStorage
	Resolver    EntityResolver
	Recurrence  RecurrenceService
	Permissions PermissionChecker
	Contacts    ContactLookup

	// Transport receives the notifications of applied messages. If nil,
	// notifications are only returned in the result.
	Transport Transport

	ServerUID string
	ContextID int

	AutoProcess       AutoProcess
	Retry             RetryPolicy
	CounterFields     []calendar.EventField
	RecipientDefaults RecipientSettings
	// Handlers override the default method handlers.
	Handlers map[HandlerKind]Handler

	// Logger is the slog.Logger to use for logging
	// If nil, logging is disabled
	Logger *slog.Logger
	Now    func() time.Time
}

// ServiceOption modifies a ServiceConfig.
type ServiceOption func(*ServiceConfig)

// WithTransport sets the notification transport.
func WithTransport(t Transport) ServiceOption {
	return func(c *ServiceConfig) {
		c.Transport = t
	}
}

// WithAutoProcess sets the auto-processing mode.
func WithAutoProcess(mode AutoProcess) ServiceOption {
	return func(c *ServiceConfig) {
		c.AutoProcess = mode
	}
}

// WithServiceLogger sets the logger of the service and its sessions.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(c *ServiceConfig) {
		c.Logger = logger
	}
}

// WithHandlers overrides method handlers.
func WithHandlers(handlers map[HandlerKind]Handler) ServiceOption {
	return func(c *ServiceConfig) {
		c.Handlers = handlers
	}
}

// Service is the entry point for incoming scheduling messages. Messages for
// the same context, target user and UID are processed one at a time.
type Service struct {
	config    ServiceConfig
	processor *Processor
	logger    *slog.Logger
	locks     *keyedMutex
}

// NewService creates a service.
func NewService(config ServiceConfig, opts ...ServiceOption) (*Service, error) {
	for _, opt := range opts {
		opt(&config)
	}
	if config.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if config.Resolver == nil {
		return nil, fmt.Errorf("entity resolver is required")
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.Permissions == nil {
		config.Permissions = OwnerPermissions{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	switch config.AutoProcess {
	case AutoProcessAlways, AutoProcessKnown, AutoProcessNever:
	case "":
		config.AutoProcess = AutoProcessKnown
	default:
		return nil, fmt.Errorf("unknown auto-processing mode %q", config.AutoProcess)
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = DefaultRetryPolicy()
	}
	return &Service{
		config:    config,
		processor: NewProcessor(config.Handlers),
		logger:    config.Logger,
		locks:     newKeyedMutex(),
	}, nil
}

// Process applies msg on behalf of userID. Notifications of applied
// messages are sent after the changes are stored; delivery failures end
// up as warnings.
func (s *Service) Process(ctx context.Context, userID int, source Source, msg *IncomingMessage) (*ProcessResult, error) {
	if msg == nil || msg.Resource.Len() == 0 {
		return nil, calendar.Errorf(calendar.CodeInvalidData, "message without calendar data")
	}
	if msg.TargetUser <= 0 {
		return nil, calendar.Errorf(calendar.CodeInvalidData, "message without target user")
	}
	if err := msg.Resource.Validate(); err != nil {
		return nil, err
	}
	log := s.logger.With("uid", msg.Resource.UID(), "method", msg.Method, "target", msg.TargetUser)

	kind, ok := HandlerFor(msg.Method)
	if !ok {
		log.Info("no handler for method, leaving message to the user")
		return &ProcessResult{Status: StatusNeedsUserInteraction}, nil
	}
	if kind == HandlerCounter && source != SourceAPI {
		log.Info("counter proposals need the organizer's decision")
		return &ProcessResult{Status: StatusNeedsUserInteraction}, nil
	}

	unlock := s.locks.Lock(fmt.Sprintf("%d/%d/%s", s.config.ContextID, msg.TargetUser, msg.Resource.UID()))
	defer unlock()

	folderID, err := s.config.Resolver.DefaultFolder(ctx, msg.TargetUser)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve calendar folder of %d: %w", msg.TargetUser, err)
	}
	session := s.newSession(userID)
	folder := Folder{ID: folderID, OwnerID: msg.TargetUser}

	var out *ProcessResult
	err = s.within(ctx, func(ctx context.Context, store storage.CalendarStorage) error {
		sc := s.newContext(session, store, folder, source)
		if sc.UsesOrganizerCopy(ctx, msg) {
			r, err := s.applyOrganizerCopyStatus(ctx, session, store, source, msg)
			if err != nil {
				return err
			}
			out = &ProcessResult{Status: StatusApplied, Result: r}
			return nil
		}
		if !s.autoProcessAllowed(ctx, sc, source, msg) {
			log.Info("auto-processing refused", "mode", s.config.AutoProcess, "originator", msg.Originator.URI)
			out = &ProcessResult{Status: StatusNeedsUserInteraction}
			return nil
		}
		r, err := s.processor.Apply(ctx, sc, msg)
		if err != nil {
			return err
		}
		out = &ProcessResult{Status: StatusApplied, Result: r}
		return nil
	})
	if err != nil {
		log.Debug("processing failed", "error", err)
		return nil, err
	}
	if out.Result != nil {
		s.deliver(ctx, out.Result)
	}
	return out, nil
}

func (s *Service) newSession(userID int) *Session {
	return NewSession(s.config.ContextID, userID, s.config.ServerUID, s.config.Resolver, s.config.Recurrence,
		WithLogger(s.logger),
		WithPermissions(s.config.Permissions),
		WithContacts(s.config.Contacts),
		WithClock(s.config.Now))
}

func (s *Service) newContext(session *Session, store storage.CalendarStorage, folder Folder, source Source) *Context {
	opts := []ContextOption{
		WithRetryPolicy(s.config.Retry),
		WithCounterFields(s.config.CounterFields),
	}
	if s.config.RecipientDefaults != (RecipientSettings{}) {
		opts = append(opts, WithRecipientDefaults(s.config.RecipientDefaults))
	}
	return NewContext(session, store, folder, source, opts...)
}

// applyOrganizerCopyStatus applies the target user's status to the
// organizer's copy, the only copy of an internal invitation. Without a
// status the message needs no processing at all.
func (s *Service) applyOrganizerCopyStatus(ctx context.Context, session *Session, store storage.CalendarStorage, source Source, msg *IncomingMessage) (*Result, error) {
	if msg.Status == nil || (msg.Method != itip.MethodRequest && msg.Method != itip.MethodAdd) {
		r := NewResultTracker(msg.TargetUser, "").Result(session.Warnings())
		r.OrganizerCopy = true
		return r, nil
	}
	organizer := msg.Resource.Organizer()
	orgEntity, err := session.entityOf(ctx, *organizer)
	if err != nil {
		return nil, err
	}
	lookup, err := NewResolvePerformer(session, store).LookupByUID(ctx, msg.Resource.UID(), orgEntity)
	if err != nil {
		return nil, err
	}
	stored, ok := lookup.Get()
	if !ok {
		return nil, calendar.Errorf(calendar.CodeEventNotFound, "no organizer copy of %s", msg.Resource.UID())
	}
	folder := Folder{ID: stored.First().MustGet().FolderID, OwnerID: orgEntity}
	sc := s.newContext(session, store, folder, source)
	r, err := s.processor.ProcessStatus(ctx, sc, msg)
	if err != nil {
		return nil, err
	}
	r.OrganizerCopy = true
	return r, nil
}

// autoProcessAllowed applies the auto-processing mode to untrusted sources.
func (s *Service) autoProcessAllowed(ctx context.Context, sc *Context, source Source, msg *IncomingMessage) bool {
	if source == SourceAPI {
		return true
	}
	switch s.config.AutoProcess {
	case AutoProcessAlways:
		return true
	case AutoProcessNever:
		return false
	}

	lookup, err := NewResolvePerformer(sc.Session, sc.Storage).LookupByUID(ctx, msg.Resource.UID(), msg.TargetUser)
	if err != nil {
		sc.Session.AddWarning(err)
		return false
	}
	if stored, ok := lookup.Get(); ok && isKnownParticipant(stored, msg.Originator) {
		return true
	}
	if s.config.Contacts == nil || msg.TargetUser != sc.Session.UserID {
		return false
	}
	candidates := []calendar.CalendarUser{msg.Originator}
	if msg.Originator.SentBy != nil {
		candidates = append(candidates, *msg.Originator.SentBy)
	}
	for _, c := range candidates {
		address := c.Address()
		if address == "" {
			continue
		}
		known, err := s.config.Contacts.IsKnownContact(ctx, msg.TargetUser, address)
		if err != nil {
			sc.Session.AddWarning(fmt.Errorf("cannot look up contact %s: %w", address, err))
			continue
		}
		if known {
			return true
		}
	}
	return false
}

func isKnownParticipant(stored *calendar.CalendarObjectResource, originator calendar.CalendarUser) bool {
	for _, e := range stored.Events() {
		if e.Organizer != nil && (calendar.Matches(*e.Organizer, originator) ||
			calendar.IsSentByMatch(*e.Organizer, originator) ||
			calendar.IsSimilarICloudIMipMeCom(e.Organizer, &originator)) {
			return true
		}
		if calendar.ContainsAttendee(e.Attendees, originator) {
			return true
		}
	}
	return false
}

func (s *Service) within(ctx context.Context, fn func(ctx context.Context, store storage.CalendarStorage) error) error {
	if tx, ok := s.config.Storage.(storage.Transactional); ok {
		return tx.WithinTransaction(ctx, fn)
	}
	return fn(ctx, s.config.Storage)
}

// deliver hands the result's notifications to the transport.
func (s *Service) deliver(ctx context.Context, r *Result) {
	if s.config.Transport == nil {
		return
	}
	for _, n := range r.Notifications {
		if err := s.config.Transport.Send(ctx, n); err != nil {
			s.logger.Warn("failed to send notification",
				"uid", n.Resource.UID(), "method", n.Method, "recipient", n.Recipient.URI, "error", err)
			r.Warnings = append(r.Warnings, fmt.Errorf("cannot notify %s: %w", n.Recipient.URI, err))
		}
	}
}

// keyedMutex serializes work per key. Entries are dropped once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires the lock of key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
