package scheduling

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/cyp0633/libitip/itip"
)

// HandlerKind selects the handler of a message.
type HandlerKind string

const (
	HandlerRequest      HandlerKind = "REQUEST"
	HandlerReply        HandlerKind = "REPLY"
	HandlerCancel       HandlerKind = "CANCEL"
	HandlerCounter      HandlerKind = "COUNTER"
	HandlerRefresh      HandlerKind = "REFRESH"
	HandlerStatusUpdate HandlerKind = "STATUS_UPDATE"
)

// Handler applies one message within a processing context.
type Handler func(ctx context.Context, sc *Context, msg *IncomingMessage) error

// ErrNoHandler is returned for methods no handler processes.
var ErrNoHandler = errors.New("no scheduling handler for method")

// DefaultHandlers returns the built-in handler map.
func DefaultHandlers() map[HandlerKind]Handler {
	return map[HandlerKind]Handler{
		HandlerRequest:      ProcessRequest,
		HandlerReply:        ProcessReply,
		HandlerCancel:       ProcessCancel,
		HandlerCounter:      ProcessCounter,
		HandlerRefresh:      ProcessRefresh,
		HandlerStatusUpdate: ProcessAttendeeStatus,
	}
}

// HandlerFor maps a method to its handler kind. DECLINECOUNTER has none.
func HandlerFor(method itip.Method) (HandlerKind, bool) {
	switch method {
	case itip.MethodPublish, itip.MethodRequest, itip.MethodAdd:
		return HandlerRequest, true
	case itip.MethodReply:
		return HandlerReply, true
	case itip.MethodCancel:
		return HandlerCancel, true
	case itip.MethodCounter:
		return HandlerCounter, true
	case itip.MethodRefresh:
		return HandlerRefresh, true
	default:
		return "", false
	}
}

// Processor dispatches messages to handlers.
type Processor struct {
	handlers map[HandlerKind]Handler
}

// NewProcessor creates a processor with the default handlers, replaced by
// the given overrides.
func NewProcessor(overrides map[HandlerKind]Handler) *Processor {
	handlers := DefaultHandlers()
	maps.Copy(handlers, overrides)
	return &Processor{handlers: handlers}
}

var defaultProcessor = NewProcessor(nil)

// Process runs msg through the default handlers.
func Process(ctx context.Context, sc *Context, msg *IncomingMessage) (*Result, error) {
	return defaultProcessor.Process(ctx, sc, msg)
}

// Process applies msg in sc. Internal messages already reflected by the
// organizer's copy are not applied and yield an empty result marked
// OrganizerCopy.
func (p *Processor) Process(ctx context.Context, sc *Context, msg *IncomingMessage) (*Result, error) {
	if _, ok := HandlerFor(msg.Method); !ok {
		return nil, fmt.Errorf("%w %s", ErrNoHandler, msg.Method)
	}
	if sc.UsesOrganizerCopy(ctx, msg) {
		sc.Session.Logger.Debug("message uses the organizer copy, skipping", "uid", msg.Resource.UID(), "method", msg.Method)
		r := sc.Result()
		r.OrganizerCopy = true
		return r, nil
	}
	return p.Apply(ctx, sc, msg)
}

// Apply runs the handler of msg without the organizer-copy check. The
// target user's own status, if any, is applied after the invitation.
func (p *Processor) Apply(ctx context.Context, sc *Context, msg *IncomingMessage) (*Result, error) {
	kind, ok := HandlerFor(msg.Method)
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrNoHandler, msg.Method)
	}
	sc.Session.Logger.Debug("processing scheduling message",
		"uid", msg.Resource.UID(), "method", msg.Method, "handler", kind, "folder", sc.Folder.ID)
	if err := p.run(ctx, kind, sc, msg); err != nil {
		return nil, err
	}
	if kind == HandlerRequest && msg.Status != nil {
		if err := p.run(ctx, HandlerStatusUpdate, sc, msg); err != nil {
			return nil, err
		}
	}
	return sc.Result(), nil
}

// ProcessStatus applies only the target user's status, as done for
// messages sharing the organizer's copy.
func (p *Processor) ProcessStatus(ctx context.Context, sc *Context, msg *IncomingMessage) (*Result, error) {
	if err := p.run(ctx, HandlerStatusUpdate, sc, msg); err != nil {
		return nil, err
	}
	return sc.Result(), nil
}

func (p *Processor) run(ctx context.Context, kind HandlerKind, sc *Context, msg *IncomingMessage) error {
	h, ok := p.handlers[kind]
	if !ok || h == nil {
		return fmt.Errorf("%w %s", ErrNoHandler, kind)
	}
	if err := msg.Resource.Validate(); err != nil {
		return err
	}
	return h(ctx, sc, msg)
}
