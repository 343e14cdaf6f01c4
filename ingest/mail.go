package ingest

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/mail"
	"strings"

	"github.com/DusanKasan/parsemail"
	"github.com/samber/mo"

	"github.com/cyp0633/libitip/calendar"
	"github.com/cyp0633/libitip/itip"
	"github.com/cyp0633/libitip/scheduling"
)

// Content types of calendar payloads.
const (
	ContentTypeICal = "text/calendar"
	ContentTypeXCal = "application/calendar+xml"
	ContentTypeMail = "message/rfc822"
)

// Keys of IncomingMessage.Properties set by the parser.
const (
	PropertyMessageID = "message-id"
	PropertySubject   = "subject"
	PropertyProdID    = "prodid"
)

// ErrNoCalendar is returned for mails without a calendar part.
var ErrNoCalendar = errors.New("no embedded calendar part found in mail")

// Message is an imported scheduling message, not yet addressed to a user.
type Message struct {
	Calendar   *Calendar
	Originator calendar.CalendarUser
	ITipData   mo.Option[itip.Data]
	MessageID  string
	Subject    string
}

// Warnings returns the problems repaired or ignored while importing.
func (m *Message) Warnings() []error {
	return m.Calendar.Warnings
}

// Incoming addresses the message to an internal calendar user.
func (m *Message) Incoming(targetUser int) *scheduling.IncomingMessage {
	props := map[string]string{PropertyProdID: m.Calendar.ProdID}
	if m.MessageID != "" {
		props[PropertyMessageID] = m.MessageID
	}
	if m.Subject != "" {
		props[PropertySubject] = m.Subject
	}
	return &scheduling.IncomingMessage{
		Method:     m.Calendar.Method,
		Originator: m.Originator,
		TargetUser: targetUser,
		Resource:   m.Calendar.Resource(),
		ITipData:   m.ITipData,
		Properties: props,
	}
}

// Config holds parser settings.
type Config struct {
	Logger *slog.Logger
	// Patch applies ApplyAll to every imported calendar.
	Patch bool
}

// Option configures a Parser.
type Option func(*Config)

// WithLogger sets the parser logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithoutPatches imports calendars as they are.
func WithoutPatches() Option {
	return func(c *Config) {
		c.Patch = false
	}
}

// Parser imports scheduling messages.
type Parser struct {
	config Config
}

// NewParser creates a parser; patches are enabled by default.
func NewParser(opts ...Option) *Parser {
	cfg := Config{Patch: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Parser{config: cfg}
}

// Parse dispatches on the content type of a request body.
func (p *Parser) Parse(r io.Reader, contentType string) (*Message, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, calendar.Wrap(calendar.CodeInvalidData, err, "invalid content type")
	}
	switch mediaType {
	case ContentTypeMail:
		return p.ParseMail(r)
	case ContentTypeICal, ContentTypeXCal, "application/xml", "text/xml":
		return p.ParseCalendar(r, mediaType)
	default:
		return nil, calendar.Errorf(calendar.CodeInvalidData, "unsupported content type %q", mediaType)
	}
}

// ParseCalendar imports a bare iCalendar or xCal payload. Without mail
// headers the originator is taken from the calendar alone.
func (p *Parser) ParseCalendar(r io.Reader, mediaType string) (*Message, error) {
	cal, err := decodeCalendar(r, mediaType)
	if err != nil {
		return nil, err
	}
	return p.message(cal, "", nil, nil)
}

// ParseMail imports an iMIP mail. The calendar is taken from the first
// text/calendar (or xCal) attachment or embedded part.
func (p *Parser) ParseMail(r io.Reader) (*Message, error) {
	email, err := parsemail.Parse(r)
	if err != nil {
		return nil, calendar.Wrap(calendar.CodeInvalidData, err, "unable to parse email")
	}
	data, mediaType, ok := calendarPart(email)
	if !ok {
		return nil, ErrNoCalendar
	}
	cal, err := decodeCalendar(data, mediaType)
	if err != nil {
		return nil, err
	}

	hints := append(append([]*mail.Address(nil), email.ReplyTo...), email.From...)
	var sender []*mail.Address
	if email.Sender != nil {
		sender = []*mail.Address{email.Sender}
	}
	msg, err := p.message(cal, email.Header.Get(itip.PropertyName), hints, sender)
	if err != nil {
		return nil, err
	}
	msg.MessageID = email.MessageID
	msg.Subject = email.Subject
	p.config.Logger.Debug("imported scheduling mail",
		"message_id", msg.MessageID, "method", msg.Calendar.Method, "uid", msg.Calendar.Resource().UID())
	return msg, nil
}

func (p *Parser) message(cal *Calendar, header string, hints, sender []*mail.Address) (*Message, error) {
	if p.config.Patch {
		cal = applyAll(cal, p.config.Logger)
	}
	if len(cal.Events) == 0 {
		return nil, calendar.Errorf(calendar.CodeInvalidData, "calendar contains no usable events")
	}
	if err := calendar.ValidateResource(cal.Events); err != nil {
		return nil, err
	}
	originator, ok := Originator(cal, hints...)
	if !ok {
		return nil, calendar.Errorf(calendar.CodeInvalidData, "can't find originator of %s", cal.Method)
	}
	if needsCN(originator) {
		originator = injectCNs(originator, append(hints, sender...))
	}

	msg := &Message{Calendar: cal, Originator: originator}
	token := header
	if token == "" {
		token, _ = cal.Property(itip.PropertyName)
	}
	if token != "" {
		data, err := itip.Decode(token)
		if err != nil {
			cal.Warnings = append(cal.Warnings, calendar.Wrap(calendar.CodeIgnoredInvalidData, err, "ignoring "+itip.PropertyName))
			p.config.Logger.Warn("ignoring malformed marker", "error", err)
		} else {
			msg.ITipData = mo.Some(data)
		}
	}
	return msg, nil
}

func calendarPart(email parsemail.Email) (io.Reader, string, bool) {
	for _, a := range email.Attachments {
		if mt, ok := calendarMediaType(a.ContentType); ok {
			return a.Data, mt, true
		}
	}
	for _, f := range email.EmbeddedFiles {
		if mt, ok := calendarMediaType(f.ContentType); ok {
			return f.Data, mt, true
		}
	}
	return nil, "", false
}

func calendarMediaType(contentType string) (string, bool) {
	mt := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch mt {
	case ContentTypeICal, "application/ics":
		return ContentTypeICal, true
	case ContentTypeXCal:
		return ContentTypeXCal, true
	default:
		return "", false
	}
}

func decodeCalendar(r io.Reader, mediaType string) (*Calendar, error) {
	if mediaType == ContentTypeICal {
		return DecodeICal(r)
	}
	return DecodeXCal(r)
}
