// Package server exposes the scheduling service over HTTP. Clients push an
// iMIP mail, a raw iCalendar object or an xCal document for one internal
// user and get a JSON summary of what was applied.
package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/cyp0633/libitip/ingest"
	"github.com/cyp0633/libitip/scheduling"
)

const (
	headerContentType = "Content-Type"
	headerAllow       = "Allow"

	mimeTypeJSON   = "application/json; charset=utf-8"
	allowedMethods = "OPTIONS, GET, POST"

	defaultMaxBodySize = 10 << 20
)

// Processor applies incoming scheduling messages. It is implemented by
// *scheduling.Service.
type Processor interface {
	Process(ctx context.Context, userID int, source scheduling.Source, msg *scheduling.IncomingMessage) (*scheduling.ProcessResult, error)
}

// Config configures the receiver.
type Config struct {
	// Parser turns request bodies into messages. Defaults to ingest.NewParser().
	Parser *ingest.Parser
	// URLPrefix is where the receiver is mounted, e.g. "/itip/".
	URLPrefix string
	// MaxBodySize limits request bodies in bytes.
	MaxBodySize int64
	Logger      *slog.Logger
}

// Option is a function that modifies Config
type Option func(*Config)

// WithParser sets the message parser.
func WithParser(p *ingest.Parser) Option {
	return func(c *Config) {
		c.Parser = p
	}
}

// WithURLPrefix sets the URL prefix for the handler
func WithURLPrefix(prefix string) Option {
	return func(c *Config) {
		c.URLPrefix = prefix
	}
}

// WithMaxBodySize limits the accepted request size.
func WithMaxBodySize(n int64) Option {
	return func(c *Config) {
		c.MaxBodySize = n
	}
}

// WithLogger sets the logger for the handler
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// Server routes requests by HTTP method.
type Server struct {
	processor Processor
	config    Config
	logger    *slog.Logger
	handlers  map[string]http.HandlerFunc
}

// New creates a receiver in front of processor.
func New(processor Processor, opts ...Option) (*Server, error) {
	if processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	var config Config
	for _, opt := range opts {
		opt(&config)
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.Parser == nil {
		config.Parser = ingest.NewParser(ingest.WithLogger(config.Logger))
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = defaultMaxBodySize
	}
	if config.URLPrefix == "" {
		config.URLPrefix = "/"
	}
	if !strings.HasPrefix(config.URLPrefix, "/") {
		config.URLPrefix = "/" + config.URLPrefix
	}
	if !strings.HasSuffix(config.URLPrefix, "/") {
		config.URLPrefix = config.URLPrefix + "/"
	}

	s := &Server{
		processor: processor,
		config:    config,
		logger:    config.Logger,
		handlers:  make(map[string]http.HandlerFunc),
	}
	s.handlers[http.MethodOptions] = s.handleOptions
	s.handlers[http.MethodGet] = s.handleHealth
	s.handlers[http.MethodPost] = s.handleMessage
	return s, nil
}

// ServeHTTP implements http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("received request",
		"method", r.Method,
		"path", r.URL.Path,
		"remote_addr", r.RemoteAddr)

	if !strings.HasPrefix(r.URL.Path+"/", s.config.URLPrefix) {
		s.sendError(w, errNotFound)
		return
	}
	handler, ok := s.handlers[r.Method]
	if !ok {
		w.Header().Set(headerAllow, allowedMethods)
		s.sendError(w, errMethodNotAllowed)
		return
	}
	handler(w, r)
}

func (s *Server) handleOptions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set(headerAllow, allowedMethods)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.stripPrefix(r.URL.Path) != "" {
		s.sendError(w, errNotFound)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// targetUser reads the internal user the message is addressed to, either
// from the path ("<prefix><id>") or from the "user" query parameter.
func (s *Server) targetUser(r *http.Request) (int, error) {
	raw := strings.Trim(s.stripPrefix(r.URL.Path), "/")
	if raw == "" {
		raw = r.URL.Query().Get("user")
	}
	if raw == "" {
		return 0, &HTTPError{Status: http.StatusBadRequest, Message: "target user is required"}
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		return 0, &HTTPError{Status: http.StatusBadRequest, Message: fmt.Sprintf("invalid target user %q", raw)}
	}
	return id, nil
}

// source reads the "source" query parameter; mail is the default.
func source(r *http.Request) (scheduling.Source, error) {
	switch strings.ToUpper(r.URL.Query().Get("source")) {
	case "", string(scheduling.SourceMail):
		return scheduling.SourceMail, nil
	case string(scheduling.SourceAPI):
		return scheduling.SourceAPI, nil
	default:
		return "", &HTTPError{Status: http.StatusBadRequest, Message: "unknown source " + r.URL.Query().Get("source")}
	}
}

func (s *Server) stripPrefix(urlPath string) string {
	return strings.TrimPrefix(strings.TrimPrefix(urlPath+"/", s.config.URLPrefix), "/")
}
