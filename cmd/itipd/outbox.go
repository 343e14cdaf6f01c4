package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/cyp0633/libitip/scheduling"
)

// outbox is a scheduling.Transport that writes every notification as an
// .ics file for a mail gateway to pick up.
type outbox struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

func newOutbox(dir string, logger *slog.Logger) *outbox {
	return &outbox{dir: dir, logger: logger, now: time.Now}
}

func (o *outbox) Send(_ context.Context, n scheduling.Notification) error {
	o.logger.Info("outgoing scheduling message",
		"uid", n.Resource.UID(),
		"method", n.Method,
		"recipient", n.Recipient.URI,
		"locale", n.Recipient.Settings.Locale.String())
	if o.dir == "" {
		return nil
	}

	cal, err := n.Render()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(o.dir, 0o700); err != nil {
		return err
	}
	name := fmt.Sprintf("%d-%s-%s.ics", o.now().UnixNano(), strings.ToLower(n.Method.String()), fileSafe(n.Recipient.URI))
	f, err := os.OpenFile(filepath.Join(o.dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := ical.NewEncoder(f).Encode(cal); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func fileSafe(uri string) string {
	uri = strings.TrimPrefix(strings.ToLower(uri), "mailto:")
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_', r == '@':
			return r
		}
		return '_'
	}, uri)
}
