package scheduling

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sethvargo/go-retry"

	"github.com/cyp0633/libitip/calendar"
	"github.com/cyp0633/libitip/storage"
)

// Decision is the verdict of a Classifier on a failed attempt.
type Decision struct {
	Retry bool
	// Event is the adjusted input for the next attempt.
	Event calendar.Event
}

// RetryWith asks for another attempt with the adjusted event.
func RetryWith(event calendar.Event) Decision {
	return Decision{Retry: true, Event: event}
}

// Abort stops retrying and returns the error.
func Abort() Decision {
	return Decision{}
}

// Classifier inspects a failed storage mutation of event.
type Classifier func(err error, event calendar.Event) Decision

// RetryPolicy governs how event mutations are retried.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	Classify    Classifier
}

// DefaultRetryPolicy retries up to three times, adjusting for storage limits.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     10 * time.Millisecond,
		Classify:    AdjustForStorageLimits,
	}
}

// Do runs op until it succeeds, the classifier aborts, or the attempts are
// used up. It returns the event of the last attempt.
func (p RetryPolicy) Do(ctx context.Context, event calendar.Event, op func(ctx context.Context, event calendar.Event) error) (calendar.Event, error) {
	attempts := max(p.MaxAttempts, 1)
	backoff := p.Backoff
	if backoff <= 0 {
		backoff = time.Millisecond
	}
	classify := p.Classify
	if classify == nil {
		classify = func(error, calendar.Event) Decision { return Abort() }
	}

	current := event
	b := retry.WithMaxRetries(uint64(attempts-1), retry.NewConstant(backoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt := current
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		d := classify(err, attempt)
		if !d.Retry {
			return err
		}
		current = d.Event
		return retry.RetryableError(err)
	})
	return current, err
}

// AdjustForStorageLimits shortens over-long text fields on data truncation
// errors. On incorrect string errors it drops NUL and invalid UTF-8, or, if
// there are none, characters outside the basic multilingual plane.
func AdjustForStorageLimits(err error, event calendar.Event) Decision {
	var se *storage.Error
	if !errors.As(err, &se) {
		return Abort()
	}
	switch se.Type {
	case storage.ErrDataTruncation:
		if adjusted, ok := truncateField(event, se.Field, se.MaxLength); ok {
			return RetryWith(adjusted)
		}
	case storage.ErrIncorrectString:
		if adjusted, ok := stripInvalidText(event); ok {
			return RetryWith(adjusted)
		}
		if adjusted, ok := stripNonBMP(event); ok {
			return RetryWith(adjusted)
		}
	}
	return Abort()
}

func truncateField(event calendar.Event, field string, maxLength int) (calendar.Event, bool) {
	if maxLength <= 0 {
		return event, false
	}
	out := event.Copy()
	var target *string
	switch strings.ToLower(field) {
	case "summary":
		target = &out.Summary
	case "description":
		target = &out.Description
	case "location":
		target = &out.Location
	default:
		return event, false
	}
	if utf8.RuneCountInString(*target) <= maxLength {
		return event, false
	}
	*target = string([]rune(*target)[:maxLength])
	return out, true
}

func stripInvalidText(event calendar.Event) (calendar.Event, bool) {
	return mapText(event, func(s string) string {
		return strings.ReplaceAll(strings.ToValidUTF8(s, ""), "\x00", "")
	})
}

func stripNonBMP(event calendar.Event) (calendar.Event, bool) {
	return mapText(event, func(s string) string {
		return strings.Map(func(r rune) rune {
			if r > 0xFFFF {
				return -1
			}
			return r
		}, s)
	})
}

// mapText applies fn to the limited text fields of event.
func mapText(event calendar.Event, fn func(string) string) (calendar.Event, bool) {
	out := event.Copy()
	changed := false
	for _, s := range []*string{&out.Summary, &out.Description, &out.Location} {
		if mapped := fn(*s); mapped != *s {
			*s = mapped
			changed = true
		}
	}
	return out, changed
}
