package recurrence

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/cyp0633/libitip/calendar"
)

// Engine answers recurrence questions about series masters
type Engine struct {
	cache  *OccurrenceCache
	config EngineConfig
}

// NewEngine creates a new recurrence engine without caching
func NewEngine() *Engine {
	return &Engine{config: DisabledCacheConfig}
}

// Close releases the cache, if any.
func (e *Engine) Close() {
	if e.cache != nil {
		e.cache.Close()
	}
}

// RecurrenceIDExists reports whether rid addresses a regular, non-deleted
// occurrence of the series master.
func (e *Engine) RecurrenceIDExists(master calendar.Event, rid calendar.RecurrenceID) (bool, error) {
	if !master.IsSeriesMaster() {
		return false, nil
	}
	info := InfoFromEvent(master)
	if e.cache != nil {
		if exists, ok := e.cache.Lookup(master.Start, info, rid.Value); ok {
			return exists, nil
		}
	}

	exists, err := e.recurrenceIDExists(master.Start, info, rid.Value)
	if err != nil {
		return false, err
	}
	if e.cache != nil {
		e.cache.Store(master.Start, info, rid.Value, exists)
	}
	return exists, nil
}

func (e *Engine) recurrenceIDExists(masterStart time.Time, info RecurrenceInfo, value time.Time) (bool, error) {
	if isExcluded(value, info.EXDATE) {
		return false, nil
	}
	set, err := buildRuleSet(masterStart, info)
	if err != nil {
		return false, err
	}
	window := e.config.Lookahead
	if window <= 0 {
		window = time.Second
	}
	for _, occurrence := range set.Between(value.Add(-window), value.Add(window), true) {
		if occurrence.Equal(value) {
			return true, nil
		}
	}
	return false, nil
}

// SeriesEnd returns the end of the last occurrence of a finite series. The
// boolean is false for series without COUNT or UNTIL.
func (e *Engine) SeriesEnd(master calendar.Event) (time.Time, bool, error) {
	if master.RecurrenceRule != "" {
		opt, err := rrule.StrToROption(master.RecurrenceRule)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("failed to parse RRULE '%s': %w", master.RecurrenceRule, err)
		}
		if opt.Count == 0 && opt.Until.IsZero() {
			return time.Time{}, false, nil
		}
	}
	set, err := buildRuleSet(master.Start, InfoFromEvent(master))
	if err != nil {
		return time.Time{}, false, err
	}

	var last time.Time
	count := 0
	iter := set.Iterator()
	for occurrence, ok := iter(); ok; occurrence, ok = iter() {
		last = occurrence
		count++
		if e.config.MaxOccurrences > 0 && count >= e.config.MaxOccurrences {
			return time.Time{}, false, nil
		}
	}
	if last.IsZero() || last.Before(master.Start) {
		return master.End, true, nil
	}
	return last.Add(master.End.Sub(master.Start)), true, nil
}

// TruncateRule rewrites the series rule so that the last occurrence is the one
// before rid. COUNT is replaced by UNTIL.
func (e *Engine) TruncateRule(master calendar.Event, rid calendar.RecurrenceID) (string, error) {
	opt, err := rrule.StrToROption(master.RecurrenceRule)
	if err != nil {
		return "", fmt.Errorf("failed to parse RRULE '%s': %w", master.RecurrenceRule, err)
	}
	opt.Count = 0
	if master.AllDay {
		opt.Until = rid.Value.AddDate(0, 0, -1).UTC()
	} else {
		opt.Until = rid.Value.Add(-time.Second).UTC()
	}
	return opt.RRuleString(), nil
}

// buildRuleSet anchors the rule at the master start in the master's own
// location, so wall-clock times survive DST changes. RDATEs are added as is.
func buildRuleSet(masterStart time.Time, info RecurrenceInfo) (*rrule.Set, error) {
	set := &rrule.Set{}
	if info.RRULE == "" {
		set.RDate(masterStart)
	} else {
		opt, err := rrule.StrToROption(info.RRULE)
		if err != nil {
			return nil, fmt.Errorf("failed to parse RRULE '%s': %w", info.RRULE, err)
		}
		opt.Dtstart = masterStart
		rule, err := rrule.NewRRule(*opt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse RRULE '%s': %w", info.RRULE, err)
		}
		set.RRule(rule)
	}
	for _, rdate := range info.RDATE {
		set.RDate(rdate)
	}
	return set, nil
}

// isExcluded checks if a given time is in the EXDATE list
func isExcluded(t time.Time, exdates []time.Time) bool {
	for _, exdate := range exdates {
		if t.Equal(exdate) {
			return true
		}

		// For date-only exceptions (stored as midnight UTC), check if the occurrence
		// falls on the same date when normalized to midnight UTC
		if exdate.Hour() == 0 && exdate.Minute() == 0 && exdate.Second() == 0 && exdate.Location() == time.UTC {
			occurrenceAtMidnight := time.Date(
				t.Year(), t.Month(), t.Day(),
				0, 0, 0, 0, time.UTC,
			)
			if occurrenceAtMidnight.Equal(exdate) {
				return true
			}
		}
	}
	return false
}
