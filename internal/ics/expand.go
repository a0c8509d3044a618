package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "presenced/internal/log"
	"presenced/internal/model"
)

const defaultMaxOccurrencesPerEvent = 500

// ExpandConfig controls recurrence expansion.
type ExpandConfig struct {
	// DisplayLocation is the timezone every occurrence is converted to.
	DisplayLocation *time.Location

	// RangeStart / RangeEnd bound the occurrences returned (inclusive).
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps runaway RRULEs.
	MaxOccurrencesPerEvent int
}

// ExpandOccurrences turns parsed events into concrete occurrences inside the
// configured range. It handles single events, RRULE recurrences, EXDATE
// exclusions, RECURRENCE-ID overrides and all-day events.
func ExpandOccurrences(events []ParsedEvent, cfg ExpandConfig) ([]model.Event, error) {
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return nil, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.DisplayLocation == nil {
		cfg.DisplayLocation = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	baseByUID := make(map[string][]ParsedEvent)
	overridesByUID := make(map[string][]ParsedEvent)
	for _, ev := range events {
		if ev.IsOverride && ev.Recurrence != nil {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
		} else {
			baseByUID[ev.UID] = append(baseByUID[ev.UID], ev)
		}
	}

	out := make([]model.Event, 0)
	for uid, bases := range baseByUID {
		for _, ev := range bases {
			if ev.RawRRule == "" {
				if occ, ok := expandSingle(ev, overridesByUID[uid], cfg); ok {
					out = append(out, occ)
				}
				continue
			}
			out = append(out, expandRecurring(ev, overridesByUID[uid], cfg)...)
		}
	}
	return out, nil
}

func expandSingle(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) (model.Event, bool) {
	start, end := ev.Start, eventEnd(ev, ev.Start)
	if o, ok := findOverrideForStart(overrides, start); ok {
		ev = o
		start, end = o.Start, eventEnd(o, o.Start)
	}
	if !overlaps(start, end, cfg.RangeStart, cfg.RangeEnd) {
		return model.Event{}, false
	}
	return makeEvent(ev, start, end, cfg.DisplayLocation), true
}

func expandRecurring(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) []model.Event {
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return nil
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	// Widen the lower bound by the event's duration so an occurrence that
	// started before the range but is still running is kept.
	dur := eventEnd(ev, ev.Start).Sub(ev.Start)
	from := cfg.RangeStart.Add(-dur).In(ev.Start.Location())
	to := cfg.RangeEnd.In(ev.Start.Location())

	starts := set.Between(from, to, true)
	if len(starts) > cfg.MaxOccurrencesPerEvent {
		appLog.Warn("expand: occurrence cap reached", "uid", ev.UID, "cap", cfg.MaxOccurrencesPerEvent)
		starts = starts[:cfg.MaxOccurrencesPerEvent]
	}

	out := make([]model.Event, 0, len(starts))
	for _, occStart := range starts {
		occEv := ev
		start, end := occStart, occStart.Add(dur)
		if o, ok := findOverrideForStart(overrides, occStart); ok {
			occEv = o
			start, end = o.Start, eventEnd(o, o.Start)
		}
		if !overlaps(start, end, cfg.RangeStart, cfg.RangeEnd) {
			continue
		}
		out = append(out, makeEvent(occEv, start, end, cfg.DisplayLocation))
	}
	return out
}

// eventEnd returns the event's end, defaulting to one day for all-day events
// and one hour otherwise when DTEND is missing.
func eventEnd(ev ParsedEvent, start time.Time) time.Time {
	if !ev.End.IsZero() && ev.End.After(ev.Start) {
		return start.Add(ev.End.Sub(ev.Start))
	}
	if ev.AllDay {
		return start.AddDate(0, 0, 1)
	}
	return start.Add(time.Hour)
}

// findOverrideForStart finds the override whose RECURRENCE-ID equals start.
func findOverrideForStart(overrides []ParsedEvent, start time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence != nil && ov.Recurrence.Equal(start) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}

func makeEvent(ev ParsedEvent, start, end time.Time, loc *time.Location) model.Event {
	return model.Event{
		SourceID:    ev.Source.ID,
		UID:         ev.UID,
		Summary:     ev.Summary,
		Description: ev.Description,
		AllDay:      ev.AllDay,
		Start:       start.In(loc),
		End:         end.In(loc),
		Hint:        ev.Hint,
	}
}

// overlaps treats [aStart, aEnd) and [bStart, bEnd] as intervals.
func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return !aStart.After(bEnd) && aEnd.After(bStart)
}
