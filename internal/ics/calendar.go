package ics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	appLog "presenced/internal/log"
	"presenced/internal/model"
)

// Calendar answers "which events overlap this window" across a set of ICS
// feeds.
type Calendar struct {
	fetcher *Fetcher
	sources []Source
	loc     *time.Location
}

// NewCalendar creates a Calendar reading sources with fetcher. Floating and
// all-day times are interpreted in loc.
func NewCalendar(fetcher *Fetcher, sources []Source, loc *time.Location) *Calendar {
	if loc == nil {
		loc = time.Local
	}
	return &Calendar{fetcher: fetcher, sources: sources, loc: loc}
}

// PartialError is returned alongside the events of the feeds that could be
// read when at least one other feed failed. Events from the failed feeds are
// missing from the result.
type PartialError struct {
	Failed int
	Total  int
	Err    error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("query calendar: %d of %d sources failed: %v", e.Failed, e.Total, e.Err)
}

func (e *PartialError) Unwrap() error {
	return e.Err
}

// IsPartial reports whether err only means some feeds were unreadable.
func IsPartial(err error) bool {
	var perr *PartialError
	return errors.As(err, &perr)
}

// QueryCalendar returns every event occurrence overlapping [start, end],
// sorted by start time. When some feeds fail the events of the others are
// still returned, together with a *PartialError. The call fails outright
// when no feed could be read.
func (c *Calendar) QueryCalendar(ctx context.Context, start, end time.Time) ([]model.Event, error) {
	if len(c.sources) == 0 {
		return nil, nil
	}

	results, feedErrs := c.fetcher.FetchAll(ctx, c.sources)
	if len(results) == 0 {
		return nil, fmt.Errorf("query calendar: %w", errors.Join(feedErrs...))
	}

	var parsed []ParsedEvent
	for _, res := range results {
		evs, err := ParseICS(res.Source, res.Body, c.loc)
		if err != nil {
			appLog.Error("ics parse failed", err, "id", res.Source.ID)
			feedErrs = append(feedErrs, fmt.Errorf("source %s: %w", res.Source.ID, err))
			continue
		}
		parsed = append(parsed, evs...)
	}
	if len(feedErrs) == len(c.sources) {
		return nil, fmt.Errorf("query calendar: %w", errors.Join(feedErrs...))
	}

	events, err := ExpandOccurrences(parsed, ExpandConfig{
		DisplayLocation: c.loc,
		RangeStart:      start,
		RangeEnd:        end,
	})
	if err != nil {
		return nil, fmt.Errorf("query calendar: %w", err)
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].Start.Equal(events[j].Start) {
			return events[i].UID < events[j].UID
		}
		return events[i].Start.Before(events[j].Start)
	})
	appLog.Debug("calendar query completed", "sources", len(results), "failed", len(feedErrs), "events", len(events))
	if len(feedErrs) > 0 {
		return events, &PartialError{Failed: len(feedErrs), Total: len(c.sources), Err: errors.Join(feedErrs...)}
	}
	return events, nil
}
