// Package resolve decides which rule governs the status at a given instant.
//
// Everything here is a pure function of (rules, instant). All wall-clock
// comparisons use the instant's own location, so callers must pass a time
// already converted into the configured timezone.
package resolve

import (
	"sort"
	"time"

	"presenced/internal/model"
)

// Resolve returns the enabled rule matching t with the highest priority.
// Equal priorities go to the smaller id. ok is false when nothing matches,
// meaning no scheduled status.
func Resolve(rules []model.Rule, t time.Time) (best model.Rule, ok bool) {
	for _, r := range rules {
		if !Matches(r, t) {
			continue
		}
		if !ok || outranks(r, best) {
			best = r
			ok = true
		}
	}
	return best, ok
}

// Matching returns every enabled rule matching t, winner first.
func Matching(rules []model.Rule, t time.Time) []model.Rule {
	out := make([]model.Rule, 0, len(rules))
	for _, r := range rules {
		if Matches(r, t) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return outranks(out[i], out[j]) })
	return out
}

func outranks(a, b model.Rule) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.ID < b.ID
}

// Matches reports whether r is enabled and its temporal predicate holds at t.
func Matches(r model.Rule, t time.Time) bool {
	if !r.Enabled {
		return false
	}
	switch r.Kind {
	case model.KindRecurring:
		return matchesRecurring(r, t)
	case model.KindDateRange:
		return matchesDateRange(r, t)
	default:
		return false
	}
}

func matchesRecurring(r model.Rule, t time.Time) bool {
	minute := model.TimeOfDayOf(t)
	day := t.Weekday()
	start, end := r.TimeStart, r.TimeEnd.Exclusive()

	if start < end {
		return r.Days.Has(day) && start <= minute && minute < end
	}
	// Crosses midnight: the evening part belongs to the listed day, the
	// early-morning part to the day after it.
	if r.Days.Has(day) && minute >= start {
		return true
	}
	prev := (day + 6) % 7
	return r.Days.Has(prev) && minute < end
}

func matchesDateRange(r model.Rule, t time.Time) bool {
	date := model.DateOf(t)
	if date.Before(r.DateStart) || date.After(r.DateEnd) {
		return false
	}
	if !r.HasTime {
		return true
	}
	minute := model.TimeOfDayOf(t)
	if date == r.DateStart && minute < r.TimeStart {
		return false
	}
	if date == r.DateEnd && minute >= r.TimeEnd.Exclusive() {
		return false
	}
	return true
}
