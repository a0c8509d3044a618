package model

import "fmt"

// ValidationError reports malformed rule input. Rules failing validation are
// never persisted.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid rule: %s: %s", e.Field, e.Msg)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// Validate checks a rule before it is stored.
func (r Rule) Validate() error {
	if r.Emoji == "" {
		return invalid("emoji", "must not be empty")
	}
	if err := r.validatePriority(); err != nil {
		return err
	}

	switch r.Kind {
	case KindRecurring:
		if r.Days.Empty() {
			return invalid("days", "at least one weekday is required")
		}
		if r.Days&^AllWeek != 0 {
			return invalid("days", "unknown weekday bits %#x", uint8(r.Days))
		}
		if !r.TimeStart.Valid() || !r.TimeEnd.Valid() {
			return invalid("time", "times must be within 00:00..23:59")
		}
		if r.TimeStart == r.TimeEnd {
			return invalid("time", "window %s-%s has zero duration", r.TimeStart, r.TimeEnd)
		}
	case KindDateRange:
		if r.DateStart.IsZero() || r.DateEnd.IsZero() {
			return invalid("date", "start and end dates are required")
		}
		if r.DateEnd.Before(r.DateStart) {
			return invalid("date", "end date %s is before start date %s", r.DateEnd, r.DateStart)
		}
		if r.HasTime {
			if !r.TimeStart.Valid() || !r.TimeEnd.Valid() {
				return invalid("time", "times must be within 00:00..23:59")
			}
			if r.DateEnd == r.DateStart && r.TimeEnd.Exclusive() <= r.TimeStart {
				return invalid("time", "range %s %s-%s has no duration", r.DateStart, r.TimeStart, r.TimeEnd)
			}
		}
	default:
		return invalid("kind", "unknown kind %q", r.Kind)
	}
	return nil
}

// validatePriority keeps each class inside its band so the order
// override > meeting > custom > default holds for any stored rule.
func (r Rule) validatePriority() error {
	switch r.Class {
	case ClassDefault:
		if r.Priority < PriorityRest || r.Priority > PriorityWork {
			return invalid("priority", "default rules must be within %d..%d, got %d", PriorityRest, PriorityWork, r.Priority)
		}
	case ClassCustom:
		if r.Priority <= PriorityWork || r.Priority >= PriorityMeeting {
			return invalid("priority", "custom rules must be within %d..%d, got %d", PriorityWork+1, PriorityMeeting-1, r.Priority)
		}
	case ClassMeeting:
		if r.Priority != PriorityMeeting {
			return invalid("priority", "meeting rule must use %d, got %d", PriorityMeeting, r.Priority)
		}
	case ClassOverride:
		if r.Priority <= PriorityMeeting {
			return invalid("priority", "overrides must be above %d, got %d", PriorityMeeting, r.Priority)
		}
	default:
		return invalid("class", "unknown class %q", r.Class)
	}
	return nil
}

// NewRecurring builds an enabled recurring rule.
func NewRecurring(class Class, name string, emoji EmojiID, priority int, days Weekdays, start, end TimeOfDay) Rule {
	return Rule{
		Emoji:     emoji,
		Priority:  priority,
		Kind:      KindRecurring,
		Class:     class,
		Name:      name,
		Enabled:   true,
		Days:      days,
		TimeStart: start,
		TimeEnd:   end,
	}
}

// NewOverride builds an all-day date-range override in the top priority band.
func NewOverride(name string, emoji EmojiID, from, to Date) Rule {
	return Rule{
		Emoji:     emoji,
		Priority:  PriorityOverride,
		Kind:      KindDateRange,
		Class:     ClassOverride,
		Name:      name,
		Enabled:   true,
		DateStart: from,
		DateEnd:   to,
	}
}

// NewMeeting builds the meeting overlay: every day, the whole day, until
// explicitly ended.
func NewMeeting(emoji EmojiID) Rule {
	return NewRecurring(ClassMeeting, "meeting", emoji, PriorityMeeting, AllWeek, Clock(0, 0), Clock(23, 59))
}
