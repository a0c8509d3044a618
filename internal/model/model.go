package model

import "time"

// EmojiID is the opaque status identifier understood by the chat platform
// (a custom emoji document id).
type EmojiID string

// Kind selects the temporal predicate of a Rule.
type Kind string

const (
	// KindRecurring applies on a weekly cycle (days + wall-clock window).
	KindRecurring Kind = "recurring"
	// KindDateRange applies within an absolute, inclusive calendar interval.
	KindDateRange Kind = "date_range"
)

// Class records who created a rule. It fixes the priority band and lets the
// overlay manager find the single meeting rule.
type Class string

const (
	ClassDefault  Class = "default"
	ClassCustom   Class = "custom"
	ClassOverride Class = "override"
	ClassMeeting  Class = "meeting"
)

// Priority bands. Higher wins; the relative order is fixed:
// override > meeting > custom > work > weekend > rest.
const (
	PriorityOverride = 100
	PriorityMeeting  = 50
	PriorityCustom   = 20
	PriorityWork     = 10
	PriorityWeekend  = 8
	PriorityRest     = 1
)

// Rule is the atomic scheduling unit.
type Rule struct {
	// ID is assigned by the repository on creation and never reused.
	ID int64

	Emoji    EmojiID
	Priority int
	Kind     Kind
	Class    Class
	Name     string
	Enabled  bool

	// Recurring fields. TimeEnd < TimeStart means the window crosses midnight.
	Days      Weekdays
	TimeStart TimeOfDay
	TimeEnd   TimeOfDay

	// DateRange fields, inclusive. When HasTime is false the range is all
	// day; otherwise it starts at DateStart+TimeStart and ends at
	// DateEnd+TimeEnd.
	DateStart Date
	DateEnd   Date
	HasTime   bool
}

// ExpiredAt reports whether a DateRange rule ended strictly before the
// calendar date of asOf (in asOf's location). Recurring rules never expire.
func (r Rule) ExpiredAt(asOf time.Time) bool {
	if r.Kind != KindDateRange {
		return false
	}
	return r.DateEnd.Before(DateOf(asOf))
}

// Event is a single calendar event occurrence, normalized into the display
// timezone, as consumed by the calendar poller.
type Event struct {
	SourceID string // calendar source ID
	UID      string // iCalendar UID

	Summary     string
	Description string

	AllDay bool

	// Start / End are in the configured display timezone.
	Start time.Time
	End   time.Time

	// Hint is an optional per-event status emoji.
	Hint EmojiID
}
