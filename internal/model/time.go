package model

import (
	"fmt"
	"strings"
	"time"
)

// Weekdays is a set of weekdays stored as a bitmask indexed by time.Weekday.
type Weekdays uint8

// AllWeek contains every weekday.
const AllWeek Weekdays = 1<<7 - 1

var dayNames = [7]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

// NewWeekdays builds a set from the given days.
func NewWeekdays(days ...time.Weekday) Weekdays {
	var w Weekdays
	for _, d := range days {
		w |= 1 << uint(d)
	}
	return w
}

// WeekdayRange returns the days from..to inclusive, wrapping past Saturday
// (e.g. Fri..Mon).
func WeekdayRange(from, to time.Weekday) Weekdays {
	var w Weekdays
	for d := from; ; d = (d + 1) % 7 {
		w |= 1 << uint(d)
		if d == to {
			break
		}
	}
	return w
}

func (w Weekdays) Has(d time.Weekday) bool {
	return w&(1<<uint(d)) != 0
}

func (w Weekdays) Empty() bool {
	return w&AllWeek == 0
}

// String renders the set Monday-first, e.g. "mon,tue,wed".
func (w Weekdays) String() string {
	parts := make([]string, 0, 7)
	for i := 1; i <= 7; i++ {
		d := time.Weekday(i % 7)
		if w.Has(d) {
			parts = append(parts, dayNames[d])
		}
	}
	return strings.Join(parts, ",")
}

// ParseWeekdays parses a comma-separated list of three-letter day names or
// day ranges, e.g. "mon-fri,sun". A range may wrap ("fri-mon").
func ParseWeekdays(s string) (Weekdays, error) {
	var w Weekdays
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if from, to, ok := strings.Cut(part, "-"); ok {
			f, err := parseDay(from)
			if err != nil {
				return 0, err
			}
			t, err := parseDay(to)
			if err != nil {
				return 0, err
			}
			w |= WeekdayRange(f, t)
			continue
		}
		d, err := parseDay(part)
		if err != nil {
			return 0, err
		}
		w |= NewWeekdays(d)
	}
	return w, nil
}

func parseDay(s string) (time.Weekday, error) {
	s = strings.TrimSpace(s)
	for i, name := range dayNames {
		if s == name {
			return time.Weekday(i), nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

// TimeOfDay is a local wall-clock time in minutes since midnight (0..1439).
type TimeOfDay int

const minutesPerDay = 24 * 60

// EndOfDay is the exclusive upper bound of a day, used internally when a
// window ends at 23:59.
const EndOfDay TimeOfDay = minutesPerDay

// Clock builds a TimeOfDay from hour and minute.
func Clock(hour, minute int) TimeOfDay {
	return TimeOfDay(hour*60 + minute)
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return Clock(t.Hour(), t.Minute()), nil
}

// TimeOfDayOf returns the wall-clock minute of t in t's location.
func TimeOfDayOf(t time.Time) TimeOfDay {
	return Clock(t.Hour(), t.Minute())
}

func (t TimeOfDay) Valid() bool {
	return t >= 0 && t < minutesPerDay
}

// Exclusive returns the value to use as the open upper bound of a window:
// 23:59 stands for the end of the day.
func (t TimeOfDay) Exclusive() TimeOfDay {
	if t == Clock(23, 59) {
		return EndOfDay
	}
	return t
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// Date is a civil calendar date without a location.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses "YYYY-MM-DD".
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

func (d Date) IsZero() bool {
	return d == Date{}
}

// In returns midnight of d in loc.
func (d Date) In(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// Compare returns -1, 0 or +1.
func (d Date) Compare(o Date) int {
	switch {
	case d.Year != o.Year:
		return cmpInt(d.Year, o.Year)
	case d.Month != o.Month:
		return cmpInt(int(d.Month), int(o.Month))
	default:
		return cmpInt(d.Day, o.Day)
	}
}

func (d Date) Before(o Date) bool { return d.Compare(o) < 0 }
func (d Date) After(o Date) bool  { return d.Compare(o) > 0 }

// AddDays returns d shifted by n days.
func (d Date) AddDays(n int) Date {
	return DateOf(time.Date(d.Year, d.Month, d.Day+n, 0, 0, 0, 0, time.UTC))
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
