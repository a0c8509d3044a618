package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeekdays(t *testing.T) {
	w := WeekdayRange(time.Friday, time.Monday)
	assert.True(t, w.Has(time.Saturday))
	assert.True(t, w.Has(time.Sunday))
	assert.False(t, w.Has(time.Tuesday))
	assert.Equal(t, "mon,fri,sat,sun", w.String())

	parsed, err := ParseWeekdays(w.String())
	require.NoError(t, err)
	assert.Equal(t, w, parsed)

	_, err = ParseWeekdays("mon,funday")
	assert.Error(t, err)

	workweek, err := ParseWeekdays("mon-fri")
	require.NoError(t, err)
	assert.Equal(t, "mon,tue,wed,thu,fri", workweek.String())

	wrap, err := ParseWeekdays("fri-mon, wed")
	require.NoError(t, err)
	assert.Equal(t, "mon,wed,fri,sat,sun", wrap.String())

	_, err = ParseWeekdays("mon-xyz")
	assert.Error(t, err)

	assert.Equal(t, "mon,tue,wed,thu,fri,sat,sun", AllWeek.String())
	assert.True(t, Weekdays(0).Empty())
}

func TestTimeOfDay(t *testing.T) {
	tod, err := ParseTimeOfDay("07:05")
	require.NoError(t, err)
	assert.Equal(t, Clock(7, 5), tod)
	assert.Equal(t, "07:05", tod.String())

	_, err = ParseTimeOfDay("25:00")
	assert.Error(t, err)

	assert.Equal(t, EndOfDay, Clock(23, 59).Exclusive())
	assert.Equal(t, Clock(20, 0), Clock(20, 0).Exclusive())
}

func TestDate(t *testing.T) {
	d, err := ParseDate("2025-12-31")
	require.NoError(t, err)
	assert.Equal(t, Date{Year: 2026, Month: 1, Day: 1}, d.AddDays(1))
	assert.True(t, d.Before(d.AddDays(1)))
	assert.True(t, d.After(d.AddDays(-1)))
	assert.Equal(t, 0, d.Compare(d))
	assert.Equal(t, "2025-12-31", d.String())
}

func TestExpiredAt(t *testing.T) {
	ov := NewOverride("v", "x", Date{Year: 2025, Month: 3, Day: 1}, Date{Year: 2025, Month: 3, Day: 2})
	assert.False(t, ov.ExpiredAt(time.Date(2025, 3, 2, 23, 59, 0, 0, time.UTC)))
	assert.True(t, ov.ExpiredAt(time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)))

	rec := NewMeeting("m")
	assert.False(t, rec.ExpiredAt(time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestValidate(t *testing.T) {
	good := NewRecurring(ClassCustom, "focus", "f", PriorityCustom, NewWeekdays(time.Monday), Clock(9, 0), Clock(11, 0))
	require.NoError(t, good.Validate())
	require.NoError(t, NewMeeting("m").Validate())

	cases := map[string]func(r *Rule){
		"emoji":      func(r *Rule) { r.Emoji = "" },
		"days":       func(r *Rule) { r.Days = 0 },
		"zero":       func(r *Rule) { r.TimeEnd = r.TimeStart },
		"range time": func(r *Rule) { r.TimeEnd = Clock(24, 0) },
		"kind":       func(r *Rule) { r.Kind = "weekly" },
		"class":      func(r *Rule) { r.Class = "vip" },
		"above meet": func(r *Rule) { r.Priority = PriorityMeeting },
		"at work":    func(r *Rule) { r.Priority = PriorityWork },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			r := good
			mutate(&r)
			var verr *ValidationError
			assert.ErrorAs(t, r.Validate(), &verr)
		})
	}

	from := Date{Year: 2025, Month: 6, Day: 2}
	bad := NewOverride("v", "x", from, from.AddDays(-1))
	assert.Error(t, bad.Validate())

	sameDay := NewOverride("v", "x", from, from)
	sameDay.HasTime = true
	sameDay.TimeStart = Clock(10, 0)
	sameDay.TimeEnd = Clock(9, 0)
	assert.Error(t, sameDay.Validate())
	sameDay.TimeEnd = Clock(23, 59)
	assert.NoError(t, sameDay.Validate())
}

func TestValidatePriorityBands(t *testing.T) {
	days := NewWeekdays(time.Monday)
	from := Date{Year: 2025, Month: 6, Day: 2}

	tests := []struct {
		name string
		rule Rule
		ok   bool
	}{
		{"default rest", NewRecurring(ClassDefault, "rest", "r", PriorityRest, days, Clock(0, 0), Clock(23, 59)), true},
		{"default work", NewRecurring(ClassDefault, "work", "w", PriorityWork, days, Clock(9, 0), Clock(18, 0)), true},
		{"default too high", NewRecurring(ClassDefault, "work", "w", 999, days, Clock(9, 0), Clock(18, 0)), false},
		{"default zero", NewRecurring(ClassDefault, "work", "w", 0, days, Clock(9, 0), Clock(18, 0)), false},
		{"custom low edge", NewRecurring(ClassCustom, "c", "c", PriorityWork+1, days, Clock(9, 0), Clock(18, 0)), true},
		{"custom high edge", NewRecurring(ClassCustom, "c", "c", PriorityMeeting-1, days, Clock(9, 0), Clock(18, 0)), true},
		{"custom above override", NewRecurring(ClassCustom, "c", "c", 500, days, Clock(9, 0), Clock(18, 0)), false},
		{"meeting off band", NewRecurring(ClassMeeting, "meeting", "m", PriorityCustom, AllWeek, Clock(0, 0), Clock(23, 59)), false},
		{"override", NewOverride("v", "v", from, from), true},
		{"override under meeting", func() Rule { r := NewOverride("v", "v", from, from); r.Priority = PriorityMeeting; return r }(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, "priority", verr.Field)
		})
	}
}
