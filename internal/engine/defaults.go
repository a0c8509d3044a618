package engine

import (
	"context"
	"fmt"
	"time"

	appLog "presenced/internal/log"
	"presenced/internal/model"
)

// Defaults describes the built-in work / weekend / rest schedule.
type Defaults struct {
	WorkEmoji    model.EmojiID
	WeekendEmoji model.EmojiID
	RestEmoji    model.EmojiID

	WorkDays  model.Weekdays
	WorkStart model.TimeOfDay
	WorkEnd   model.TimeOfDay
}

// Rules expands d into rules:
//   - work: WorkDays WorkStart-WorkEnd (priority 10)
//   - weekend: the evening after the last work day before a day off, and
//     every non-work day all day (priority 8)
//   - rest: every day all day (priority 1)
//
// Categories with an empty emoji are skipped.
func (d Defaults) Rules() []model.Rule {
	out := make([]model.Rule, 0, 4)
	allDay := func(class model.Class, name string, emoji model.EmojiID, prio int, days model.Weekdays) model.Rule {
		return model.NewRecurring(class, name, emoji, prio, days, model.Clock(0, 0), model.Clock(23, 59))
	}

	if d.WorkEmoji != "" && !d.WorkDays.Empty() {
		out = append(out, model.NewRecurring(model.ClassDefault, "work", d.WorkEmoji, model.PriorityWork, d.WorkDays, d.WorkStart, d.WorkEnd))
	}
	if d.WeekendEmoji != "" {
		var eves model.Weekdays
		for day := time.Sunday; day <= time.Saturday; day++ {
			next := (day + 1) % 7
			if d.WorkDays.Has(day) && !d.WorkDays.Has(next) {
				eves |= model.NewWeekdays(day)
			}
		}
		if !eves.Empty() && d.WorkEnd != model.Clock(23, 59) && d.WorkEnd > d.WorkStart {
			out = append(out, model.NewRecurring(model.ClassDefault, "weekend", d.WeekendEmoji, model.PriorityWeekend, eves, d.WorkEnd, model.Clock(23, 59)))
		}
		if off := model.AllWeek &^ d.WorkDays; !off.Empty() {
			out = append(out, allDay(model.ClassDefault, "weekend", d.WeekendEmoji, model.PriorityWeekend, off))
		}
	}
	if d.RestEmoji != "" {
		out = append(out, allDay(model.ClassDefault, "rest", d.RestEmoji, model.PriorityRest, model.AllWeek))
	}
	return out
}

// SeedDefaults stores the built-in rules when the repository holds no rules
// at all. It returns how many rules were created.
func (e *Engine) SeedDefaults(ctx context.Context, d Defaults) (int, error) {
	existing, err := e.repo.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, nil
	}
	created := 0
	for _, r := range d.Rules() {
		if _, err := e.CreateRule(ctx, r); err != nil {
			return created, fmt.Errorf("seed %s rule: %w", r.Name, err)
		}
		created++
	}
	if created > 0 {
		appLog.Info("default rules seeded", "count", created)
	}
	return created, nil
}
