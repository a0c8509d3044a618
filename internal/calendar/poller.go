// Package calendar turns calendar events into the meeting overlay.
package calendar

import (
	"context"
	"strings"
	"sync"
	"time"

	"presenced/internal/ics"
	appLog "presenced/internal/log"
	"presenced/internal/model"
)

// searchWindow is how far around "now" the poller asks the calendar for
// events.
const searchWindow = time.Minute

// Source answers which events overlap a time window.
type Source interface {
	QueryCalendar(ctx context.Context, start, end time.Time) ([]model.Event, error)
}

// Overlay is the part of the overlay manager the poller drives.
type Overlay interface {
	StartMeeting(ctx context.Context, emoji model.EmojiID) (model.Rule, error)
	EndMeeting(ctx context.Context) (bool, error)
}

// Hint maps a keyword found in an event's summary or description to the
// status emoji shown during that event.
type Hint struct {
	Keyword string
	Emoji   model.EmojiID
}

// Options tunes a Poller.
type Options struct {
	// Keywords, when non-empty, restrict meetings to events whose summary
	// or description contains one of them (case-insensitive).
	Keywords []string
	// Hints are consulted in order for events without an explicit emoji.
	Hints []Hint
	// Location is the timezone all-day events are anchored in.
	Location *time.Location
	// Timeout bounds the calendar query and each overlay call.
	Timeout time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Result describes one poll.
type Result struct {
	Active  bool
	Changed bool
	// Event is the meeting that made the state active, if any.
	Event *model.Event
	Err   error
}

// Poller tracks whether a meeting is running according to the calendar and
// starts or ends the meeting overlay on transitions only.
type Poller struct {
	mu       sync.Mutex
	src      Source
	overlay  Overlay
	keywords []string
	hints    []Hint
	loc      *time.Location
	timeout  time.Duration
	now      func() time.Time

	active bool
}

// NewPoller creates a poller in the inactive state.
func NewPoller(src Source, overlay Overlay, opts Options) *Poller {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	kw := make([]string, 0, len(opts.Keywords))
	for _, k := range opts.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			kw = append(kw, k)
		}
	}
	return &Poller{
		src:      src,
		overlay:  overlay,
		keywords: kw,
		hints:    opts.Hints,
		loc:      opts.Location,
		timeout:  opts.Timeout,
		now:      opts.Now,
	}
}

// Active reports the poller's current belief.
func (p *Poller) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Poll queries the calendar once and drives the overlay on a state change.
// Query failures leave the state untouched. When only some feeds failed a
// meeting found in the others may still start it, but a missing meeting
// never ends it since it may live in an unreadable feed. A failed
// StartMeeting or EndMeeting also keeps the old state so the next poll
// retries it.
func (p *Poller) Poll(ctx context.Context) Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now().In(p.loc)
	qctx, cancel := p.bound(ctx)
	events, err := p.src.QueryCalendar(qctx, now.Add(-searchWindow), now.Add(searchWindow))
	cancel()
	partial := ics.IsPartial(err)
	if err != nil && !partial {
		appLog.Error("calendar query failed; keeping overlay state", err, "active", p.active)
		return Result{Active: p.active, Err: err}
	}

	meeting, found := p.currentMeeting(events, now)
	res := Result{Active: p.active, Err: err}
	if found {
		res.Event = &meeting
	}

	switch {
	case found && !p.active:
		hint := p.hintFor(meeting)
		octx, cancel := p.bound(ctx)
		_, err := p.overlay.StartMeeting(octx, hint)
		cancel()
		if err != nil {
			appLog.Error("calendar meeting start failed", err, "uid", meeting.UID, "emoji", hint)
			res.Err = err
			return res
		}
		p.active = true
		res.Active, res.Changed = true, true
		appLog.Info("calendar meeting started", "uid", meeting.UID, "summary", meeting.Summary, "emoji", hint)

	case !found && p.active && partial:
		appLog.Warn("calendar partially unavailable; keeping meeting active", "error", err.Error())

	case !found && p.active:
		octx, cancel := p.bound(ctx)
		_, err := p.overlay.EndMeeting(octx)
		cancel()
		if err != nil {
			appLog.Error("calendar meeting end failed", err)
			res.Err = err
			return res
		}
		p.active = false
		res.Active, res.Changed = false, true
		appLog.Info("calendar meeting ended")
	}
	return res
}

// Job adapts Poll to a scheduler job.
func (p *Poller) Job(ctx context.Context) {
	res := p.Poll(ctx)
	appLog.Debug("calendar poll", "active", res.Active, "changed", res.Changed)
}

// currentMeeting returns the first event that is running at now and passes
// the keyword filter.
func (p *Poller) currentMeeting(events []model.Event, now time.Time) (model.Event, bool) {
	for _, ev := range events {
		start, end := p.span(ev)
		if now.Before(start) || !now.Before(end) {
			continue
		}
		if !p.isMeeting(ev) {
			continue
		}
		return ev, true
	}
	return model.Event{}, false
}

// span normalizes an event to [start, end). All-day events cover whole local
// days and events without an end last one hour.
func (p *Poller) span(ev model.Event) (time.Time, time.Time) {
	start, end := ev.Start.In(p.loc), ev.End.In(p.loc)
	if ev.AllDay {
		start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, p.loc)
		if ev.End.IsZero() || !end.After(start) {
			end = start.AddDate(0, 0, 1)
		} else {
			end = time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, p.loc)
			if !end.After(start) {
				end = start.AddDate(0, 0, 1)
			}
		}
		return start, end
	}
	if ev.End.IsZero() || !end.After(start) {
		end = start.Add(time.Hour)
	}
	return start, end
}

func (p *Poller) isMeeting(ev model.Event) bool {
	if len(p.keywords) == 0 {
		return true
	}
	text := strings.ToLower(ev.Summary + "\n" + ev.Description)
	for _, k := range p.keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

// hintFor picks the event's own emoji, then the first matching keyword hint.
// An empty result lets the overlay fall back to the default meeting emoji.
func (p *Poller) hintFor(ev model.Event) model.EmojiID {
	if ev.Hint != "" {
		return ev.Hint
	}
	text := strings.ToLower(ev.Summary + "\n" + ev.Description)
	for _, h := range p.hints {
		k := strings.ToLower(strings.TrimSpace(h.Keyword))
		if k != "" && strings.Contains(text, k) {
			return h.Emoji
		}
	}
	return ""
}

func (p *Poller) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.timeout)
}
