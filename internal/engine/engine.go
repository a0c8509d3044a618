package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	appLog "presenced/internal/log"
	"presenced/internal/model"
	"presenced/internal/remote"
	"presenced/internal/resolve"
	"presenced/internal/store"
)

// ErrNotFound is returned for operations on a rule id that does not exist.
var ErrNotFound = store.ErrNotFound

// Options tunes an Engine. Zero values get defaults in New.
type Options struct {
	// Location is the timezone for every wall-clock comparison.
	Location *time.Location
	// RemoteTimeout bounds each remote or repository call made by the
	// periodic tasks.
	RemoteTimeout time.Duration
	// HaltAfterFailures is how many consecutive repository read failures
	// halt the reconciliation loop. Zero disables halting.
	HaltAfterFailures int
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Engine is the scheduling core: rule CRUD, the meeting overlay, the
// reconciliation loop, and the expiry sweeper, sharing one State.
type Engine struct {
	repo     Repository
	settings Settings
	loc      *time.Location
	state    *State

	Overlay    *Overlay
	Reconciler *Reconciler
	Sweeper    *Sweeper
}

// New builds an Engine. The scheduling flag is restored from settings and
// defaults to enabled.
func New(ctx context.Context, repo Repository, settings Settings, sink remote.Sink, opts Options) (*Engine, error) {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	enabled := true
	if v, ok, err := settings.GetSetting(ctx, store.SettingSchedulingEnabled); err != nil {
		return nil, fmt.Errorf("load scheduling flag: %w", err)
	} else if ok {
		if b, perr := strconv.ParseBool(v); perr == nil {
			enabled = b
		}
	}

	state := newState(enabled)
	e := &Engine{
		repo:     repo,
		settings: settings,
		loc:      opts.Location,
		state:    state,
		Overlay:  newOverlay(repo, settings),
		Reconciler: &Reconciler{
			repo:      repo,
			sink:      sink,
			state:     state,
			loc:       opts.Location,
			timeout:   opts.RemoteTimeout,
			haltAfter: opts.HaltAfterFailures,
			now:       opts.Now,
		},
		Sweeper: &Sweeper{
			repo:    repo,
			loc:     opts.Location,
			timeout: opts.RemoteTimeout,
			now:     opts.Now,
		},
	}
	return e, nil
}

// Location returns the engine's timezone.
func (e *Engine) Location() *time.Location {
	return e.loc
}

// CreateRule validates and stores a custom, override or default rule. The
// meeting rule can only be created through StartMeeting.
func (e *Engine) CreateRule(ctx context.Context, r model.Rule) (model.Rule, error) {
	if r.Class == model.ClassMeeting {
		return model.Rule{}, &model.ValidationError{Field: "class", Msg: "meeting rules are managed by StartMeeting"}
	}
	if err := r.Validate(); err != nil {
		return model.Rule{}, err
	}
	id, err := e.repo.Create(ctx, r)
	if err != nil {
		return model.Rule{}, err
	}
	r.ID = id
	appLog.Info("rule created", "rule_id", id, "name", r.Name, "kind", r.Kind, "priority", r.Priority)
	return r, nil
}

func (e *Engine) GetRule(ctx context.Context, id int64) (model.Rule, error) {
	return e.repo.Get(ctx, id)
}

// ListRules returns every stored rule, including expired ones not yet swept.
func (e *Engine) ListRules(ctx context.Context) ([]model.Rule, error) {
	return e.repo.List(ctx)
}

// ListActiveRules returns the rules the resolver would consider at t.
func (e *Engine) ListActiveRules(ctx context.Context, t time.Time) ([]model.Rule, error) {
	return e.repo.ListActive(ctx, t.In(e.loc))
}

// DeleteRule removes a rule. Deleting the meeting rule goes through the
// overlay's critical section.
func (e *Engine) DeleteRule(ctx context.Context, id int64) error {
	r, err := e.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	del := func() error { return e.repo.Delete(ctx, id) }
	if r.Class == model.ClassMeeting {
		err = e.Overlay.withLock(del)
	} else {
		err = del()
	}
	if err != nil {
		return err
	}
	appLog.Info("rule deleted", "rule_id", id, "name", r.Name)
	return nil
}

// SetRuleEnabled toggles a single rule.
func (e *Engine) SetRuleEnabled(ctx context.Context, id int64, enabled bool) error {
	r, err := e.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	set := func() error { return e.repo.SetEnabled(ctx, id, enabled) }
	if r.Class == model.ClassMeeting {
		return e.Overlay.withLock(set)
	}
	return set()
}

// ClearAll deletes every rule and turns scheduling off, so an empty rule
// set is never mistaken for a configured schedule.
func (e *Engine) ClearAll(ctx context.Context) (int64, error) {
	var n int64
	err := e.Overlay.withLock(func() error {
		var err error
		n, err = e.repo.ClearAll(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	if err := e.SetSchedulingEnabled(ctx, false); err != nil {
		return n, err
	}
	appLog.Info("all rules cleared", "deleted", n)
	return n, nil
}

// StartMeeting installs or updates the meeting overlay.
func (e *Engine) StartMeeting(ctx context.Context, emoji model.EmojiID) (model.Rule, error) {
	return e.Overlay.StartMeeting(ctx, emoji)
}

// EndMeeting removes the meeting overlay; it reports whether one existed.
func (e *Engine) EndMeeting(ctx context.Context) (bool, error) {
	return e.Overlay.EndMeeting(ctx)
}

// SetDefaultMeetingEmoji stores the fallback emoji for StartMeeting.
func (e *Engine) SetDefaultMeetingEmoji(ctx context.Context, emoji model.EmojiID) error {
	return e.Overlay.SetDefaultEmoji(ctx, emoji)
}

// SetSchedulingEnabled flips the global switch and persists it.
func (e *Engine) SetSchedulingEnabled(ctx context.Context, enabled bool) error {
	if err := e.settings.SetSetting(ctx, store.SettingSchedulingEnabled, strconv.FormatBool(enabled)); err != nil {
		return err
	}
	e.state.setSchedulingEnabled(enabled)
	appLog.Info("scheduling toggled", "enabled", enabled)
	return nil
}

// DescribeCurrentResolution reports which rule would govern the status at t
// without touching the remote sink.
func (e *Engine) DescribeCurrentResolution(ctx context.Context, t time.Time) (model.Rule, bool, error) {
	t = t.In(e.loc)
	rules, err := e.repo.ListActive(ctx, t)
	if err != nil {
		return model.Rule{}, false, err
	}
	r, ok := resolve.Resolve(rules, t)
	return r, ok, nil
}

// ReconcileNow runs one reconciliation tick immediately.
func (e *Engine) ReconcileNow(ctx context.Context) TickResult {
	return e.Reconciler.Tick(ctx)
}

// Resume clears a halted reconciliation loop.
func (e *Engine) Resume() {
	e.Reconciler.Resume()
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Snapshot {
	return e.state.Snapshot()
}

// IsNotFound reports whether err means a missing rule id.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
