package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	appLog "presenced/internal/log"
	"presenced/internal/model"
	"presenced/internal/remote"
	"presenced/internal/resolve"
)

// ErrHalted is reported while the reconciliation loop is halted.
var ErrHalted = errors.New("reconciliation halted: rule repository unavailable")

// Outcome summarizes what a single reconciliation tick did.
type Outcome string

const (
	OutcomeDisabled    Outcome = "disabled"
	OutcomeHalted      Outcome = "halted"
	OutcomeRepoError   Outcome = "repository_error"
	OutcomeNoRule      Outcome = "no_rule"
	OutcomeInSync      Outcome = "in_sync"
	OutcomeApplied     Outcome = "applied"
	OutcomeRemoteError Outcome = "remote_error"
)

// TickResult is returned by Reconciler.Tick.
type TickResult struct {
	Outcome Outcome
	// Rule is the resolved rule; zero when none matched or resolution failed.
	Rule model.Rule
	// Previous is the remote status observed during the compare step.
	Previous model.EmojiID
	Err      error
}

// Reconciler compares the resolved status with the remote one and corrects
// drift. Ticks are serialized; each runs Resolve, Compare, Apply in order.
type Reconciler struct {
	mu        sync.Mutex
	repo      Repository
	sink      remote.Sink
	state     *State
	loc       *time.Location
	timeout   time.Duration
	haltAfter int
	now       func() time.Time

	failures int
}

// Tick runs one reconciliation pass. It never panics on remote or
// repository errors; they are logged and reported in the result.
func (r *Reconciler) Tick(ctx context.Context) TickResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().In(r.loc)
	r.state.touch(now)

	if halted, err := r.state.halted(); halted {
		return TickResult{Outcome: OutcomeHalted, Err: errors.Join(ErrHalted, err)}
	}
	if !r.state.SchedulingEnabled() {
		return TickResult{Outcome: OutcomeDisabled}
	}
	defer r.state.setPhase(PhaseIdle)

	r.state.setPhase(PhaseResolving)
	rules, err := r.listActive(ctx, now)
	if err != nil {
		r.failures++
		appLog.Error("reconcile: list rules failed", err, "consecutive_failures", r.failures)
		if r.haltAfter > 0 && r.failures >= r.haltAfter {
			r.state.halt(err)
			appLog.Error("reconcile: halting, rule repository unreadable", err, "failures", r.failures)
			return TickResult{Outcome: OutcomeHalted, Err: errors.Join(ErrHalted, err)}
		}
		return TickResult{Outcome: OutcomeRepoError, Err: err}
	}
	r.failures = 0

	desired, ok := resolve.Resolve(rules, now)
	if !ok {
		appLog.Debug("reconcile: no rule matches", "at", now.Format(time.RFC3339))
		return TickResult{Outcome: OutcomeNoRule}
	}

	r.state.setPhase(PhaseComparing)
	current, err := r.remoteGet(ctx)
	if err != nil {
		appLog.Error("reconcile: read remote status failed", err, "rule_id", desired.ID)
		return TickResult{Outcome: OutcomeRemoteError, Rule: desired, Err: err}
	}
	if current == desired.Emoji {
		r.state.setLastApplied(current)
		return TickResult{Outcome: OutcomeInSync, Rule: desired, Previous: current}
	}

	r.state.setPhase(PhaseApplying)
	if err := r.remoteSet(ctx, desired.Emoji); err != nil {
		r.state.forgetLastApplied()
		appLog.Error("reconcile: set remote status failed", err, "rule_id", desired.ID, "emoji", desired.Emoji)
		return TickResult{Outcome: OutcomeRemoteError, Rule: desired, Previous: current, Err: err}
	}
	r.state.setLastApplied(desired.Emoji)
	appLog.Info("status changed",
		"from", current,
		"to", desired.Emoji,
		"rule_id", desired.ID,
		"rule", desired.Name,
		"priority", desired.Priority,
	)
	return TickResult{Outcome: OutcomeApplied, Rule: desired, Previous: current}
}

// Resume clears a halt so the next tick reads the repository again.
func (r *Reconciler) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = 0
	r.state.resume()
	appLog.Info("reconcile: resumed")
}

func (r *Reconciler) listActive(ctx context.Context, now time.Time) ([]model.Rule, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.repo.ListActive(ctx, now)
}

func (r *Reconciler) remoteGet(ctx context.Context) (model.EmojiID, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.sink.GetRemoteStatus(ctx)
}

func (r *Reconciler) remoteSet(ctx context.Context, emoji model.EmojiID) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.sink.SetRemoteStatus(ctx, emoji)
}

func (r *Reconciler) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}
