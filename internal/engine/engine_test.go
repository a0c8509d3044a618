package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presenced/internal/model"
	"presenced/internal/remote"
	"presenced/internal/store"
	"presenced/internal/testutil"
)

type fixture struct {
	ctx    context.Context
	store  *store.Store
	sink   *remote.MemorySink
	engine *Engine
	loc    *time.Location

	mu  sync.Mutex
	now time.Time
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) setNow(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, ctx := testutil.NewStore(t)
	loc := testutil.Moscow(t)
	f := &fixture{
		ctx:   ctx,
		store: st,
		sink:  remote.NewMemorySink(""),
		loc:   loc,
		// Wednesday afternoon.
		now: time.Date(2025, 3, 12, 14, 0, 0, 0, loc),
	}
	e, err := New(ctx, st, st, f.sink, Options{
		Location:          loc,
		RemoteTimeout:     time.Second,
		HaltAfterFailures: 3,
		Now:               f.clock,
	})
	require.NoError(t, err)
	f.engine = e
	return f
}

func standardDefaults() Defaults {
	return Defaults{
		WorkEmoji:    "work",
		WeekendEmoji: "weekend",
		RestEmoji:    "rest",
		WorkDays:     model.WeekdayRange(time.Monday, time.Friday),
		WorkStart:    model.Clock(12, 0),
		WorkEnd:      model.Clock(20, 0),
	}
}

func TestStartMeetingRequiresDefault(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.StartMeeting(f.ctx, "")
	require.ErrorIs(t, err, ErrNoDefaultConfigured)

	require.NoError(t, f.engine.SetDefaultMeetingEmoji(f.ctx, "Y"))
	r, err := f.engine.StartMeeting(f.ctx, "")
	require.NoError(t, err)
	assert.Equal(t, model.EmojiID("Y"), r.Emoji)
	assert.Equal(t, model.PriorityMeeting, r.Priority)
	assert.Equal(t, 50, r.Priority)
	assert.Equal(t, model.ClassMeeting, r.Class)
}

func TestSecondStartMeetingUpdatesEmoji(t *testing.T) {
	f := newFixture(t)

	first, err := f.engine.StartMeeting(f.ctx, "a")
	require.NoError(t, err)
	second, err := f.engine.StartMeeting(f.ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	meetings, err := f.store.FindByClass(f.ctx, model.ClassMeeting)
	require.NoError(t, err)
	require.Len(t, meetings, 1)
	assert.Equal(t, model.EmojiID("b"), meetings[0].Emoji)
}

func TestStartMeetingReenablesDisabledOverlay(t *testing.T) {
	f := newFixture(t)

	r, err := f.engine.StartMeeting(f.ctx, "a")
	require.NoError(t, err)
	require.NoError(t, f.engine.SetRuleEnabled(f.ctx, r.ID, false))

	r, err = f.engine.StartMeeting(f.ctx, "a")
	require.NoError(t, err)
	assert.True(t, r.Enabled)
	got, err := f.store.Get(f.ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
}

func TestConcurrentStartMeetingKeepsSingleOverlay(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.StartMeeting(f.ctx, model.EmojiID(fmt.Sprintf("m%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	meetings, err := f.store.FindByClass(f.ctx, model.ClassMeeting)
	require.NoError(t, err)
	assert.Len(t, meetings, 1)
}

func TestConcurrentStartAndEndNeverDuplicate(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	var violations int
	var vmu sync.Mutex

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			meetings, err := f.store.FindByClass(f.ctx, model.ClassMeeting)
			if err == nil && len(meetings) > 1 {
				vmu.Lock()
				violations++
				vmu.Unlock()
			}
		}
	}()

	var workers sync.WaitGroup
	for i := 0; i < 8; i++ {
		workers.Add(1)
		go func(i int) {
			defer workers.Done()
			for j := 0; j < 10; j++ {
				if (i+j)%2 == 0 {
					_, err := f.engine.StartMeeting(f.ctx, "m")
					assert.NoError(t, err)
				} else {
					_, err := f.engine.EndMeeting(f.ctx)
					assert.NoError(t, err)
				}
			}
		}(i)
	}
	workers.Wait()
	close(stop)
	wg.Wait()

	assert.Zero(t, violations)
	meetings, err := f.store.FindByClass(f.ctx, model.ClassMeeting)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(meetings), 1)
}

func TestEndMeetingWithoutOverlayIsNoop(t *testing.T) {
	f := newFixture(t)

	was, err := f.engine.EndMeeting(f.ctx)
	require.NoError(t, err)
	assert.False(t, was)

	_, err = f.engine.StartMeeting(f.ctx, "m")
	require.NoError(t, err)
	was, err = f.engine.EndMeeting(f.ctx)
	require.NoError(t, err)
	assert.True(t, was)

	_, ok, err := f.engine.Overlay.Active(f.ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreateRuleRejectsMeetingClass(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.CreateRule(f.ctx, model.NewMeeting("m"))
	var verr *model.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestPriorityBandsThroughEngine(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.SeedDefaults(f.ctx, standardDefaults())
	require.NoError(t, err)

	custom := model.NewRecurring(model.ClassCustom, "focus", "focus", model.PriorityCustom,
		model.AllWeek, model.Clock(0, 0), model.Clock(23, 59))
	_, err = f.engine.CreateRule(f.ctx, custom)
	require.NoError(t, err)

	r, ok, err := f.engine.DescribeCurrentResolution(f.ctx, f.clock())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.EmojiID("focus"), r.Emoji)

	_, err = f.engine.StartMeeting(f.ctx, "call")
	require.NoError(t, err)
	r, _, err = f.engine.DescribeCurrentResolution(f.ctx, f.clock())
	require.NoError(t, err)
	assert.Equal(t, model.EmojiID("call"), r.Emoji)

	today := model.DateOf(f.clock())
	_, err = f.engine.CreateRule(f.ctx, model.NewOverride("sick", "sick", today, today))
	require.NoError(t, err)
	r, _, err = f.engine.DescribeCurrentResolution(f.ctx, f.clock())
	require.NoError(t, err)
	assert.Equal(t, model.EmojiID("sick"), r.Emoji)
}

func TestCreateRuleRejectsPriorityOutsideBand(t *testing.T) {
	f := newFixture(t)

	today := model.DateOf(f.clock())
	_, err := f.engine.CreateRule(f.ctx, model.NewOverride("sick", "sick", today, today))
	require.NoError(t, err)

	gym := model.NewRecurring(model.ClassCustom, "gym", "gym", 500,
		model.AllWeek, model.Clock(0, 0), model.Clock(23, 59))
	_, err = f.engine.CreateRule(f.ctx, gym)
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "priority", verr.Field)

	loud := model.NewRecurring(model.ClassDefault, "work", "work", 999,
		model.AllWeek, model.Clock(0, 0), model.Clock(23, 59))
	_, err = f.engine.CreateRule(f.ctx, loud)
	require.ErrorAs(t, err, &verr)

	rules, err := f.engine.ListRules(f.ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 1)

	r, ok, err := f.engine.DescribeCurrentResolution(f.ctx, f.clock())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.ClassOverride, r.Class)
	assert.Equal(t, model.EmojiID("sick"), r.Emoji)
}

func TestReconcileAppliesAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.SeedDefaults(f.ctx, standardDefaults())
	require.NoError(t, err)

	res := f.engine.ReconcileNow(f.ctx)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, model.EmojiID("work"), f.sink.Current())
	assert.Equal(t, 1, f.sink.Writes())

	last, ok := f.engine.Status().LastApplied, f.engine.Status().HasLastApplied
	assert.True(t, ok)
	assert.Equal(t, model.EmojiID("work"), last)

	res = f.engine.ReconcileNow(f.ctx)
	assert.Equal(t, OutcomeInSync, res.Outcome)
	assert.Equal(t, 1, f.sink.Writes(), "in-sync tick must not write")

	f.setNow(time.Date(2025, 3, 12, 21, 0, 0, 0, f.loc))
	res = f.engine.ReconcileNow(f.ctx)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, model.EmojiID("rest"), f.sink.Current())
}

func TestReconcileZeroWritesWhenRemoteAlreadyMatches(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.SeedDefaults(f.ctx, standardDefaults())
	require.NoError(t, err)
	f.sink.Set("work")

	res := f.engine.ReconcileNow(f.ctx)
	assert.Equal(t, OutcomeInSync, res.Outcome)
	assert.Zero(t, f.sink.Writes())
}

func TestReconcileCorrectsExternalDrift(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.SeedDefaults(f.ctx, standardDefaults())
	require.NoError(t, err)

	f.engine.ReconcileNow(f.ctx)
	f.sink.Set("something-else")

	res := f.engine.ReconcileNow(f.ctx)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, model.EmojiID("something-else"), res.Previous)
	assert.Equal(t, model.EmojiID("work"), f.sink.Current())
}

func TestReconcileSkipsWhenDisabledOrNoRule(t *testing.T) {
	f := newFixture(t)

	res := f.engine.ReconcileNow(f.ctx)
	assert.Equal(t, OutcomeNoRule, res.Outcome)

	_, err := f.engine.SeedDefaults(f.ctx, standardDefaults())
	require.NoError(t, err)
	require.NoError(t, f.engine.SetSchedulingEnabled(f.ctx, false))

	res = f.engine.ReconcileNow(f.ctx)
	assert.Equal(t, OutcomeDisabled, res.Outcome)
	assert.Zero(t, f.sink.Writes())
	assert.Equal(t, model.EmojiID(""), f.sink.Current(), "no forced clear")
}

func TestReconcileRemoteFailureRetriesNextTick(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.SeedDefaults(f.ctx, standardDefaults())
	require.NoError(t, err)

	f.sink.FailWith(nil, remote.ErrRemote)
	res := f.engine.ReconcileNow(f.ctx)
	assert.Equal(t, OutcomeRemoteError, res.Outcome)
	assert.ErrorIs(t, res.Err, remote.ErrRemote)
	assert.False(t, f.engine.Status().HasLastApplied)

	f.sink.FailWith(remote.ErrRemote, nil)
	res = f.engine.ReconcileNow(f.ctx)
	assert.Equal(t, OutcomeRemoteError, res.Outcome)
	assert.Zero(t, f.sink.Writes())

	f.sink.FailWith(nil, nil)
	res = f.engine.ReconcileNow(f.ctx)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, PhaseIdle, f.engine.Status().Phase)
}

// brokenRepo fails every ListActive call.
type brokenRepo struct {
	Repository
	fail bool
}

func (b *brokenRepo) ListActive(ctx context.Context, asOf time.Time) ([]model.Rule, error) {
	if b.fail {
		return nil, errors.New("database disk image is malformed")
	}
	return b.Repository.ListActive(ctx, asOf)
}

func TestReconcileHaltsOnRepositoryFailure(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	repo := &brokenRepo{Repository: st, fail: true}
	sink := remote.NewMemorySink("")
	e, err := New(ctx, repo, st, sink, Options{HaltAfterFailures: 2})
	require.NoError(t, err)

	assert.Equal(t, OutcomeRepoError, e.ReconcileNow(ctx).Outcome)
	res := e.ReconcileNow(ctx)
	assert.Equal(t, OutcomeHalted, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrHalted)

	snap := e.Status()
	assert.Equal(t, PhaseHalted, snap.Phase)
	assert.Error(t, snap.Fatal)

	repo.fail = false
	assert.Equal(t, OutcomeHalted, e.ReconcileNow(ctx).Outcome, "stays halted until resumed")

	e.Resume()
	assert.Equal(t, OutcomeNoRule, e.ReconcileNow(ctx).Outcome)
	assert.Equal(t, PhaseIdle, e.Status().Phase)
}

func TestSweeperDeletesExpiredOverrides(t *testing.T) {
	f := newFixture(t)
	today := model.DateOf(f.clock())

	old, err := f.engine.CreateRule(f.ctx, model.NewOverride("old", "x", today.AddDays(-5), today.AddDays(-1)))
	require.NoError(t, err)
	cur, err := f.engine.CreateRule(f.ctx, model.NewOverride("cur", "y", today, today.AddDays(1)))
	require.NoError(t, err)
	_, err = f.engine.StartMeeting(f.ctx, "m")
	require.NoError(t, err)

	active, err := f.engine.ListActiveRules(f.ctx, f.clock())
	require.NoError(t, err)
	for _, r := range active {
		assert.NotEqual(t, old.ID, r.ID, "expired override listed as active")
	}

	n, err := f.engine.Sweeper.Sweep(f.ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = f.engine.GetRule(f.ctx, old.ID)
	assert.True(t, IsNotFound(err))
	_, err = f.engine.GetRule(f.ctx, cur.ID)
	assert.NoError(t, err)
	_, ok, err := f.engine.Overlay.Active(f.ctx)
	require.NoError(t, err)
	assert.True(t, ok, "sweeper must not touch the meeting overlay")
}

func TestClearAllDisablesScheduling(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.SeedDefaults(f.ctx, standardDefaults())
	require.NoError(t, err)
	_, err = f.engine.StartMeeting(f.ctx, "m")
	require.NoError(t, err)

	n, err := f.engine.ClearAll(f.ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
	assert.False(t, f.engine.Status().SchedulingEnabled)

	rules, err := f.engine.ListRules(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestSchedulingFlagPersists(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.SetSchedulingEnabled(f.ctx, false))

	again, err := New(f.ctx, f.store, f.store, f.sink, Options{Location: f.loc})
	require.NoError(t, err)
	assert.False(t, again.Status().SchedulingEnabled)
}

func TestDeleteAndToggleUnknownRule(t *testing.T) {
	f := newFixture(t)
	assert.True(t, IsNotFound(f.engine.DeleteRule(f.ctx, 99)))
	assert.True(t, IsNotFound(f.engine.SetRuleEnabled(f.ctx, 99, true)))
}

func TestDeleteMeetingRuleByID(t *testing.T) {
	f := newFixture(t)
	r, err := f.engine.StartMeeting(f.ctx, "m")
	require.NoError(t, err)

	require.NoError(t, f.engine.DeleteRule(f.ctx, r.ID))
	_, ok, err := f.engine.Overlay.Active(f.ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSeedDefaultsOnlyWhenEmpty(t *testing.T) {
	f := newFixture(t)

	n, err := f.engine.SeedDefaults(f.ctx, standardDefaults())
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = f.engine.SeedDefaults(f.ctx, standardDefaults())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDefaultsRules(t *testing.T) {
	rules := standardDefaults().Rules()
	require.Len(t, rules, 4)

	assert.Equal(t, "work", rules[0].Name)
	assert.Equal(t, model.PriorityWork, rules[0].Priority)

	assert.Equal(t, "weekend", rules[1].Name)
	assert.Equal(t, model.NewWeekdays(time.Friday), rules[1].Days)
	assert.Equal(t, model.Clock(20, 0), rules[1].TimeStart)
	assert.Equal(t, model.Clock(23, 59), rules[1].TimeEnd)

	assert.Equal(t, model.NewWeekdays(time.Saturday, time.Sunday), rules[2].Days)
	assert.Equal(t, model.PriorityWeekend, rules[2].Priority)

	assert.Equal(t, "rest", rules[3].Name)
	assert.Equal(t, model.AllWeek, rules[3].Days)

	for _, r := range rules {
		assert.NoError(t, r.Validate())
	}
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	s := NewScheduler(time.UTC)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "ok", "@every 1m", func(context.Context) {}))
	assert.Error(t, s.Add(ctx, "bad", "every minute please", func(context.Context) {}))
	assert.Equal(t, 1, s.Len())
}

func TestSchedulerRunsJobsUntilCancelled(t *testing.T) {
	s := NewScheduler(time.UTC)
	ctx, cancel := context.WithCancel(context.Background())

	ran := make(chan struct{}, 10)
	require.NoError(t, s.Add(ctx, "tick", "@every 1s", func(context.Context) {
		ran <- struct{}{}
	}))

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not run")
	}
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
