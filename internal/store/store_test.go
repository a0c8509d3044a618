package store_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presenced/internal/model"
	"presenced/internal/store"
	"presenced/internal/testutil"
)

func workRule() model.Rule {
	return model.NewRecurring(model.ClassDefault, "work", "work-emoji", model.PriorityWork,
		model.WeekdayRange(time.Monday, time.Friday), model.Clock(12, 0), model.Clock(20, 0))
}

func TestCreateGetRoundTrip(t *testing.T) {
	st, ctx := testutil.NewStore(t)

	work := testutil.MustCreate(t, st, ctx, workRule())
	got, err := st.Get(ctx, work.ID)
	require.NoError(t, err)
	assert.Equal(t, work, got)

	ov := model.NewOverride("vacation", "beach", model.Date{Year: 2025, Month: 12, Day: 24}, model.Date{Year: 2025, Month: 12, Day: 26})
	ov.HasTime = true
	ov.TimeStart = model.Clock(9, 30)
	ov.TimeEnd = model.Clock(18, 0)
	ov = testutil.MustCreate(t, st, ctx, ov)
	got, err = st.Get(ctx, ov.ID)
	require.NoError(t, err)
	assert.Equal(t, ov, got)
}

func TestCreateRejectsInvalidRule(t *testing.T) {
	st, ctx := testutil.NewStore(t)

	bad := workRule()
	bad.Days = 0
	_, err := st.Create(ctx, bad)
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)

	rules, err := st.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestIDsAreNeverReused(t *testing.T) {
	st, ctx := testutil.NewStore(t)

	first := testutil.MustCreate(t, st, ctx, workRule())
	require.NoError(t, st.Delete(ctx, first.ID))
	_, err := st.ClearAll(ctx)
	require.NoError(t, err)

	second := testutil.MustCreate(t, st, ctx, workRule())
	assert.Greater(t, second.ID, first.ID)
}

func TestNotFound(t *testing.T) {
	st, ctx := testutil.NewStore(t)

	_, err := st.Get(ctx, 42)
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.ErrorIs(t, st.Delete(ctx, 42), store.ErrNotFound)
	assert.ErrorIs(t, st.SetEnabled(ctx, 42, false), store.ErrNotFound)
	assert.ErrorIs(t, st.SetEmoji(ctx, 42, "x"), store.ErrNotFound)
}

func TestSetEnabled(t *testing.T) {
	st, ctx := testutil.NewStore(t)

	work := testutil.MustCreate(t, st, ctx, workRule())
	require.NoError(t, st.SetEnabled(ctx, work.ID, false))

	got, err := st.Get(ctx, work.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, work.Priority, got.Priority)
}

func TestListActiveHidesExpiredRanges(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	loc := testutil.Moscow(t)
	now := time.Date(2025, 3, 10, 0, 30, 0, 0, loc)
	today := model.DateOf(now)

	work := testutil.MustCreate(t, st, ctx, workRule())
	yesterday := testutil.MustCreate(t, st, ctx, model.NewOverride("old", "x", today.AddDays(-3), today.AddDays(-1)))
	current := testutil.MustCreate(t, st, ctx, model.NewOverride("today", "y", today.AddDays(-1), today))

	active, err := st.ListActive(ctx, now)
	require.NoError(t, err)
	ids := make([]int64, 0, len(active))
	for _, r := range active {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []int64{work.ID, current.ID}, ids)

	// still physically present until swept
	_, err = st.Get(ctx, yesterday.ID)
	require.NoError(t, err)

	n, err := st.DeleteExpiredBefore(ctx, today)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, err = st.Get(ctx, yesterday.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClearAll(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	testutil.MustCreate(t, st, ctx, workRule())
	testutil.MustCreate(t, st, ctx, workRule())

	n, err := st.ClearAll(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	rules, err := st.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestSingleMeetingRuleEnforced(t *testing.T) {
	st, ctx := testutil.NewStore(t)

	testutil.MustCreate(t, st, ctx, model.NewMeeting("m1"))
	_, err := st.Create(ctx, model.NewMeeting("m2"))
	assert.ErrorIs(t, err, store.ErrDuplicate)

	meetings, err := st.FindByClass(ctx, model.ClassMeeting)
	require.NoError(t, err)
	require.Len(t, meetings, 1)
	assert.Equal(t, model.EmojiID("m1"), meetings[0].Emoji)
}

func TestConcurrentCreatesGetDistinctIDs(t *testing.T) {
	st, ctx := testutil.NewStore(t)

	var wg sync.WaitGroup
	ids := make(chan int64, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := st.Create(ctx, workRule())
			assert.NoError(t, err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		assert.False(t, seen[id], "id %d reused", id)
		seen[id] = true
	}
	assert.Len(t, seen, 20)
}

func TestSettings(t *testing.T) {
	st, ctx := testutil.NewStore(t)

	_, ok, err := st.GetSetting(ctx, store.SettingMeetingEmoji)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.SetSetting(ctx, store.SettingMeetingEmoji, "a"))
	require.NoError(t, st.SetSetting(ctx, store.SettingMeetingEmoji, "b"))
	v, ok, err := st.GetSetting(ctx, store.SettingMeetingEmoji)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "b", v)
}
