package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"presenced/internal/model"
	"presenced/internal/store"
)

// NewStore opens a migrated SQLite store under t.TempDir().
func NewStore(t *testing.T) (*store.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "presenced-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st, ctx
}

// MustCreate inserts r and returns it with its assigned id.
func MustCreate(t *testing.T, st *store.Store, ctx context.Context, r model.Rule) model.Rule {
	t.Helper()
	id, err := st.Create(ctx, r)
	if err != nil {
		t.Fatalf("seed rule %q: %v", r.Name, err)
	}
	r.ID = id
	return r
}

// Moscow is the zone used by tests that need a non-UTC wall clock.
func Moscow(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Moscow")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return loc
}
