package engine

import (
	"context"
	"time"

	"presenced/internal/model"
)

// Repository is the rule store the engine works against. *store.Store
// implements it.
type Repository interface {
	Create(ctx context.Context, r model.Rule) (int64, error)
	Get(ctx context.Context, id int64) (model.Rule, error)
	List(ctx context.Context) ([]model.Rule, error)
	ListActive(ctx context.Context, asOf time.Time) ([]model.Rule, error)
	FindByClass(ctx context.Context, class model.Class) ([]model.Rule, error)
	Delete(ctx context.Context, id int64) error
	ClearAll(ctx context.Context) (int64, error)
	SetEnabled(ctx context.Context, id int64, enabled bool) error
	SetEmoji(ctx context.Context, id int64, emoji model.EmojiID) error
	DeleteExpiredBefore(ctx context.Context, today model.Date) (int64, error)
}

// Settings is a small key/value store for engine preferences.
type Settings interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}
