package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	appLog "presenced/internal/log"
	"presenced/internal/model"
	"presenced/internal/store"
)

// ErrNoDefaultConfigured is returned by StartMeeting when no emoji was given
// and no default meeting emoji has been stored.
var ErrNoDefaultConfigured = errors.New("no default meeting emoji configured")

// Overlay owns the single meeting rule. The manual meeting API and the
// calendar poller both go through it; its mutex serializes them so at most
// one meeting rule exists at any instant.
type Overlay struct {
	mu       sync.Mutex
	repo     Repository
	settings Settings
}

func newOverlay(repo Repository, settings Settings) *Overlay {
	return &Overlay{repo: repo, settings: settings}
}

// StartMeeting creates the meeting rule, or updates the emoji of the one that
// already exists. An empty emoji falls back to the stored default.
func (o *Overlay) StartMeeting(ctx context.Context, emoji model.EmojiID) (model.Rule, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if emoji == "" {
		def, err := o.DefaultEmoji(ctx)
		if err != nil {
			return model.Rule{}, err
		}
		if def == "" {
			return model.Rule{}, ErrNoDefaultConfigured
		}
		emoji = def
	}

	existing, err := o.repo.FindByClass(ctx, model.ClassMeeting)
	if err != nil {
		return model.Rule{}, fmt.Errorf("start meeting: %w", err)
	}
	if len(existing) > 0 {
		r := existing[0]
		if r.Emoji != emoji {
			if err := o.repo.SetEmoji(ctx, r.ID, emoji); err != nil {
				return model.Rule{}, fmt.Errorf("start meeting: %w", err)
			}
			r.Emoji = emoji
		}
		if !r.Enabled {
			if err := o.repo.SetEnabled(ctx, r.ID, true); err != nil {
				return model.Rule{}, fmt.Errorf("start meeting: %w", err)
			}
			r.Enabled = true
		}
		appLog.Info("meeting overlay updated", "rule_id", r.ID, "emoji", emoji)
		return r, nil
	}

	r := model.NewMeeting(emoji)
	id, err := o.repo.Create(ctx, r)
	if err != nil {
		return model.Rule{}, fmt.Errorf("start meeting: %w", err)
	}
	r.ID = id
	appLog.Info("meeting overlay started", "rule_id", id, "emoji", emoji)
	return r, nil
}

// EndMeeting removes the meeting rule. It reports whether one existed; a
// missing overlay is not an error.
func (o *Overlay) EndMeeting(ctx context.Context) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.endLocked(ctx)
}

func (o *Overlay) endLocked(ctx context.Context) (bool, error) {
	existing, err := o.repo.FindByClass(ctx, model.ClassMeeting)
	if err != nil {
		return false, fmt.Errorf("end meeting: %w", err)
	}
	for _, r := range existing {
		if err := o.repo.Delete(ctx, r.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return false, fmt.Errorf("end meeting: %w", err)
		}
		appLog.Info("meeting overlay ended", "rule_id", r.ID)
	}
	return len(existing) > 0, nil
}

// Active returns the current meeting rule, if any.
func (o *Overlay) Active(ctx context.Context) (model.Rule, bool, error) {
	existing, err := o.repo.FindByClass(ctx, model.ClassMeeting)
	if err != nil {
		return model.Rule{}, false, err
	}
	if len(existing) == 0 {
		return model.Rule{}, false, nil
	}
	return existing[0], true, nil
}

// SetDefaultEmoji stores the emoji StartMeeting falls back to.
func (o *Overlay) SetDefaultEmoji(ctx context.Context, emoji model.EmojiID) error {
	if emoji == "" {
		return &model.ValidationError{Field: "emoji", Msg: "must not be empty"}
	}
	return o.settings.SetSetting(ctx, store.SettingMeetingEmoji, string(emoji))
}

// DefaultEmoji returns the stored default meeting emoji, or "" when unset.
func (o *Overlay) DefaultEmoji(ctx context.Context) (model.EmojiID, error) {
	v, _, err := o.settings.GetSetting(ctx, store.SettingMeetingEmoji)
	if err != nil {
		return "", err
	}
	return model.EmojiID(v), nil
}

// withLock runs fn inside the overlay's critical section. Engine uses it for
// mutations that may touch the meeting rule (delete, enable, clear all).
func (o *Overlay) withLock(fn func() error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return fn()
}
