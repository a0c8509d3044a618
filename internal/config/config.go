package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"presenced/internal/calendar"
	"presenced/internal/engine"
	"presenced/internal/ics"
	"presenced/internal/model"
)

// ICSConfig describes a single ICS calendar feed.
type ICSConfig struct {
	// ID is an internal identifier used for logging.
	ID string `yaml:"id" json:"id"`
	// URL is the ICS endpoint.
	URL string `yaml:"url" json:"url"`
	// Username / Password enable HTTP Basic auth (CalDAV exports).
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"-"`
}

// HintConfig maps an event keyword to a status emoji.
type HintConfig struct {
	Keyword string `yaml:"keyword" json:"keyword"`
	Emoji   string `yaml:"emoji" json:"emoji"`
}

// CalendarConfig controls the calendar poller.
type CalendarConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	ICS     []ICSConfig `yaml:"ics" json:"ics"`
	// Keywords restrict meetings to matching events; empty means every event.
	Keywords []string     `yaml:"keywords" json:"keywords"`
	Hints    []HintConfig `yaml:"hints" json:"hints"`
	// CacheDir keeps the last good body of each feed. Empty disables it.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`
}

// RemoteConfig points at the chat platform's status endpoint. An empty URL
// runs against an in-memory sink.
type RemoteConfig struct {
	URL   string `yaml:"url" json:"url"`
	Token string `yaml:"token,omitempty" json:"-"`
}

// MeetingConfig configures the meeting overlay API.
type MeetingConfig struct {
	// DefaultEmoji seeds the stored default meeting emoji when none is set.
	DefaultEmoji string `yaml:"default_emoji" json:"default_emoji"`
	// APIToken, if set, is required by the meeting start/end endpoint.
	APIToken string `yaml:"api_token,omitempty" json:"-"`
}

// DefaultsConfig describes the built-in work / weekend / rest rules.
type DefaultsConfig struct {
	// Seed stores the built-in rules when the rule table is empty.
	Seed         bool   `yaml:"seed" json:"seed"`
	WorkEmoji    string `yaml:"work_emoji" json:"work_emoji"`
	WeekendEmoji string `yaml:"weekend_emoji" json:"weekend_emoji"`
	RestEmoji    string `yaml:"rest_emoji" json:"rest_emoji"`
	// WorkDays uses the rule day syntax, e.g. "mon-fri" or "mon,tue,thu".
	WorkDays  string `yaml:"work_days" json:"work_days"`
	WorkStart string `yaml:"work_start" json:"work_start"`
	WorkEnd   string `yaml:"work_end" json:"work_end"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone every schedule is evaluated in.
	Timezone string `yaml:"timezone" json:"timezone"`

	// DBPath is the SQLite rule database.
	DBPath string `yaml:"db_path" json:"db_path"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	// Cron specs for the periodic tasks (robfig/cron syntax, "@every 1m").
	Reconcile    string `yaml:"reconcile" json:"reconcile"`
	Sweep        string `yaml:"sweep" json:"sweep"`
	CalendarPoll string `yaml:"calendar_poll" json:"calendar_poll"`

	// RemoteTimeoutSeconds bounds each remote, calendar and repository call
	// made by a periodic task.
	RemoteTimeoutSeconds int `yaml:"remote_timeout_seconds" json:"remote_timeout_seconds"`

	// HaltAfterFailures halts reconciliation after that many consecutive
	// repository failures. Negative disables halting.
	HaltAfterFailures int `yaml:"halt_after_failures" json:"halt_after_failures"`

	Remote   RemoteConfig   `yaml:"remote" json:"remote"`
	Meeting  MeetingConfig  `yaml:"meeting" json:"meeting"`
	Defaults DefaultsConfig `yaml:"defaults" json:"defaults"`
	Calendar CalendarConfig `yaml:"calendar" json:"calendar"`

	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{
		Defaults: DefaultsConfig{Seed: true},
	}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values so partially-filled configs still
// behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "Europe/Moscow"
	}
	if c.DBPath == "" {
		c.DBPath = "/var/lib/presenced/rules.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Reconcile == "" {
		c.Reconcile = "@every 1m"
	}
	if c.Sweep == "" {
		c.Sweep = "@every 1h"
	}
	if c.CalendarPoll == "" {
		c.CalendarPoll = "@every 1m"
	}
	if c.RemoteTimeoutSeconds <= 0 {
		c.RemoteTimeoutSeconds = 5
	}
	if c.HaltAfterFailures == 0 {
		c.HaltAfterFailures = 3
	}

	d := &c.Defaults
	if d.WorkDays == "" {
		d.WorkDays = "mon-fri"
	}
	if d.WorkStart == "" {
		d.WorkStart = "12:00"
	}
	if d.WorkEnd == "" {
		d.WorkEnd = "20:00"
	}

	if c.Calendar.ICS == nil {
		c.Calendar.ICS = []ICSConfig{}
	}
	for i := range c.Calendar.ICS {
		if c.Calendar.ICS[i].ID == "" {
			c.Calendar.ICS[i].ID = fmt.Sprintf("ics-%d", i+1)
		}
	}
}

// Location loads the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// RemoteTimeout returns RemoteTimeoutSeconds as a duration.
func (c *Config) RemoteTimeout() time.Duration {
	return time.Duration(c.RemoteTimeoutSeconds) * time.Second
}

// HaltThreshold maps HaltAfterFailures onto engine.Options, where zero
// disables halting.
func (c *Config) HaltThreshold() int {
	if c.HaltAfterFailures < 0 {
		return 0
	}
	return c.HaltAfterFailures
}

// ToDefaults validates and converts the defaults section.
func (c *Config) ToDefaults() (engine.Defaults, error) {
	days, err := model.ParseWeekdays(c.Defaults.WorkDays)
	if err != nil {
		return engine.Defaults{}, fmt.Errorf("defaults.work_days: %w", err)
	}
	start, err := model.ParseTimeOfDay(c.Defaults.WorkStart)
	if err != nil {
		return engine.Defaults{}, fmt.Errorf("defaults.work_start: %w", err)
	}
	end, err := model.ParseTimeOfDay(c.Defaults.WorkEnd)
	if err != nil {
		return engine.Defaults{}, fmt.Errorf("defaults.work_end: %w", err)
	}
	return engine.Defaults{
		WorkEmoji:    model.EmojiID(c.Defaults.WorkEmoji),
		WeekendEmoji: model.EmojiID(c.Defaults.WeekendEmoji),
		RestEmoji:    model.EmojiID(c.Defaults.RestEmoji),
		WorkDays:     days,
		WorkStart:    start,
		WorkEnd:      end,
	}, nil
}

// Sources converts the configured feeds.
func (c *Config) Sources() []ics.Source {
	out := make([]ics.Source, 0, len(c.Calendar.ICS))
	for _, s := range c.Calendar.ICS {
		out = append(out, ics.Source{ID: s.ID, URL: s.URL, Username: s.Username, Password: s.Password})
	}
	return out
}

// PollerOptions converts the keyword and hint settings.
func (c *Config) PollerOptions() calendar.Options {
	hints := make([]calendar.Hint, 0, len(c.Calendar.Hints))
	for _, h := range c.Calendar.Hints {
		hints = append(hints, calendar.Hint{Keyword: h.Keyword, Emoji: model.EmojiID(h.Emoji)})
	}
	return calendar.Options{
		Keywords: c.Calendar.Keywords,
		Hints:    hints,
		Timeout:  c.RemoteTimeout(),
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	cfg := Config{Defaults: DefaultsConfig{Seed: true}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600 perms,
// creating the parent directory with 0700.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".presenced-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
