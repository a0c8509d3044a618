package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"presenced/internal/model"
)

var (
	ErrNotFound  = errors.New("rule not found")
	ErrDuplicate = errors.New("duplicate")
)

// Store is the SQLite-backed rule repository. A single connection serializes
// every statement, so no reader ever observes a partially written rule.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("open: empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

const ruleColumns = `id, emoji_id, kind, class, days, time_start, time_end, priority, name, date_start, date_end, enabled`

// Create validates and inserts a rule, returning its new id.
func (s *Store) Create(ctx context.Context, r model.Rule) (int64, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}
	var days, timeStart, timeEnd, dateStart, dateEnd any
	switch r.Kind {
	case model.KindRecurring:
		days = r.Days.String()
		timeStart = r.TimeStart.String()
		timeEnd = r.TimeEnd.String()
	case model.KindDateRange:
		days = ""
		dateStart = r.DateStart.String()
		dateEnd = r.DateEnd.String()
		if r.HasTime {
			timeStart = r.TimeStart.String()
			timeEnd = r.TimeEnd.String()
		}
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO rules(emoji_id, kind, class, days, time_start, time_end, priority, name, date_start, date_end, enabled, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, string(r.Emoji), string(r.Kind), string(r.Class), days, timeStart, timeEnd, r.Priority, r.Name, dateStart, dateEnd, boolToInt(r.Enabled), ts(time.Now()))
	if err != nil {
		if isUniqueErr(err) {
			return 0, fmt.Errorf("insert rule: %w", ErrDuplicate)
		}
		return 0, fmt.Errorf("insert rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert rule: last id: %w", err)
	}
	return id, nil
}

// Get returns the rule with the given id or ErrNotFound.
func (s *Store) Get(ctx context.Context, id int64) (model.Rule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Rule{}, fmt.Errorf("get rule %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Rule{}, fmt.Errorf("get rule %d: %w", id, err)
	}
	return r, nil
}

// List returns every stored rule ordered by id, expired or not.
func (s *Store) List(ctx context.Context) ([]model.Rule, error) {
	return s.query(ctx, `SELECT `+ruleColumns+` FROM rules ORDER BY id`)
}

// ListActive returns all rules except date ranges that ended before the
// calendar date of asOf (in asOf's location). Disabled rules are included;
// the resolver skips them.
func (s *Store) ListActive(ctx context.Context, asOf time.Time) ([]model.Rule, error) {
	today := model.DateOf(asOf).String()
	return s.query(ctx, `SELECT `+ruleColumns+` FROM rules
WHERE kind != 'date_range' OR date_end >= ?
ORDER BY id`, today)
}

// FindByClass returns the rules of one class ordered by id.
func (s *Store) FindByClass(ctx context.Context, class model.Class) ([]model.Rule, error) {
	return s.query(ctx, `SELECT `+ruleColumns+` FROM rules WHERE class = ? ORDER BY id`, string(class))
}

// Delete removes a rule; ErrNotFound when it does not exist.
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete rule %d: %w", id, err)
	}
	return requireAffected(res, fmt.Sprintf("delete rule %d", id))
}

// ClearAll deletes every rule and returns how many were removed.
func (s *Store) ClearAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rules`)
	if err != nil {
		return 0, fmt.Errorf("clear rules: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear rules: rows affected: %w", err)
	}
	return n, nil
}

// SetEnabled toggles a rule's participation in resolution.
func (s *Store) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE rules SET enabled = ? WHERE id = ?`, boolToInt(enabled), id)
	if err != nil {
		return fmt.Errorf("set enabled %d: %w", id, err)
	}
	return requireAffected(res, fmt.Sprintf("set enabled %d", id))
}

// SetEmoji replaces a rule's emoji. Priority stays immutable.
func (s *Store) SetEmoji(ctx context.Context, id int64, emoji model.EmojiID) error {
	if emoji == "" {
		return &model.ValidationError{Field: "emoji", Msg: "must not be empty"}
	}
	res, err := s.db.ExecContext(ctx, `UPDATE rules SET emoji_id = ? WHERE id = ?`, string(emoji), id)
	if err != nil {
		return fmt.Errorf("set emoji %d: %w", id, err)
	}
	return requireAffected(res, fmt.Sprintf("set emoji %d", id))
}

// DeleteExpiredBefore removes date-range rules whose end date is strictly
// before today and returns the number deleted.
func (s *Store) DeleteExpiredBefore(ctx context.Context, today model.Date) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE kind = 'date_range' AND date_end < ?`, today.String())
	if err != nil {
		return 0, fmt.Errorf("delete expired rules: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired rules: rows affected: %w", err)
	}
	return n, nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]model.Rule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	out := make([]model.Rule, 0)
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	return out, nil
}

func scanRule(scanner interface{ Scan(dest ...any) error }) (model.Rule, error) {
	var (
		r                  model.Rule
		emoji, kind, class string
		days               string
		timeStart, timeEnd sql.NullString
		dateStart, dateEnd sql.NullString
		enabled            int
	)
	if err := scanner.Scan(&r.ID, &emoji, &kind, &class, &days, &timeStart, &timeEnd, &r.Priority, &r.Name, &dateStart, &dateEnd, &enabled); err != nil {
		return model.Rule{}, err
	}
	r.Emoji = model.EmojiID(emoji)
	r.Kind = model.Kind(kind)
	r.Class = model.Class(class)
	r.Enabled = enabled != 0

	var err error
	if r.Days, err = model.ParseWeekdays(days); err != nil {
		return model.Rule{}, fmt.Errorf("rule %d: %w", r.ID, err)
	}
	if timeStart.Valid && timeEnd.Valid {
		if r.TimeStart, err = model.ParseTimeOfDay(timeStart.String); err != nil {
			return model.Rule{}, fmt.Errorf("rule %d: %w", r.ID, err)
		}
		if r.TimeEnd, err = model.ParseTimeOfDay(timeEnd.String); err != nil {
			return model.Rule{}, fmt.Errorf("rule %d: %w", r.ID, err)
		}
		r.HasTime = r.Kind == model.KindDateRange
	}
	if dateStart.Valid && dateEnd.Valid {
		if r.DateStart, err = model.ParseDate(dateStart.String); err != nil {
			return model.Rule{}, fmt.Errorf("rule %d: %w", r.ID, err)
		}
		if r.DateEnd, err = model.ParseDate(dateEnd.String); err != nil {
			return model.Rule{}, fmt.Errorf("rule %d: %w", r.ID, err)
		}
	}
	return r, nil
}

func requireAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
