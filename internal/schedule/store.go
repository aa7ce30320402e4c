// Package schedule persists the cron entries the driver registers.
package schedule

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"cronward/internal/storage"
	logx "cronward/pkg/logx"
)

var (
	ErrNotFound    = errors.New("schedule entry not found")
	ErrInvalidCron = errors.New("invalid cron expression")
)

// parser accepts 5-field expressions, an optional leading seconds field and
// descriptors such as @daily.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Parse compiles expr evaluated in loc. A nil loc keeps the parser default (local time).
func Parse(expr string, loc *time.Location) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.Wrap(ErrInvalidCron, "empty expression")
	}
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "parse %q", expr), ErrInvalidCron)
	}
	// An explicit CRON_TZ prefix wins over loc.
	if spec, ok := s.(*cron.SpecSchedule); ok && loc != nil && !strings.Contains(expr, "TZ=") {
		spec.Location = loc
	}
	return s, nil
}

// Validate reports whether expr is accepted by Parse.
func Validate(expr string) error {
	_, err := Parse(expr, time.UTC)
	return err
}

type Entry struct {
	TaskType       string    `json:"task_type"`
	CronExpression string    `json:"cron_expression"`
	Enabled        bool      `json:"enabled"`
	Description    string    `json:"description"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Patch is a partial update; nil fields are left unchanged.
type Patch struct {
	CronExpression *string `json:"cron_expression,omitempty"`
	Enabled        *bool   `json:"enabled,omitempty"`
	Description    *string `json:"description,omitempty"`
}

// Default is a seed entry.
type Default struct {
	TaskType       string
	CronExpression string
	Enabled        bool
	Description    string
}

type Store struct {
	db  *storage.DB
	log logx.Logger
	now func() time.Time
}

func NewStore(db *storage.DB, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{db: db, log: log, now: time.Now}
}

// SetClock overrides the time source used for created_at and updated_at.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

const entryColumns = `task_type, cron_expression, enabled, description, created_at, updated_at`

func scanEntry(r interface{ Scan(...any) error }) (Entry, error) {
	var (
		e                Entry
		created, updated int64
	)
	if err := r.Scan(&e.TaskType, &e.CronExpression, &e.Enabled, &e.Description, &created, &updated); err != nil {
		return Entry{}, err
	}
	e.CreatedAt = storage.FromUnixMilli(created)
	e.UpdatedAt = storage.FromUnixMilli(updated)
	return e, nil
}

func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM schedule_entries ORDER BY task_type`)
	if err != nil {
		return nil, errors.Wrap(err, "list schedules")
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan schedule")
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate schedules")
}

func (s *Store) Get(ctx context.Context, taskType string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT `+entryColumns+` FROM schedule_entries WHERE task_type = ?`), taskType)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, errors.Wrapf(ErrNotFound, "%q", taskType)
	}
	if err != nil {
		return Entry{}, errors.Wrapf(err, "get schedule %q", taskType)
	}
	return e, nil
}

// Update applies p to an existing entry. The cron expression is validated
// before anything is written.
func (s *Store) Update(ctx context.Context, taskType string, p Patch) (Entry, error) {
	var (
		sets []string
		args []any
	)
	if p.CronExpression != nil {
		expr := strings.TrimSpace(*p.CronExpression)
		if err := Validate(expr); err != nil {
			return Entry{}, err
		}
		sets = append(sets, `cron_expression = ?`)
		args = append(args, expr)
	}
	if p.Enabled != nil {
		sets = append(sets, `enabled = ?`)
		args = append(args, *p.Enabled)
	}
	if p.Description != nil {
		sets = append(sets, `description = ?`)
		args = append(args, *p.Description)
	}
	if len(sets) == 0 {
		return s.Get(ctx, taskType)
	}
	sets = append(sets, `updated_at = ?`)
	args = append(args, storage.UnixMilli(s.now()), taskType)

	r, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE schedule_entries SET `+strings.Join(sets, ", ")+` WHERE task_type = ?`), args...)
	if err != nil {
		return Entry{}, errors.Wrapf(err, "update schedule %q", taskType)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return Entry{}, errors.Wrapf(ErrNotFound, "%q", taskType)
	}
	e, err := s.Get(ctx, taskType)
	if err == nil {
		s.log.Info("schedule updated", logx.TaskType(taskType), logx.String("cron", e.CronExpression), logx.Bool("enabled", e.Enabled))
	}
	return e, err
}

// SeedDefaults inserts entries that do not exist yet and returns how many were
// added. Rows already present, including operator edits, are left alone.
func (s *Store) SeedDefaults(ctx context.Context, defs []Default) (int, error) {
	for _, d := range defs {
		if strings.TrimSpace(d.TaskType) == "" {
			return 0, errors.New("seed: empty task type")
		}
		if err := Validate(d.CronExpression); err != nil {
			return 0, errors.Wrapf(err, "seed %q", d.TaskType)
		}
	}

	nowMS := storage.UnixMilli(s.now())
	q := s.db.Rebind(`INSERT INTO schedule_entries (` + entryColumns + `) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_type) DO NOTHING`)
	added := 0
	for _, d := range defs {
		r, err := s.db.ExecContext(ctx, q, strings.TrimSpace(d.TaskType), strings.TrimSpace(d.CronExpression), d.Enabled, d.Description, nowMS, nowMS)
		if err != nil {
			return added, errors.Wrapf(err, "seed %q", d.TaskType)
		}
		if n, _ := r.RowsAffected(); n > 0 {
			added++
			s.log.Info("schedule seeded", logx.TaskType(d.TaskType), logx.String("cron", d.CronExpression))
		}
	}
	return added, nil
}
