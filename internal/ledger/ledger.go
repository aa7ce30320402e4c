package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"cronward/internal/storage"
	logx "cronward/pkg/logx"
)

const (
	DefaultStaleAfter = 2 * time.Hour

	zombieMessage   = "forced cleanup of zombie task"
	zombieErrorType = "zombie"
)

// Observer receives ledger outcomes, typically for metrics.
type Observer interface {
	AcquireOutcome(taskType, outcome string)
	ZombieReclaimed(taskType string)
	Completed(taskType string, status Status, took time.Duration)
}

// Acquire outcomes reported to Observer.
const (
	OutcomeAcquired = "acquired"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"
)

type nopObserver struct{}

func (nopObserver) AcquireOutcome(string, string)           {}
func (nopObserver) ZombieReclaimed(string)                  {}
func (nopObserver) Completed(string, Status, time.Duration) {}

// Ledger is the single owner of task_executions status transitions.
type Ledger struct {
	db         *storage.DB
	log        logx.Logger
	obs        Observer
	now        func() time.Time
	staleAfter time.Duration
	hostname   string
	pid        int
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithStaleAfter sets the zombie threshold; non-positive values keep the default.
func WithStaleAfter(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.staleAfter = d
		}
	}
}

func WithHostname(h string) Option {
	return func(l *Ledger) {
		if strings.TrimSpace(h) != "" {
			l.hostname = h
		}
	}
}

func WithObserver(o Observer) Option {
	return func(l *Ledger) {
		if o != nil {
			l.obs = o
		}
	}
}

func New(db *storage.DB, log logx.Logger, opts ...Option) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	host, _ := os.Hostname()
	l := &Ledger{
		db:         db,
		log:        log,
		obs:        nopObserver{},
		now:        time.Now,
		staleAfter: DefaultStaleAfter,
		hostname:   host,
		pid:        os.Getpid(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Ledger) StaleAfter() time.Duration { return l.staleAfter }

type acquireOpts struct {
	trigger Trigger
	message string
	details map[string]any
}

type AcquireOption func(*acquireOpts)

func WithTrigger(t Trigger) AcquireOption { return func(o *acquireOpts) { o.trigger = t } }

func WithStartMessage(m string) AcquireOption { return func(o *acquireOpts) { o.message = m } }

func WithDetails(d map[string]any) AcquireOption { return func(o *acquireOpts) { o.details = d } }

// Acquire reclaims zombies for taskType and then atomically claims the run slot.
//
// Storage failures fail closed: the result is not acquired and the error
// matches ErrUnavailable.
func (l *Ledger) Acquire(ctx context.Context, taskType string, opts ...AcquireOption) (LockResult, error) {
	taskType = strings.TrimSpace(taskType)
	if taskType == "" {
		return LockResult{}, errors.New("task type is required")
	}
	ao := acquireOpts{trigger: TriggerSchedule}
	for _, o := range opts {
		o(&ao)
	}
	if ao.message == "" {
		ao.message = "started " + taskType
	}

	res, err := l.acquireTx(ctx, taskType, ao)
	switch {
	case err == nil:
	case storage.IsUniqueViolation(err):
		// A concurrent acquirer committed first.
		res = LockResult{}
	default:
		l.obs.AcquireOutcome(taskType, OutcomeFailed)
		l.log.Error("acquire failed; refusing to run unprotected", logx.TaskType(taskType), logx.Err(err))
		return LockResult{}, errors.Mark(errors.Wrapf(err, "acquire %s", taskType), ErrUnavailable)
	}

	for range res.Reclaimed {
		l.obs.ZombieReclaimed(taskType)
	}
	if res.Acquired {
		l.obs.AcquireOutcome(taskType, OutcomeAcquired)
		l.log.Debug("lock acquired", logx.TaskType(taskType), logx.ExecID(res.ExecutionID), logx.String("trigger", string(ao.trigger)))
	} else {
		l.obs.AcquireOutcome(taskType, OutcomeSkipped)
	}
	return res, nil
}

func (l *Ledger) acquireTx(ctx context.Context, taskType string, ao acquireOpts) (res LockResult, err error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return res, errors.Wrap(err, "begin")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := l.now()
	nowMS := storage.UnixMilli(now)

	reclaimed, err := l.reclaimZombiesTx(ctx, tx, taskType, now)
	if err != nil {
		return res, err
	}
	res.Reclaimed = reclaimed

	var holder int64
	err = tx.QueryRowContext(ctx, l.db.Rebind(
		`SELECT id FROM task_executions WHERE task_type = ? AND status = ? LIMIT 1`),
		taskType, string(StatusRunning)).Scan(&holder)
	switch {
	case err == nil:
		res.HolderID = holder
		return res, tx.Commit()
	case !errors.Is(err, sql.ErrNoRows):
		return res, errors.Wrap(err, "check running")
	}

	details, err := encodeDetails(ao.details)
	if err != nil {
		return res, err
	}
	token := uuid.NewString()
	var id int64
	err = tx.QueryRowContext(ctx, l.db.Rebind(
		`INSERT INTO task_executions
		   (task_type, status, trigger_source, started_at, updated_at, message, details, hostname, process_id, lock_token)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING id`),
		taskType, string(StatusRunning), string(ao.trigger), nowMS, nowMS, ao.message, details, l.hostname, l.pid, token,
	).Scan(&id)
	if err != nil {
		return res, errors.Wrap(err, "insert execution")
	}
	if err = tx.Commit(); err != nil {
		return res, errors.Wrap(err, "commit")
	}
	res.Acquired = true
	res.ExecutionID = id
	res.LockToken = token
	return res, nil
}

// reclaimZombiesTx moves stale running rows of taskType to error. Counters are kept.
func (l *Ledger) reclaimZombiesTx(ctx context.Context, tx *sql.Tx, taskType string, now time.Time) ([]int64, error) {
	nowMS := storage.UnixMilli(now)
	cutoff := storage.UnixMilli(now.Add(-l.staleAfter))

	rows, err := tx.QueryContext(ctx, l.db.Rebind(
		`SELECT id, updated_at FROM task_executions WHERE task_type = ? AND status = ? AND updated_at < ?`),
		taskType, string(StatusRunning), cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "find zombies")
	}
	type zombie struct{ id, updated int64 }
	var found []zombie
	for rows.Next() {
		var z zombie
		if err := rows.Scan(&z.id, &z.updated); err != nil {
			_ = rows.Close()
			return nil, errors.Wrap(err, "scan zombie")
		}
		found = append(found, z)
	}
	if err := rows.Close(); err != nil {
		return nil, errors.Wrap(err, "close zombie rows")
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate zombies")
	}

	ids := make([]int64, 0, len(found))
	for _, z := range found {
		_, err := tx.ExecContext(ctx, l.db.Rebind(
			`UPDATE task_executions
			    SET status = ?, message = ?, error_message = ?, error_type = ?,
			        ended_at = ?, updated_at = ?,
			        duration_seconds = CASE WHEN started_at < ? THEN (? - started_at) / 1000 ELSE 0 END
			  WHERE id = ? AND status = ?`),
			string(StatusError), zombieMessage, zombieMessage, zombieErrorType,
			nowMS, nowMS, nowMS, nowMS,
			z.id, string(StatusRunning))
		if err != nil {
			return nil, errors.Wrapf(err, "reclaim zombie %d", z.id)
		}
		ids = append(ids, z.id)
		l.log.Warn("zombie execution reclaimed",
			logx.TaskType(taskType),
			logx.ExecID(z.id),
			logx.Duration("stale_for", now.Sub(storage.FromUnixMilli(z.updated))),
			logx.Duration("threshold", l.staleAfter),
		)
	}
	return ids, nil
}

// Heartbeat refreshes updated_at and applies p to a running execution held by token.
// updated_at and the item counters never move backwards.
func (l *Ledger) Heartbeat(ctx context.Context, id int64, token string, p Progress) error {
	if token == "" {
		return errors.Wrapf(ErrTokenMismatch, "execution %d: empty token", id)
	}
	nowMS := storage.UnixMilli(l.now())

	sets := []string{`updated_at = CASE WHEN updated_at > ? THEN updated_at ELSE ? END`}
	args := []any{nowMS, nowMS}
	maxCol := func(col string, v *int64) {
		if v == nil {
			return
		}
		sets = append(sets, col+` = CASE WHEN `+col+` > ? THEN `+col+` ELSE ? END`)
		args = append(args, *v, *v)
	}
	maxCol("items_processed", p.ItemsProcessed)
	maxCol("items_success", p.ItemsSuccess)
	maxCol("items_failed", p.ItemsFailed)
	if p.Message != nil {
		sets = append(sets, `message = ?`)
		args = append(args, *p.Message)
	}
	if p.Current != nil {
		sets = append(sets, `progress_current = ?`)
		args = append(args, *p.Current)
	}
	if p.Total != nil {
		sets = append(sets, `progress_total = ?`)
		args = append(args, *p.Total)
	}
	if p.Current != nil && p.Total != nil {
		sets = append(sets, `progress_percentage = ?`)
		args = append(args, percentage(*p.Current, *p.Total))
	}

	q := `UPDATE task_executions SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND status = ? AND lock_token = ?`
	args = append(args, id, string(StatusRunning), token)
	r, err := l.db.ExecContext(ctx, l.db.Rebind(q), args...)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "heartbeat %d", id), ErrUnavailable)
	}
	if n, _ := r.RowsAffected(); n > 0 {
		return nil
	}
	return l.explainMiss(ctx, id, token)
}

// explainMiss classifies an update that matched no rows.
func (l *Ledger) explainMiss(ctx context.Context, id int64, token string) error {
	var (
		status string
		held   string
	)
	err := l.db.QueryRowContext(ctx, l.db.Rebind(`SELECT status, lock_token FROM task_executions WHERE id = ?`), id).Scan(&status, &held)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return errors.Wrapf(ErrNotFound, "execution %d", id)
	case err != nil:
		return errors.Mark(errors.Wrapf(err, "load execution %d", id), ErrUnavailable)
	case Status(status) != StatusRunning:
		return errors.Wrapf(ErrNotRunning, "execution %d is %s", id, status)
	case held != token:
		return errors.Wrapf(ErrTokenMismatch, "execution %d", id)
	}
	return nil
}

// Complete moves a running execution to a terminal status. Completing an
// already terminal execution is a no-op.
func (l *Ledger) Complete(ctx context.Context, id int64, token string, status Status, sum Summary) (err error) {
	if !status.Terminal() {
		return errors.Wrapf(ErrInvalidStatus, "complete with %q", status)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "begin"), ErrUnavailable)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var (
		taskType, cur, held string
		startedMS           int64
		rawDetails          sql.NullString
	)
	err = tx.QueryRowContext(ctx, l.db.Rebind(
		`SELECT task_type, status, lock_token, started_at, details FROM task_executions WHERE id = ?`), id).
		Scan(&taskType, &cur, &held, &startedMS, &rawDetails)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(ErrNotFound, "execution %d", id)
	}
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "load execution %d", id), ErrUnavailable)
	}
	if Status(cur).Terminal() {
		l.log.Debug("complete ignored; already terminal", logx.ExecID(id), logx.String("status", cur))
		return tx.Commit()
	}
	if held != token {
		return errors.Wrapf(ErrTokenMismatch, "execution %d", id)
	}

	details, err := mergeDetails(rawDetails, sum.Details)
	if err != nil {
		return err
	}

	endMS := max(storage.UnixMilli(l.now()), startedMS)
	durSec := (endMS - startedMS) / 1000

	sets := []string{
		`status = ?`, `ended_at = ?`, `duration_seconds = ?`, `details = ?`,
		`updated_at = CASE WHEN updated_at > ? THEN updated_at ELSE ? END`,
	}
	args := []any{string(status), endMS, durSec, details, endMS, endMS}
	if sum.Message != "" {
		sets = append(sets, `message = ?`)
		args = append(args, sum.Message)
	}
	for _, c := range []struct {
		col string
		v   *int64
	}{
		{"items_processed", sum.ItemsProcessed},
		{"items_success", sum.ItemsSuccess},
		{"items_failed", sum.ItemsFailed},
	} {
		if c.v != nil {
			sets = append(sets, c.col+` = CASE WHEN `+c.col+` > ? THEN `+c.col+` ELSE ? END`)
			args = append(args, *c.v, *c.v)
		}
	}
	if status == StatusError {
		sets = append(sets, `error_message = ?`, `error_type = ?`, `stack_trace = ?`)
		args = append(args, storage.NullStr(sum.ErrorMessage), storage.NullStr(sum.ErrorType), storage.NullStr(sum.StackTrace))
	}
	args = append(args, id, string(StatusRunning))

	q := `UPDATE task_executions SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND status = ?`
	if _, err = tx.ExecContext(ctx, l.db.Rebind(q), args...); err != nil {
		return errors.Mark(errors.Wrapf(err, "complete %d", id), ErrUnavailable)
	}
	if err = tx.Commit(); err != nil {
		return errors.Mark(errors.Wrap(err, "commit"), ErrUnavailable)
	}

	took := time.Duration(endMS-startedMS) * time.Millisecond
	l.obs.Completed(taskType, status, took)
	l.log.Debug("execution completed", logx.TaskType(taskType), logx.ExecID(id), logx.String("status", string(status)), logx.Duration("took", took))
	return nil
}

func percentage(cur, total int64) int {
	if total <= 0 {
		return 0
	}
	p := cur * 100 / total
	return int(min(max(p, 0), 100))
}

func encodeDetails(d map[string]any) (any, error) {
	if len(d) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, errors.Wrap(err, "encode details")
	}
	return string(b), nil
}

func decodeDetails(raw sql.NullString) map[string]any {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return map[string]any{"raw": raw.String}
	}
	return m
}

func mergeDetails(raw sql.NullString, extra map[string]any) (any, error) {
	cur := decodeDetails(raw)
	if len(extra) == 0 {
		if cur == nil {
			return nil, nil
		}
		return raw.String, nil
	}
	if cur == nil {
		cur = make(map[string]any, len(extra))
	}
	for k, v := range extra {
		cur[k] = v
	}
	return encodeDetails(cur)
}
