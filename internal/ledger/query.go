package ledger

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"cronward/internal/storage"
	logx "cronward/pkg/logx"
)

const executionColumns = `id, task_type, status, trigger_source, started_at, updated_at, ended_at,
	message, items_processed, items_success, items_failed,
	progress_current, progress_total, progress_percentage,
	error_message, error_type, stack_trace, details, duration_seconds,
	hostname, process_id, lock_token`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(r rowScanner) (Execution, error) {
	var (
		e                          Execution
		status, trigger            string
		started, updated           int64
		ended                      sql.NullInt64
		cur, total, pct, dur       sql.NullInt64
		errMsg, errType, stack, dt sql.NullString
	)
	err := r.Scan(&e.ID, &e.TaskType, &status, &trigger, &started, &updated, &ended,
		&e.Message, &e.ItemsProcessed, &e.ItemsSuccess, &e.ItemsFailed,
		&cur, &total, &pct,
		&errMsg, &errType, &stack, &dt, &dur,
		&e.Hostname, &e.ProcessID, &e.LockToken)
	if err != nil {
		return Execution{}, err
	}
	e.Status = Status(status)
	e.Trigger = Trigger(trigger)
	e.StartedAt = storage.FromUnixMilli(started)
	e.UpdatedAt = storage.FromUnixMilli(updated)
	if ended.Valid {
		e.EndedAt = Ptr(storage.FromUnixMilli(ended.Int64))
	}
	if cur.Valid {
		e.ProgressCurrent = Ptr(cur.Int64)
	}
	if total.Valid {
		e.ProgressTotal = Ptr(total.Int64)
	}
	if pct.Valid {
		e.ProgressPercentage = Ptr(int(pct.Int64))
	}
	if dur.Valid {
		e.DurationSeconds = Ptr(dur.Int64)
	}
	e.ErrorMessage = errMsg.String
	e.ErrorType = errType.String
	e.StackTrace = stack.String
	e.Details = decodeDetails(dt)
	return e, nil
}

func (l *Ledger) queryExecutions(ctx context.Context, q string, args ...any) ([]Execution, error) {
	rows, err := l.db.QueryContext(ctx, l.db.Rebind(q), args...)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "query executions"), ErrUnavailable)
	}
	defer rows.Close()
	out := make([]Execution, 0, 16)
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan execution")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "iterate executions"), ErrUnavailable)
	}
	return out, nil
}

// Get returns one execution by id.
func (l *Ledger) Get(ctx context.Context, id int64) (Execution, error) {
	row := l.db.QueryRowContext(ctx, l.db.Rebind(`SELECT `+executionColumns+` FROM task_executions WHERE id = ?`), id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Execution{}, errors.Wrapf(ErrNotFound, "execution %d", id)
	}
	if err != nil {
		return Execution{}, errors.Mark(errors.Wrapf(err, "get execution %d", id), ErrUnavailable)
	}
	return e, nil
}

// Running lists executions currently holding a run slot, oldest first.
func (l *Ledger) Running(ctx context.Context) ([]Execution, error) {
	return l.queryExecutions(ctx,
		`SELECT `+executionColumns+` FROM task_executions WHERE status = ? ORDER BY started_at ASC, id ASC`,
		string(StatusRunning))
}

// QueryHistory returns executions newest first.
func (l *Ledger) QueryHistory(ctx context.Context, q Query) ([]Execution, error) {
	limit := q.Limit
	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}
	offset := max(q.Offset, 0)

	var (
		where []string
		args  []any
	)
	if tt := strings.TrimSpace(q.TaskType); tt != "" {
		where = append(where, `task_type = ?`)
		args = append(args, tt)
	}
	if q.Status != "" {
		where = append(where, `status = ?`)
		args = append(args, string(q.Status))
	}
	if !q.Since.IsZero() {
		where = append(where, `started_at >= ?`)
		args = append(args, storage.UnixMilli(q.Since))
	}
	if !q.Until.IsZero() {
		where = append(where, `started_at < ?`)
		args = append(args, storage.UnixMilli(q.Until))
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + executionColumns + ` FROM task_executions`)
	if len(where) > 0 {
		b.WriteString(` WHERE ` + strings.Join(where, ` AND `))
	}
	b.WriteString(` ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`)
	args = append(args, limit, offset)
	return l.queryExecutions(ctx, b.String(), args...)
}

const recentErrorsLimit = 10

// Statistics aggregates executions started within the last days days.
// The running count is not bounded by the period.
func (l *Ledger) Statistics(ctx context.Context, days int) (Stats, error) {
	if days <= 0 {
		days = 7
	}
	cutoff := storage.UnixMilli(l.now().Add(-time.Duration(days) * 24 * time.Hour))
	st := Stats{PeriodDays: days, ByType: []TypeStats{}, RecentErrors: []Execution{}}

	rows, err := l.db.QueryContext(ctx, l.db.Rebind(
		`SELECT task_type,
		        COUNT(*),
		        SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END),
		        SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END),
		        CAST(AVG(duration_seconds) AS DOUBLE PRECISION)
		   FROM task_executions
		  WHERE started_at >= ?
		  GROUP BY task_type
		  ORDER BY task_type`), cutoff)
	if err != nil {
		return Stats{}, errors.Mark(errors.Wrap(err, "stats by type"), ErrUnavailable)
	}
	for rows.Next() {
		var (
			ts  TypeStats
			avg sql.NullFloat64
		)
		if err := rows.Scan(&ts.TaskType, &ts.Total, &ts.Success, &ts.Error, &avg); err != nil {
			_ = rows.Close()
			return Stats{}, errors.Wrap(err, "scan stats")
		}
		ts.AvgDurationSeconds = avg.Float64
		ts.SuccessRate = rate(ts.Success, ts.Total)
		st.Total += ts.Total
		st.Success += ts.Success
		st.Error += ts.Error
		st.ByType = append(st.ByType, ts)
	}
	if err := rows.Close(); err != nil {
		return Stats{}, errors.Wrap(err, "close stats rows")
	}
	if err := rows.Err(); err != nil {
		return Stats{}, errors.Mark(errors.Wrap(err, "iterate stats"), ErrUnavailable)
	}
	st.SuccessRate = rate(st.Success, st.Total)

	err = l.db.QueryRowContext(ctx, l.db.Rebind(`SELECT COUNT(*) FROM task_executions WHERE status = ?`),
		string(StatusRunning)).Scan(&st.Running)
	if err != nil {
		return Stats{}, errors.Mark(errors.Wrap(err, "count running"), ErrUnavailable)
	}

	recent, err := l.queryExecutions(ctx,
		`SELECT `+executionColumns+` FROM task_executions
		  WHERE status = ? AND started_at >= ?
		  ORDER BY started_at DESC, id DESC LIMIT ?`,
		string(StatusError), cutoff, recentErrorsLimit)
	if err != nil {
		return Stats{}, err
	}
	st.RecentErrors = recent
	return st, nil
}

// Overview reports the 1, 7 and 30 day statistics together with the
// executions running now.
func (l *Ledger) Overview(ctx context.Context) (Overview, error) {
	var windows [3]Stats
	for i, days := range []int{1, 7, 30} {
		st, err := l.Statistics(ctx, days)
		if err != nil {
			return Overview{}, errors.Wrapf(err, "%d day statistics", days)
		}
		windows[i] = st
	}
	running, err := l.Running(ctx)
	if err != nil {
		return Overview{}, err
	}
	ov := Overview{
		RunningCount: len(running),
		RunningTasks: make([]RunningTask, 0, len(running)),
		Last24Hours:  windowOf(windows[0]),
		Last7Days:    windowOf(windows[1]),
		Last30Days:   windowOf(windows[2]),
		ByType:       windows[1].ByType,
		RecentErrors: windows[1].RecentErrors,
	}
	for _, e := range running {
		ov.RunningTasks = append(ov.RunningTasks, RunningTask{ID: e.ID, TaskType: e.TaskType, StartedAt: e.StartedAt, Message: e.Message})
	}
	return ov, nil
}

// Cleanup deletes terminal executions started before now-retention.
// Running rows are never removed.
func (l *Ledger) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, errors.Newf("retention must be positive, got %s", retention)
	}
	cutoff := storage.UnixMilli(l.now().Add(-retention))
	r, err := l.db.ExecContext(ctx, l.db.Rebind(
		`DELETE FROM task_executions WHERE status <> ? AND started_at < ?`),
		string(StatusRunning), cutoff)
	if err != nil {
		return 0, errors.Mark(errors.Wrap(err, "cleanup"), ErrUnavailable)
	}
	n, _ := r.RowsAffected()
	l.log.Info("execution history cleaned", logx.Int64("deleted", n), logx.Duration("retention", retention))
	return n, nil
}

const forcedTerminationType = "forced_termination"

// ForceCompleteRunning marks every running execution as error. It is meant
// for startup, when no run from a previous process can still be alive.
func (l *Ledger) ForceCompleteRunning(ctx context.Context, reason string) (int64, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "terminated by process restart"
	}
	nowMS := storage.UnixMilli(l.now())
	r, err := l.db.ExecContext(ctx, l.db.Rebind(
		`UPDATE task_executions
		    SET status = ?, message = ?, error_message = ?, error_type = ?,
		        ended_at = CASE WHEN started_at > ? THEN started_at ELSE ? END,
		        updated_at = CASE WHEN updated_at > ? THEN updated_at ELSE ? END,
		        duration_seconds = CASE WHEN started_at < ? THEN (? - started_at) / 1000 ELSE 0 END
		  WHERE status = ?`),
		string(StatusError), reason, reason, forcedTerminationType,
		nowMS, nowMS, nowMS, nowMS, nowMS, nowMS,
		string(StatusRunning))
	if err != nil {
		return 0, errors.Mark(errors.Wrap(err, "force complete"), ErrUnavailable)
	}
	n, _ := r.RowsAffected()
	if n > 0 {
		l.log.Warn("running executions force completed", logx.Int64("count", n), logx.String("reason", reason))
	}
	return n, nil
}

// Record inserts an already terminal execution, used for audit entries
// such as driver recoveries.
func (l *Ledger) Record(ctx context.Context, rec AuditRecord) (int64, error) {
	if strings.TrimSpace(rec.TaskType) == "" {
		return 0, errors.New("task type is required")
	}
	if rec.Status == "" {
		rec.Status = StatusSuccess
	}
	if !rec.Status.Terminal() {
		return 0, errors.Wrapf(ErrInvalidStatus, "record with %q", rec.Status)
	}
	if rec.Trigger == "" {
		rec.Trigger = TriggerManual
	}
	details, err := encodeDetails(rec.Details)
	if err != nil {
		return 0, err
	}
	var errMsg, errType any
	if rec.Status == StatusError {
		errMsg, errType = storage.NullStr(rec.ErrorMessage), storage.NullStr(rec.ErrorType)
	}
	nowMS := storage.UnixMilli(l.now())
	var id int64
	err = l.db.QueryRowContext(ctx, l.db.Rebind(
		`INSERT INTO task_executions
		   (task_type, status, trigger_source, started_at, updated_at, ended_at, duration_seconds,
		    message, error_message, error_type, details, hostname, process_id)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)
		 RETURNING id`),
		rec.TaskType, string(rec.Status), string(rec.Trigger), nowMS, nowMS, nowMS,
		rec.Message, errMsg, errType, details, l.hostname, l.pid,
	).Scan(&id)
	if err != nil {
		return 0, errors.Mark(errors.Wrap(err, "record audit row"), ErrUnavailable)
	}
	return id, nil
}
