// Package admin serves the administrative HTTP API: schedules, run-now,
// execution history and health.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"cronward/internal/health"
	"cronward/internal/ledger"
	"cronward/internal/schedule"
	"cronward/internal/task/scheduler"
	logx "cronward/pkg/logx"
)

const (
	BasePath = "/api/v1"

	DefaultRunPerMinute = 6
)

var errBadRequest = errors.New("bad request")

// Ledger is the read and maintenance surface of the execution ledger.
type Ledger interface {
	Get(ctx context.Context, id int64) (ledger.Execution, error)
	Running(ctx context.Context) ([]ledger.Execution, error)
	QueryHistory(ctx context.Context, q ledger.Query) ([]ledger.Execution, error)
	Statistics(ctx context.Context, days int) (ledger.Stats, error)
	Overview(ctx context.Context) (ledger.Overview, error)
	Cleanup(ctx context.Context, retention time.Duration) (int64, error)
	ForceCompleteRunning(ctx context.Context, reason string) (int64, error)
}

type Schedules interface {
	List(ctx context.Context) ([]schedule.Entry, error)
	Update(ctx context.Context, taskType string, p schedule.Patch) (schedule.Entry, error)
}

type Driver interface {
	Snapshot() scheduler.Snapshot
	Reload(ctx context.Context) (int, error)
	RunNow(ctx context.Context, taskType string) (ledger.LockResult, error)
}

type Health interface {
	Check(ctx context.Context) health.Snapshot
}

type RateObserver interface {
	RateLimited(taskType string)
}

// Deps are the components the API reads and drives.
type Deps struct {
	Ledger    Ledger
	Schedules Schedules
	Driver    Driver
	Health    Health

	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Rate    RateObserver

	// Retention is the default for POST /executions/cleanup.
	Retention func() time.Duration
}

// API builds the router. It holds the per-task run-now limiters.
type API struct {
	deps  Deps
	log   logx.Logger
	pprof bool
	token string

	perMinute int
	limMu     sync.Mutex
	limiters  map[string]*rate.Limiter
}

type APIOption func(*API)

// WithToken requires "Authorization: Bearer <token>" on every route but /healthz.
func WithToken(token string) APIOption {
	return func(a *API) { a.token = strings.TrimSpace(token) }
}

func WithPprof(enabled bool) APIOption { return func(a *API) { a.pprof = enabled } }

// WithRunLimit sets how many run-now requests per task type are accepted
// each minute.
func WithRunLimit(perMinute int) APIOption {
	return func(a *API) {
		if perMinute > 0 {
			a.perMinute = perMinute
		}
	}
}

func NewAPI(deps Deps, log logx.Logger, opts ...APIOption) *API {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &API{deps: deps, log: log, perMinute: DefaultRunPerMinute, limiters: map[string]*rate.Limiter{}}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(a.auth)

		if a.deps.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", a.deps.Metrics)
		}
		if a.pprof {
			r.Mount("/debug", middleware.Profiler())
		}

		r.Route(BasePath, func(r chi.Router) {
			r.Get("/health", a.handleHealth)

			r.Get("/schedules", a.handleSchedules)
			r.Post("/schedules/reload", a.handleReload)
			r.Put("/schedules/{task_type}", a.handleUpdateSchedule)

			r.Post("/tasks/{task_type}/run", a.handleRun)

			r.Get("/executions", a.handleHistory)
			r.Get("/executions/running", a.handleRunning)
			r.Get("/executions/stats", a.handleStats)
			r.Get("/executions/stats/summary", a.handleOverview)
			r.Post("/executions/cleanup", a.handleCleanup)
			r.Post("/executions/force-complete", a.handleForceComplete)
			r.Get("/executions/{id}", a.handleGet)
		})
	})
	return r
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	// Unhealthy is still a 200: the body carries the reasons.
	writeJSON(w, http.StatusOK, a.deps.Health.Check(r.Context()))
}

// ScheduleView is a stored entry joined with the driver's view of it.
type ScheduleView struct {
	schedule.Entry
	Driver *scheduler.EntryInfo `json:"driver,omitempty"`
}

func (a *API) handleSchedules(w http.ResponseWriter, r *http.Request) {
	entries, err := a.deps.Schedules.List(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	snap := a.deps.Driver.Snapshot()
	byType := make(map[string]scheduler.EntryInfo, len(snap.Entries))
	for _, e := range snap.Entries {
		byType[e.TaskType] = e
	}
	views := make([]ScheduleView, 0, len(entries))
	for _, e := range entries {
		v := ScheduleView{Entry: e}
		if info, ok := byType[e.TaskType]; ok {
			v.Driver = &info
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"schedules": views,
		"driver": map[string]any{
			"alive":        snap.Alive,
			"generation":   snap.Generation,
			"heartbeat_at": snap.HeartbeatAt,
			"timezone":     snap.Timezone,
			"tick":         snap.Tick.String(),
		},
	})
}

type schedulePatch struct {
	CronExpression *string `json:"cron_expression"`
	Enabled        *bool   `json:"enabled"`
	Description    *string `json:"description"`
}

func (a *API) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	taskType := chi.URLParam(r, "task_type")
	var body schedulePatch
	if err := decodeBody(w, r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	e, err := a.deps.Schedules.Update(r.Context(), taskType, schedule.Patch{
		CronExpression: body.CronExpression,
		Enabled:        body.Enabled,
		Description:    body.Description,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	reloaded := true
	if _, err := a.deps.Driver.Reload(r.Context()); err != nil {
		if !errors.Is(err, scheduler.ErrNotRunning) {
			a.writeError(w, r, err)
			return
		}
		reloaded = false
	}
	a.log.Info("schedule updated", logx.TaskType(taskType), logx.String("cron", e.CronExpression), logx.Bool("enabled", e.Enabled))
	writeJSON(w, http.StatusOK, map[string]any{"schedule": e, "reloaded": reloaded})
}

func (a *API) handleReload(w http.ResponseWriter, r *http.Request) {
	n, err := a.deps.Driver.Reload(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"registered": n})
}

func (a *API) handleRun(w http.ResponseWriter, r *http.Request) {
	taskType := chi.URLParam(r, "task_type")
	if !a.limiter(taskType).Allow() {
		if a.deps.Rate != nil {
			a.deps.Rate.RateLimited(taskType)
		}
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "run-now rate limit exceeded for " + taskType})
		return
	}

	res, err := a.deps.Driver.RunNow(r.Context(), taskType)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if !res.Acquired {
		writeJSON(w, http.StatusConflict, map[string]any{
			"acquired":  false,
			"holder_id": res.HolderID,
			"message":   taskType + " is already running",
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"acquired":     true,
		"execution_id": res.ExecutionID,
		"reclaimed":    res.Reclaimed,
	})
}

func (a *API) limiter(taskType string) *rate.Limiter {
	a.limMu.Lock()
	defer a.limMu.Unlock()
	l, ok := a.limiters[taskType]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(a.perMinute)), a.perMinute)
		a.limiters[taskType] = l
	}
	return l
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	rows, err := a.deps.Ledger.QueryHistory(r.Context(), q)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": rows, "count": len(rows)})
}

func parseQuery(r *http.Request) (ledger.Query, error) {
	v := r.URL.Query()
	q := ledger.Query{TaskType: strings.TrimSpace(v.Get("task_type"))}
	if s := v.Get("status"); s != "" {
		st, err := ledger.ParseStatus(s)
		if err != nil {
			return q, err
		}
		q.Status = st
	}
	var err error
	if q.Limit, err = intParam(v.Get("limit"), "limit"); err != nil {
		return q, err
	}
	if q.Offset, err = intParam(v.Get("offset"), "offset"); err != nil {
		return q, err
	}
	if q.Since, err = timeParam(v.Get("since"), "since"); err != nil {
		return q, err
	}
	if q.Until, err = timeParam(v.Get("until"), "until"); err != nil {
		return q, err
	}
	return q, nil
}

func (a *API) handleRunning(w http.ResponseWriter, r *http.Request) {
	rows, err := a.deps.Ledger.Running(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": rows, "count": len(rows)})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r.URL.Query().Get("days"), "days")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	st, err := a.deps.Ledger.Statistics(r.Context(), days)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleOverview(w http.ResponseWriter, r *http.Request) {
	ov, err := a.deps.Ledger.Overview(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		a.writeError(w, r, errors.Mark(errors.Newf("invalid execution id %q", chi.URLParam(r, "id")), errBadRequest))
		return
	}
	e, err := a.deps.Ledger.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type cleanupRequest struct {
	Retention string `json:"retention"`
}

func (a *API) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var body cleanupRequest
	if err := decodeBody(w, r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	keep := 30 * 24 * time.Hour
	if a.deps.Retention != nil {
		if d := a.deps.Retention(); d > 0 {
			keep = d
		}
	}
	if s := strings.TrimSpace(body.Retention); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			a.writeError(w, r, errors.Mark(errors.Newf("invalid retention %q", s), errBadRequest))
			return
		}
		keep = d
	}
	n, err := a.deps.Ledger.Cleanup(r.Context(), keep)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.log.Info("retention cleanup via admin", logx.Int64("deleted", n), logx.Duration("retention", keep))
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n, "retention": keep.String()})
}

type forceCompleteRequest struct {
	Reason string `json:"reason"`
}

func (a *API) handleForceComplete(w http.ResponseWriter, r *http.Request) {
	var body forceCompleteRequest
	if err := decodeBody(w, r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	n, err := a.deps.Ledger.ForceCompleteRunning(r.Context(), body.Reason)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.log.Warn("running executions force-completed via admin", logx.Int64("count", n))
	writeJSON(w, http.StatusOK, map[string]any{"completed": n})
}

// decodeBody decodes an optional JSON body; an empty body leaves dst as is.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.Mark(errors.Wrap(err, "invalid json body"), errBadRequest)
	}
	return nil
}

func intParam(raw, name string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.Mark(errors.Newf("%s: expected a non-negative integer, got %q", name, raw), errBadRequest)
	}
	return n, nil
}

func timeParam(raw, name string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.Mark(errors.Newf("%s: expected RFC3339 time, got %q", name, raw), errBadRequest)
	}
	return t, nil
}
