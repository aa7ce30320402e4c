package ledger

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal statuses no longer count as holding the run slot.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusCancelled:
		return true
	}
	return false
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusRunning, StatusSuccess, StatusError, StatusCancelled:
		return st, nil
	}
	return "", errors.Wrapf(ErrInvalidStatus, "%q", s)
}

// Trigger records what started a run.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
	TriggerCLI      Trigger = "cli"
	TriggerRecovery Trigger = "recovery"
)

// SchedulerTaskType is the task type of driver recovery audit rows.
const SchedulerTaskType = "scheduler"

// Execution is one run attempt of a task type.
type Execution struct {
	ID       int64   `json:"id"`
	TaskType string  `json:"task_type"`
	Status   Status  `json:"status"`
	Trigger  Trigger `json:"trigger"`

	StartedAt time.Time  `json:"started_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	Message        string `json:"message"`
	ItemsProcessed int64  `json:"items_processed"`
	ItemsSuccess   int64  `json:"items_success"`
	ItemsFailed    int64  `json:"items_failed"`

	ProgressCurrent    *int64 `json:"progress_current,omitempty"`
	ProgressTotal      *int64 `json:"progress_total,omitempty"`
	ProgressPercentage *int   `json:"progress_percentage,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	ErrorType    string `json:"error_type,omitempty"`
	StackTrace   string `json:"stack_trace,omitempty"`

	Details         map[string]any `json:"details,omitempty"`
	DurationSeconds *int64         `json:"duration_seconds,omitempty"`

	Hostname  string `json:"hostname"`
	ProcessID int    `json:"process_id"`

	LockToken string `json:"-"`
}

// LockResult is the outcome of Acquire. Acquired=false with a nil error is
// an ordinary skip: another run holds the slot.
type LockResult struct {
	Acquired    bool    `json:"acquired"`
	ExecutionID int64   `json:"execution_id,omitempty"`
	LockToken   string  `json:"-"`
	HolderID    int64   `json:"holder_id,omitempty"`
	Reclaimed   []int64 `json:"reclaimed,omitempty"`
}

// Progress is a partial heartbeat update; nil fields are left unchanged.
type Progress struct {
	ItemsProcessed *int64
	ItemsSuccess   *int64
	ItemsFailed    *int64
	Current        *int64
	Total          *int64
	Message        *string
}

// Summary accompanies a terminal transition.
type Summary struct {
	Message        string
	ItemsProcessed *int64
	ItemsSuccess   *int64
	ItemsFailed    *int64
	Details        map[string]any

	// Error fields are stored only when the target status is error.
	ErrorMessage string
	ErrorType    string
	StackTrace   string
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Query filters QueryHistory. Zero values mean "no filter".
type Query struct {
	TaskType string
	Status   Status
	Limit    int
	Offset   int
	Since    time.Time
	Until    time.Time
}

type TypeStats struct {
	TaskType           string  `json:"task_type"`
	Total              int64   `json:"total_count"`
	Success            int64   `json:"success_count"`
	Error              int64   `json:"error_count"`
	SuccessRate        float64 `json:"success_rate"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
}

type Stats struct {
	PeriodDays   int         `json:"period_days"`
	Total        int64       `json:"total_executions"`
	Success      int64       `json:"success_count"`
	Error        int64       `json:"error_count"`
	Running      int64       `json:"running_count"`
	SuccessRate  float64     `json:"success_rate"`
	ByType       []TypeStats `json:"task_type_statistics"`
	RecentErrors []Execution `json:"recent_errors"`
}

// WindowStats is one period of an Overview.
type WindowStats struct {
	Total       int64   `json:"total_executions"`
	Success     int64   `json:"success_count"`
	Error       int64   `json:"error_count"`
	SuccessRate float64 `json:"success_rate"`
}

// RunningTask is the short form of a running execution in an Overview.
type RunningTask struct {
	ID        int64     `json:"id"`
	TaskType  string    `json:"task_type"`
	StartedAt time.Time `json:"started_at"`
	Message   string    `json:"message"`
}

// Overview combines the 1, 7 and 30 day windows with the running tasks.
// Per-type figures and recent errors come from the 7 day window.
type Overview struct {
	RunningCount int           `json:"running_tasks_count"`
	RunningTasks []RunningTask `json:"running_tasks"`
	Last24Hours  WindowStats   `json:"last_24_hours"`
	Last7Days    WindowStats   `json:"last_7_days"`
	Last30Days   WindowStats   `json:"last_30_days"`
	ByType       []TypeStats   `json:"task_type_statistics"`
	RecentErrors []Execution   `json:"recent_errors"`
}

func windowOf(st Stats) WindowStats {
	return WindowStats{Total: st.Total, Success: st.Success, Error: st.Error, SuccessRate: st.SuccessRate}
}

// AuditRecord is a synthetic terminal row written outside the acquire path.
type AuditRecord struct {
	TaskType     string
	Status       Status
	Trigger      Trigger
	Message      string
	ErrorMessage string
	ErrorType    string
	Details      map[string]any
}

// Ptr returns a pointer to v; handy for Progress and Summary literals.
func Ptr[T any](v T) *T { return &v }

func rate(part, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(part*10000/total) / 100
}
