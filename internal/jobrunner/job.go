// Package jobrunner executes registered job bodies under ledger protection.
package jobrunner

import (
	"context"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"cronward/internal/ledger"
)

var (
	ErrUnknownTask = errors.New("unknown task type")
	ErrStopped     = errors.New("runner stopped")
)

// Job is the body of one task type.
type Job interface {
	Run(ctx context.Context, h *Handle) (ledger.Summary, error)
}

// JobFunc adapts a plain function to Job.
type JobFunc func(ctx context.Context, h *Handle) (ledger.Summary, error)

func (f JobFunc) Run(ctx context.Context, h *Handle) (ledger.Summary, error) { return f(ctx, h) }

// Registry maps task types to job bodies. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

func NewRegistry() *Registry { return &Registry{jobs: map[string]Job{}} }

// Register binds taskType to j, replacing any previous binding.
func (r *Registry) Register(taskType string, j Job) error {
	taskType = strings.TrimSpace(taskType)
	if taskType == "" {
		return errors.New("register: empty task type")
	}
	if j == nil {
		return errors.Newf("register %q: nil job", taskType)
	}
	r.mu.Lock()
	r.jobs[taskType] = j
	r.mu.Unlock()
	return nil
}

func (r *Registry) Get(taskType string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[taskType]
	return j, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.jobs))
	for k := range r.jobs {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Typed lets a job error choose the error_type stored in the ledger.
type Typed interface {
	ErrorType() string
}

// WithType annotates err with an explicit error type.
func WithType(err error, typ string) error {
	if err == nil {
		return nil
	}
	return &typedError{cause: err, typ: typ}
}

type typedError struct {
	cause error
	typ   string
}

func (e *typedError) Error() string     { return e.cause.Error() }
func (e *typedError) Unwrap() error     { return e.cause }
func (e *typedError) ErrorType() string { return e.typ }

// ErrorType classifies err for the ledger: an explicit Typed annotation,
// then context errors, then the type name of the root cause.
func ErrorType(err error) string {
	if err == nil {
		return ""
	}
	var t Typed
	if errors.As(err, &t) && t.ErrorType() != "" {
		return t.ErrorType()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	name := reflect.TypeOf(errors.Cause(err)).String()
	return strings.TrimPrefix(name, "*")
}
