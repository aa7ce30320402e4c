package jobs

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"cronward/internal/jobrunner"
	"cronward/internal/ledger"
	logx "cronward/pkg/logx"
)

// stderrTail bounds how much stderr is kept for the error message.
const stderrTail = 2048

// Command runs an external program as a job body. Every stdout line becomes
// the execution message; the last part of stderr becomes the error message
// when the program fails.
type Command struct {
	Args []string
	Dir  string
	Env  []string
}

// ExitError is returned for a non-zero exit status.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("command exited with status %d", e.Code)
	}
	return fmt.Sprintf("command exited with status %d: %s", e.Code, e.Stderr)
}

func (e *ExitError) ErrorType() string { return "exit_status" }

func (c Command) Run(ctx context.Context, h *jobrunner.Handle) (ledger.Summary, error) {
	if len(c.Args) == 0 || strings.TrimSpace(c.Args[0]) == "" {
		return ledger.Summary{}, jobrunner.WithType(errors.New("command is empty"), "config")
	}

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Env = append(cmd.Env,
		"CRONWARD_TASK_TYPE="+h.TaskType(),
		fmt.Sprintf("CRONWARD_EXECUTION_ID=%d", h.ID()),
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return ledger.Summary{}, errors.Wrap(err, "stdout pipe")
	}
	tail := &tailBuffer{max: stderrTail}
	cmd.Stderr = tail

	log := h.Logger().With(logx.String("command", c.Args[0]))
	if err := cmd.Start(); err != nil {
		return ledger.Summary{}, jobrunner.WithType(errors.Wrapf(err, "start %s", c.Args[0]), "exec")
	}
	log.Debug("command started", logx.Int("pid", cmd.Process.Pid))

	var lines int64
	var last string
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		lines++
		last = line
		h.Heartbeat(ledger.Progress{Message: ledger.Ptr(line)})
	}
	if err := sc.Err(); err != nil {
		log.Warn("command output truncated", logx.Err(err))
		// Keep draining so the child does not block on a full pipe.
		_, _ = io.Copy(io.Discard, stdout)
	}

	werr := cmd.Wait()
	sum := ledger.Summary{
		Message: last,
		Details: map[string]any{
			"command":      strings.Join(c.Args, " "),
			"output_lines": lines,
		},
	}
	if werr != nil {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		var ee *exec.ExitError
		if errors.As(werr, &ee) {
			sum.Details["exit_code"] = ee.ExitCode()
			return sum, &ExitError{Code: ee.ExitCode(), Stderr: strings.TrimSpace(tail.String())}
		}
		return sum, errors.Wrap(werr, "wait")
	}
	sum.Details["exit_code"] = 0
	if sum.Message == "" {
		sum.Message = "command finished"
	}
	return sum, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
