package stageexec

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"matchscope/internal/services"
)

const (
	defaultKillGrace = 5 * time.Second
	defaultTailLines = 20
	maxLineBytes     = 1024 * 1024
)

// Command describes one external process invocation.
type Command struct {
	Binary string
	Args   []string
	// Env entries are appended to the current environment.
	Env []string
	Dir string
	// OnLine receives every stdout and stderr line as it is produced. Calls
	// are serialized.
	OnLine func(line string)
}

// Result reports how an external process finished.
type Result struct {
	ExitCode int
	Tail     []string
	Duration time.Duration
}

// TailText joins the captured output tail.
func (r Result) TailText() string {
	return strings.Join(r.Tail, "\n")
}

// ExitError is returned when the process exits non-zero. Its message never
// includes tool output; the tail is for logs only.
type ExitError struct {
	Binary   string
	ExitCode int
	Tail     []string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s failed (exit %d)", filepath.Base(e.Binary), e.ExitCode)
}

// Unwrap tags the failure as an external tool error for classification.
func (e *ExitError) Unwrap() error {
	return services.ErrExternalTool
}

// TailText joins the captured output tail.
func (e *ExitError) TailText() string {
	return strings.Join(e.Tail, "\n")
}

// Runner runs external stage processes.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Option configures a ProcessRunner.
type Option func(*ProcessRunner)

// WithKillGrace sets how long a canceled process group has to exit after
// SIGTERM before it is sent SIGKILL.
func WithKillGrace(d time.Duration) Option {
	return func(r *ProcessRunner) {
		if d > 0 {
			r.killGrace = d
		}
	}
}

// WithTailLines sets how many trailing output lines are kept for diagnostics.
func WithTailLines(n int) Option {
	return func(r *ProcessRunner) {
		if n > 0 {
			r.tailLines = n
		}
	}
}

// ProcessRunner spawns each command in its own process group so cancellation
// reaches every child the tool forks.
type ProcessRunner struct {
	killGrace time.Duration
	tailLines int
}

// NewRunner constructs a ProcessRunner.
func NewRunner(opts ...Option) *ProcessRunner {
	r := &ProcessRunner{killGrace: defaultKillGrace, tailLines: defaultTailLines}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the command and blocks until it exits or ctx ends. Deadline
// expiry maps to services.ErrTimeout and cancellation to services.ErrCanceled;
// a non-zero exit returns *ExitError.
func (r *ProcessRunner) Run(ctx context.Context, c Command) (Result, error) {
	var result Result
	if strings.TrimSpace(c.Binary) == "" {
		return result, errors.New("stageexec: binary required")
	}
	if err := ctx.Err(); err != nil {
		return result, contextError(c.Binary, err)
	}

	cmd := exec.Command(c.Binary, c.Args...) //nolint:gosec
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return result, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return result, fmt.Errorf("stderr pipe: %w", err)
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return result, services.Wrap(services.ErrExternalTool, "", "start "+c.Binary, "Failed to launch external tool", err)
	}

	tail := newTailBuffer(r.tailLines)
	var mu sync.Mutex
	forward := func(line string) {
		mu.Lock()
		defer mu.Unlock()
		tail.add(line)
		if c.OnLine != nil {
			c.OnLine(line)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go scanLines(&wg, stdout, forward)
	go scanLines(&wg, stderr, forward)

	stopped := make(chan struct{})
	killed := make(chan struct{})
	go func() {
		defer close(killed)
		select {
		case <-ctx.Done():
			r.terminate(cmd, stopped)
		case <-stopped:
		}
	}()

	wg.Wait()
	waitErr := cmd.Wait()
	close(stopped)

	result.Duration = time.Since(started)
	result.Tail = tail.lines()
	result.ExitCode = exitCode(cmd, waitErr)

	if ctxErr := ctx.Err(); ctxErr != nil {
		<-killed
		return result, contextError(c.Binary, ctxErr)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return result, &ExitError{Binary: c.Binary, ExitCode: result.ExitCode, Tail: result.Tail}
		}
		return result, fmt.Errorf("wait %s: %w", c.Binary, waitErr)
	}
	return result, nil
}

func (r *ProcessRunner) terminate(cmd *exec.Cmd, stopped <-chan struct{}) {
	if cmd.Process == nil {
		return
	}
	_ = signalGroup(cmd.Process.Pid, false)
	timer := time.NewTimer(r.killGrace)
	defer timer.Stop()
	select {
	case <-stopped:
	case <-timer.C:
		_ = signalGroup(cmd.Process.Pid, true)
	}
}

func scanLines(wg *sync.WaitGroup, reader io.Reader, forward func(string)) {
	defer wg.Done()
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	scanner.Split(scanLinesOrCR)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			forward(line)
		}
	}
	// Drain anything left after a scan error so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, reader)
}

// scanLinesOrCR splits on \n and on bare \r, since ffmpeg redraws its status
// line with carriage returns.
func scanLinesOrCR(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

func contextError(binary string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return services.Wrap(services.ErrTimeout, "", binary, "External tool exceeded its time limit", err)
	}
	return services.Wrap(services.ErrCanceled, "", binary, "External tool was canceled", err)
}

type tailBuffer struct {
	max  int
	buf  []string
	next int
	full bool
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{max: n, buf: make([]string, n)}
}

func (t *tailBuffer) add(line string) {
	t.buf[t.next] = line
	t.next = (t.next + 1) % t.max
	if t.next == 0 {
		t.full = true
	}
}

func (t *tailBuffer) lines() []string {
	if !t.full {
		return append([]string(nil), t.buf[:t.next]...)
	}
	out := make([]string, 0, t.max)
	out = append(out, t.buf[t.next:]...)
	return append(out, t.buf[:t.next]...)
}
