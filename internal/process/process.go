// Package process runs external tools (git, gh, generation CLIs, scorers) as
// isolated subprocesses with timeouts, concurrent pipe draining and
// exit-code based retry classification.
package process

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aristath/taskforge/internal/errors"
	"github.com/aristath/taskforge/internal/logging"
)

// waitDelay bounds how long Wait blocks on pipes held open by orphaned
// grandchildren after the process group was killed.
const waitDelay = 2 * time.Second

// Command describes one subprocess invocation.
type Command struct {
	Name  string
	Args  []string
	Dir   string
	Env   []string // appended to the parent environment
	Stdin io.Reader
}

// String renders the command line for logs and errors.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result holds the captured output of a finished subprocess.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// ExitError reports a subprocess that ran but exited non-zero.
type ExitError struct {
	Command string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.Code)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Runner executes commands. Exit codes listed as retryable produce errors
// for which errors.IsRetryable reports true.
type Runner struct {
	procs     *Manager
	retryable map[int]bool
	logger    *slog.Logger
}

// NewRunner creates a Runner. procs may be nil when process tracking isn't needed.
func NewRunner(procs *Manager, retryableExitCodes []int, logger *slog.Logger) *Runner {
	codes := make(map[int]bool, len(retryableExitCodes))
	for _, c := range retryableExitCodes {
		codes[c] = true
	}
	return &Runner{
		procs:     procs,
		retryable: codes,
		logger:    logging.OrNop(logger),
	}
}

// Run executes cmd and waits for it. Cancellation of ctx kills the whole
// process group. A deadline on ctx surfaces as context.DeadlineExceeded in
// the returned error chain.
func (r *Runner) Run(ctx context.Context, c Command) (Result, error) {
	cmd := newCommand(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}

	start := time.Now()
	stdout, stderr, err := executeCommand(cmd, r.procs)
	res := Result{Stdout: stdout, Stderr: stderr, Duration: time.Since(start)}

	if err == nil {
		r.logger.Debug("command finished", "command", c.Name, logging.KeyDuration, res.Duration)
		return res, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("%s: %w", c.Name, ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		ee := &ExitError{
			Command: c.String(),
			Code:    exitErr.ExitCode(),
			Stderr:  strings.TrimSpace(string(stderr)),
		}
		if r.retryable[ee.Code] {
			return res, errors.MarkRetryable(ee)
		}
		return res, ee
	}

	return res, err
}

// newCommand creates an exec.Cmd with process group isolation.
// Setpgid puts the subprocess in its own group so cancellation can kill the
// whole tree, not just the immediate child.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
	cmd.WaitDelay = waitDelay
	return cmd
}

// executeCommand starts cmd and drains stdout and stderr concurrently before
// calling Wait, so output larger than the pipe buffer cannot deadlock the child.
func executeCommand(cmd *exec.Cmd, procs *Manager) (stdout []byte, stderr []byte, err error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start command: %w", err)
	}

	if procs != nil {
		procs.Track(cmd)
		defer procs.Untrack(cmd)
	}

	var wg sync.WaitGroup
	var stdoutBuf, stderrBuf bytes.Buffer

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&stdoutBuf, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&stderrBuf, stderrPipe)
	}()

	// Pipes must be fully drained before Wait closes them.
	wg.Wait()
	waitErr := cmd.Wait()

	return stdoutBuf.Bytes(), stderrBuf.Bytes(), waitErr
}

// killProcessGroup kills the entire process group associated with the command.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}

	// Negative pid targets the group.
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process group: %w", err)
	}

	return nil
}

// Manager tracks all running subprocesses so shutdown can terminate them.
//
// Usage pattern (typically in main):
//
//	procs := process.NewManager()
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
//	defer cancel()
//	go func() {
//		<-ctx.Done()
//		procs.KillAll()
//	}()
type Manager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewManager creates a new Manager.
func NewManager() *Manager {
	return &Manager{
		procs: make(map[int]*exec.Cmd),
	}
}

// Track registers a started subprocess.
func (m *Manager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a subprocess after Wait returned.
func (m *Manager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.procs, cmd.Process.Pid)
}

// KillAll terminates all tracked subprocess groups.
func (m *Manager) KillAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for pid, cmd := range m.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("failed to kill process %d: %w", pid, err))
		}
	}

	return errors.Join(errs...)
}

// Count returns the number of currently tracked processes.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.procs)
}
