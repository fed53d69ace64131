// Package sandbox executes user-supplied control scripts against a bound
// simulation handle with hard wall-clock, memory, and stdout caps. Scripts
// run as a python subprocess in their own process group; the `sim` object
// inside the script talks back to the engine over a unix-socket bridge.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cosimhq/cosim/pkg/engine"
	"github.com/cosimhq/cosim/pkg/models"
)

// Exit codes agreed with the prelude
const (
	exitOK     = 0
	exitSyntax = 3
)

const (
	DefaultTimeout   = 5 * time.Second
	DefaultGrace     = 250 * time.Millisecond
	DefaultStdoutCap = 64 * 1024
	DefaultMemLimit  = 512 * 1024 * 1024

	memPollInterval = 50 * time.Millisecond
)

// Status of an execution
type Status string

const (
	STATUS_OK    Status = "ok"
	STATUS_ERROR Status = "error"
)

// Request describes one execution
type Request struct {
	Source         string        `json:"source"`
	Language       string        `json:"language"`
	Timeout        time.Duration `json:"timeout"`
	MemLimitBytes  int64         `json:"mem_limit_bytes"`
	StdoutCapBytes int           `json:"stdout_cap_bytes"`
}

// Result is the outcome of one execution. Stdout/stderr are buffered, not
// streamed, and truncated at the cap rather than aborting the run.
type Result struct {
	Status     Status           `json:"status"`
	Stdout     []byte           `json:"stdout"`
	Stderr     []byte           `json:"stderr"`
	ErrorKind  models.ErrorKind `json:"error_kind,omitempty"`
	FinalState *engine.State    `json:"final_state,omitempty"`
}

// Sandbox runs user code under caps. One sandbox serves one agent process;
// executions are serialized by the caller (the producer task).
type Sandbox struct {
	workspaceDir   string
	pythonPath     string
	grace          time.Duration
	defaultTimeout time.Duration
	stdoutCap      int
	log            *logrus.Logger
}

// Option configures a Sandbox
type Option func(*Sandbox)

// WithPython overrides the interpreter path
func WithPython(path string) Option {
	return func(s *Sandbox) { s.pythonPath = path }
}

// WithGrace overrides the kill grace window
func WithGrace(grace time.Duration) Option {
	return func(s *Sandbox) { s.grace = grace }
}

// WithDefaultTimeout overrides the wall-clock cap applied to requests that
// carry no timeout of their own
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(s *Sandbox) { s.defaultTimeout = timeout }
}

// WithStdoutCap overrides the stdout/stderr byte cap applied to requests
// that carry no cap of their own
func WithStdoutCap(capBytes int) Option {
	return func(s *Sandbox) { s.stdoutCap = capBytes }
}

// New creates a sandbox rooted at workspaceDir
func New(workspaceDir string, log *logrus.Logger, opts ...Option) *Sandbox {
	s := &Sandbox{
		workspaceDir:   workspaceDir,
		pythonPath:     "python3",
		grace:          DefaultGrace,
		defaultTimeout: DefaultTimeout,
		stdoutCap:      DefaultStdoutCap,
		log:            log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Execute runs one script against sim. On any error the engine is left
// either untouched (fault before the first step) or at the last state it
// successfully returned; no user code outlives Timeout by more than the
// grace window.
func (s *Sandbox) Execute(ctx context.Context, sim engine.Adapter, req Request) Result {
	if req.Language != "python" {
		return Result{Status: STATUS_ERROR, ErrorKind: models.ERR_UNSUPPORTED_LANGUAGE,
			Stderr: []byte(fmt.Sprintf("language %q is not supported", req.Language))}
	}
	if req.Timeout <= 0 {
		req.Timeout = s.defaultTimeout
	}
	if req.MemLimitBytes <= 0 {
		req.MemLimitBytes = DefaultMemLimit
	}
	if req.StdoutCapBytes <= 0 {
		req.StdoutCapBytes = s.stdoutCap
	}

	runID := uuid.New().String()[:8]
	runDir := filepath.Join(s.workspaceDir, "run-"+runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return Result{Status: STATUS_ERROR, ErrorKind: models.ERR_RUNTIME_FAULT,
			Stderr: []byte("workspace unavailable")}
	}
	defer os.RemoveAll(runDir)

	srcPath := filepath.Join(runDir, "user_code.py")
	if err := os.WriteFile(srcPath, []byte(req.Source), 0o644); err != nil {
		return Result{Status: STATUS_ERROR, ErrorKind: models.ERR_RUNTIME_FAULT,
			Stderr: []byte("failed to stage source")}
	}

	bridge, err := newBridge(runDir, sim)
	if err != nil {
		return Result{Status: STATUS_ERROR, ErrorKind: models.ERR_RUNTIME_FAULT,
			Stderr: []byte("sim bridge unavailable")}
	}
	defer bridge.Close()

	preludePath := filepath.Join(runDir, "prelude.py")
	if err := os.WriteFile(preludePath, []byte(preludeSource), 0o644); err != nil {
		return Result{Status: STATUS_ERROR, ErrorKind: models.ERR_RUNTIME_FAULT,
			Stderr: []byte("failed to stage prelude")}
	}

	stdout := newCapWriter(req.StdoutCapBytes)
	stderr := newCapWriter(req.StdoutCapBytes)

	cmd := exec.Command(s.pythonPath, preludePath, srcPath)
	cmd.Dir = runDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = []string{
		"COSIM_SIM_SOCKET=" + bridge.SocketPath(),
		"COSIM_WORKSPACE=" + runDir,
		"PATH=" + os.Getenv("PATH"),
	}
	// Own process group so the watchdog can kill descendants too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return Result{Status: STATUS_ERROR, ErrorKind: models.ERR_RUNTIME_FAULT,
			Stderr: []byte("interpreter failed to start: " + err.Error())}
	}

	kind, stateUnknown := s.supervise(ctx, cmd, req)

	result := Result{
		Status: STATUS_OK,
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}
	if kind != "" {
		result.Status = STATUS_ERROR
		result.ErrorKind = kind
	}

	// User code that outlives SIGTERM past the grace window may have died
	// mid bridge call; the run is undefined and reports no final state.
	if stateUnknown {
		result.Status = STATUS_ERROR
		result.ErrorKind = models.ERR_RUNTIME_FAULT
		return result
	}

	// The engine is serialized on the caller; state here is the last state
	// the bridge successfully applied.
	final := sim.State()
	result.FinalState = &final
	return result
}

// supervise waits for the process under the watchdog and returns the error
// category ("" on success) plus whether the engine state is still trusted.
// State is unknown once the group had to be hard-killed.
func (s *Sandbox) supervise(ctx context.Context, cmd *exec.Cmd, req Request) (models.ErrorKind, bool) {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timeout := time.NewTimer(req.Timeout)
	defer timeout.Stop()
	memTick := time.NewTicker(memPollInterval)
	defer memTick.Stop()

	pgid := cmd.Process.Pid

	for {
		select {
		case err := <-done:
			return exitKind(err), false

		case <-ctx.Done():
			return models.ERR_CANCELED, killGroup(pgid, s.grace, done)

		case <-timeout.C:
			return models.ERR_TIMEOUT, killGroup(pgid, s.grace, done)

		case <-memTick.C:
			rss, err := residentBytes(cmd.Process.Pid)
			if err == nil && rss > req.MemLimitBytes {
				s.log.WithFields(logrus.Fields{"rss": rss, "limit": req.MemLimitBytes}).
					Warn("sandbox memory cap exceeded")
				return models.ERR_MEMORY_EXCEEDED, killGroup(pgid, s.grace, done)
			}
		}
	}
}

// killGroup terminates the process group: TERM first, KILL once the grace
// window lapses, then reaps the waiter. Reports whether KILL was needed.
func killGroup(pgid int, grace time.Duration, done chan error) bool {
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	select {
	case <-done:
		return false
	case <-time.After(grace):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
	<-done
	return true
}

func exitKind(err error) models.ErrorKind {
	if err == nil {
		return ""
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		if exitErr.ExitCode() == exitSyntax {
			return models.ERR_SYNTAX
		}
	}
	return models.ERR_RUNTIME_FAULT
}

func asExitError(err error, target **exec.ExitError) bool {
	e, ok := err.(*exec.ExitError)
	if ok {
		*target = e
	}
	return ok
}

// residentBytes reads VmRSS from /proc
func residentBytes(pid int) (int64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "VmRSS:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				kb, err := strconv.ParseInt(fields[1], 10, 64)
				if err != nil {
					return 0, err
				}
				return kb * 1024, nil
			}
		}
	}
	return 0, fmt.Errorf("VmRSS not found for pid %d", pid)
}
