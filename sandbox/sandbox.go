// Package sandbox runs untrusted generated code in a child process with
// bounded resources. Each execution gets a fresh scratch directory that is
// removed on exit; nothing persists across calls.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

// KillReason identifies which guard terminated an execution.
type KillReason string

const (
	KillTimeout      KillReason = "timeout"
	KillMemory       KillReason = "memory"
	KillCPU          KillReason = "cpu"
	KillOutputSize   KillReason = "output_size"
	KillSecurityScan KillReason = "security_scan"
)

// ResourceLimits bound one execution.
type ResourceLimits struct {
	WallClockTimeout time.Duration `json:"wall_clock_timeout" yaml:"wall_clock_timeout"`
	MaxCPUSeconds    int           `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`
	MaxMemoryBytes   int64         `json:"max_memory_bytes" yaml:"max_memory_bytes"`
	MaxOutputBytes   int64         `json:"max_output_bytes" yaml:"max_output_bytes"`
	MaxOpenFiles     int           `json:"max_open_files" yaml:"max_open_files"`
}

// DefaultLimits returns the stock limits applied when a field is zero.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		WallClockTimeout: 60 * time.Second,
		MaxCPUSeconds:    30,
		MaxMemoryBytes:   512 * 1024 * 1024,
		MaxOutputBytes:   1024 * 1024,
		MaxOpenFiles:     64,
	}
}

func (l ResourceLimits) withDefaults() ResourceLimits {
	defaults := DefaultLimits()
	if l.WallClockTimeout <= 0 {
		l.WallClockTimeout = defaults.WallClockTimeout
	}
	if l.MaxCPUSeconds <= 0 {
		l.MaxCPUSeconds = defaults.MaxCPUSeconds
	}
	if l.MaxMemoryBytes <= 0 {
		l.MaxMemoryBytes = defaults.MaxMemoryBytes
	}
	if l.MaxOutputBytes <= 0 {
		l.MaxOutputBytes = defaults.MaxOutputBytes
	}
	if l.MaxOpenFiles <= 0 {
		l.MaxOpenFiles = defaults.MaxOpenFiles
	}
	return l
}

// Result is the structured verdict of one execution.
type Result struct {
	Success         bool       `json:"success"`
	ExitCode        int        `json:"exit_code"`
	Stdout          string     `json:"stdout"`
	Stderr          string     `json:"stderr"`
	DurationSeconds float64    `json:"duration_seconds"`
	Killed          bool       `json:"killed,omitempty"`
	KillReason      KillReason `json:"kill_reason,omitempty"`
	Violations      []string   `json:"violations,omitempty"`
}

// interpreters maps a language to the command that runs a source file.
var interpreters = map[string]struct {
	command string
	ext     string
}{
	"python": {"python3", ".py"},
	"bash":   {"bash", ".sh"},
	"sh":     {"sh", ".sh"},
	"node":   {"node", ".js"},
}

// Executor runs code in sandboxed child processes. Safe for concurrent use;
// each call gets its own scratch directory under root.
type Executor struct {
	root   string
	logger *slog.Logger
	hooks  ProcessHooks
}

// ProcessHooks notify an observer of sandbox child lifecycles, so an
// external monitor can watch the PID while the child runs.
type ProcessHooks struct {
	Started func(pid int)
	Exited  func(pid int)
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithProcessHooks registers child lifecycle callbacks.
func WithProcessHooks(hooks ProcessHooks) ExecutorOption {
	return func(e *Executor) {
		e.hooks = hooks
	}
}

// NewExecutor creates an executor whose scratch directories live under root.
func NewExecutor(root string, opts ...ExecutorOption) (*Executor, error) {
	e := &Executor{
		root:   root,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}
	return e, nil
}

// Execute runs code in a fresh child process and blocks until exit, kill,
// or ctx cancellation. When scanSecurity is true the code is statically
// scanned first and a match aborts before any user code runs.
func (e *Executor) Execute(ctx context.Context, code, language string, limits ResourceLimits, scanSecurity bool) (*Result, error) {
	interp, ok := interpreters[strings.ToLower(language)]
	if !ok {
		return nil, fmt.Errorf("unsupported sandbox language %q", language)
	}
	limits = limits.withDefaults()

	scratch, err := os.MkdirTemp(e.root, "exec-")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	if scanSecurity {
		if violations := ScanCode(code, scratch); len(violations) > 0 {
			e.logger.Warn("Security scan rejected code",
				"language", language,
				"violations", len(violations))
			return &Result{
				Success:    false,
				ExitCode:   -1,
				Killed:     true,
				KillReason: KillSecurityScan,
				Violations: violations,
			}, nil
		}
	}

	scriptPath := filepath.Join(scratch, "main"+interp.ext)
	if err := os.WriteFile(scriptPath, []byte(code), 0o600); err != nil {
		return nil, fmt.Errorf("write sandbox script: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, limits.WallClockTimeout)
	defer cancel()

	// ulimit applies CPU, address-space, and file-descriptor caps to the
	// child before it replaces itself with the interpreter.
	wrapper := fmt.Sprintf("ulimit -t %d -v %d -n %d; exec %s %s",
		limits.MaxCPUSeconds,
		limits.MaxMemoryBytes/1024,
		limits.MaxOpenFiles,
		interp.command,
		scriptPath)

	cmd := exec.CommandContext(runCtx, "bash", "-c", wrapper)
	cmd.Dir = scratch
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + scratch,
		"TMPDIR=" + scratch,
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// On timeout, kill the whole process group. Killing only the direct
	// child leaves forked grandchildren holding the output pipes open,
	// and Run would block past the deadline waiting on them.
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}
	cmd.WaitDelay = 2 * time.Second

	var outputGuard outputLimiter
	outputGuard.limit = limits.MaxOutputBytes
	outputGuard.kill = func() {
		if cmd.Process != nil {
			syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = outputGuard.writer(&stdout)
	cmd.Stderr = outputGuard.writer(&stderr)

	start := time.Now()
	runErr := cmd.Start()
	if runErr == nil {
		pid := cmd.Process.Pid
		if e.hooks.Started != nil {
			e.hooks.Started(pid)
		}
		runErr = cmd.Wait()
		if e.hooks.Exited != nil {
			e.hooks.Exited(pid)
		}
	}
	duration := time.Since(start)

	result := &Result{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		DurationSeconds: duration.Seconds(),
		ExitCode:        exitCode(cmd, runErr),
	}

	switch {
	case outputGuard.exceeded():
		result.Killed = true
		result.KillReason = KillOutputSize
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.Killed = true
		result.KillReason = KillTimeout
	case signaled(runErr, syscall.SIGXCPU):
		result.Killed = true
		result.KillReason = KillCPU
	case runErr != nil && memoryExhausted(result):
		result.Killed = true
		result.KillReason = KillMemory
	}
	result.Success = runErr == nil && !result.Killed

	e.logger.Debug("Sandbox execution finished",
		"language", language,
		"exit_code", result.ExitCode,
		"duration_seconds", result.DurationSeconds,
		"killed", result.Killed,
		"kill_reason", result.KillReason)
	return result, nil
}

func exitCode(cmd *exec.Cmd, runErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if runErr != nil {
		return -1
	}
	return 0
}

func signaled(runErr error, sig syscall.Signal) bool {
	var exitErr *exec.ExitError
	if !errors.As(runErr, &exitErr) {
		return false
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	return ok && status.Signaled() && status.Signal() == sig
}

// memoryExhausted spots the address-space ulimit tripping. Interpreters
// surface it as an allocation failure rather than a distinct signal.
func memoryExhausted(result *Result) bool {
	return strings.Contains(result.Stderr, "MemoryError") ||
		strings.Contains(result.Stderr, "Cannot allocate memory") ||
		strings.Contains(result.Stderr, "out of memory")
}

// outputLimiter caps combined stdout+stderr bytes and kills the process
// group when the cap is crossed.
type outputLimiter struct {
	mu      sync.Mutex
	written int64
	limit   int64
	tripped bool
	kill    func()
}

func (o *outputLimiter) exceeded() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tripped
}

func (o *outputLimiter) writer(dst *bytes.Buffer) *limitedWriter {
	return &limitedWriter{guard: o, dst: dst}
}

type limitedWriter struct {
	guard *outputLimiter
	dst   *bytes.Buffer
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	w.guard.mu.Lock()
	defer w.guard.mu.Unlock()

	if w.guard.tripped {
		return len(p), nil
	}
	remaining := w.guard.limit - w.guard.written
	if int64(len(p)) > remaining {
		w.dst.Write(p[:remaining])
		w.guard.written = w.guard.limit
		w.guard.tripped = true
		if w.guard.kill != nil {
			w.guard.kill()
		}
		return len(p), nil
	}
	w.dst.Write(p)
	w.guard.written += int64(len(p))
	return len(p), nil
}
