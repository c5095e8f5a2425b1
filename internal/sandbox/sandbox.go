// Package sandbox runs fetched skill code as an isolated child process:
// additive-only environment, host allow-listed network, bounded output
// capture and a hard wall-clock timeout.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/execbroker/broker/internal/config"
)

// Input is everything the executor needs to run one invocation. It
// carries no reference to the parent process's own environment.
type Input struct {
	Code        []byte
	Fingerprint string
	Secrets     map[string]string
	Args        map[string]string
	Network     []string
	Timeout     time.Duration
}

// Result is the captured outcome of one sandbox run.
type Result struct {
	Success     bool
	Stdout      string
	Stderr      string
	ExitCode    int
	DurationMS  int64
	FailureKind string // "timeout", "launch-error", ""
}

const (
	defaultTimeout = 30 * time.Second
	minEnv         = 2 // HOME, PATH
)

// Executor launches sandboxed subprocesses per the configured
// deployment mode.
type Executor struct {
	mode           string
	runtimeBinary  string
	scratchRoot    string
	memoryLimitMB  int
	cpuLimit       float64
	maxOutputBytes int
	defaultTimeout time.Duration
}

// New builds an executor from sandbox configuration.
func New(cfg config.SandboxConfig) *Executor {
	timeout := time.Duration(cfg.DefaultTimeout) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Executor{
		mode:           cfg.Mode,
		runtimeBinary:  cfg.RuntimeBinary,
		scratchRoot:    cfg.ScratchDir,
		memoryLimitMB:  cfg.MemoryLimitMB,
		cpuLimit:       cfg.CPULimit,
		maxOutputBytes: cfg.MaxOutputBytes,
		defaultTimeout: timeout,
	}
}

// Run executes in.Code as a child process and returns its captured
// result. The scratch directory holding the code file is always removed
// before Run returns, on every exit path.
func (e *Executor) Run(ctx context.Context, in Input) (Result, error) {
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	invocationDir := filepath.Join(e.scratchRoot, uuid.NewString())
	if err := os.MkdirAll(invocationDir, 0700); err != nil {
		return Result{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(invocationDir)

	scriptPath := filepath.Join(invocationDir, scriptName(in.Fingerprint))
	if err := os.WriteFile(scriptPath, in.Code, 0500); err != nil {
		return Result{}, fmt.Errorf("write code file: %w", err)
	}

	guard, err := newNetGuard(in.Network)
	if err != nil {
		return Result{}, fmt.Errorf("start network guard: %w", err)
	}
	defer guard.Close()

	env := buildEnv(invocationDir, guard.Addr(), in.Secrets, in.Args)

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := e.buildCommand(timeoutCtx, scriptPath, invocationDir)
	cmd.Env = env
	cmd.Dir = invocationDir

	stdout := newBoundedBuffer(e.maxOutputBytes)
	stderr := newBoundedBuffer(e.maxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err = cmd.Run()
	duration := time.Since(start)

	result := Result{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMS: duration.Milliseconds(),
	}

	if timeoutCtx.Err() == context.DeadlineExceeded {
		result.FailureKind = "timeout"
		result.ExitCode = -1
		return result, nil
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		result.FailureKind = "launch-error"
		result.ExitCode = -1
		result.Stderr = strings.TrimSpace(result.Stderr + "\n" + err.Error())
		return result, nil
	}

	result.Success = true
	return result, nil
}

// buildCommand selects direct execution or a containerized wrapper
// around the same script path. Both modes present the identical Result
// shape to callers; only how the child is launched differs.
func (e *Executor) buildCommand(ctx context.Context, scriptPath, invocationDir string) *exec.Cmd {
	if e.mode == "containerized" && e.runtimeBinary != "" {
		args := []string{
			"run", "--rm",
			"--network", "none",
			"--memory", fmt.Sprintf("%dm", e.memoryLimitMB),
			"--cpus", fmt.Sprintf("%.2f", e.cpuLimit),
			"--read-only",
			"-v", fmt.Sprintf("%s:/scratch", invocationDir),
			"-w", "/scratch",
			"alpine:latest",
			"sh", filepath.Join("/scratch", filepath.Base(scriptPath)),
		}
		return exec.CommandContext(ctx, e.runtimeBinary, args...)
	}

	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", scriptPath)
	}
	return exec.CommandContext(ctx, "sh", scriptPath)
}

// buildEnv constructs the child's environment additively: it never
// starts from os.Environ(), so ambient credentials of the parent
// process (chat-bot tokens, admin secrets) can never leak through.
func buildEnv(invocationDir, proxyAddr string, secrets, args map[string]string) []string {
	env := make([]string, 0, minEnv+len(secrets)+len(args)+2)
	env = append(env, "HOME="+invocationDir)
	env = append(env, "PATH=/usr/bin:/bin")

	if proxyAddr != "" {
		env = append(env, "HTTP_PROXY="+proxyAddr, "HTTPS_PROXY="+proxyAddr)
	}

	// Args are applied first, secrets second, so a name declared as both
	// a secret and an invocation argument always resolves to the
	// sensitive value.
	for k, v := range args {
		env = append(env, k+"="+v)
	}
	for k, v := range secrets {
		env = append(env, k+"="+v)
	}
	return env
}

func scriptName(fingerprint string) string {
	if fingerprint == "" {
		return "run.sh"
	}
	if len(fingerprint) > 12 {
		fingerprint = fingerprint[:12]
	}
	return fingerprint + ".sh"
}
