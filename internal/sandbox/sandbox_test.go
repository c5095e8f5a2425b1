package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/execbroker/broker/internal/config"
)

func testExecutor(t *testing.T) *Executor {
	t.Helper()
	cfg := config.SandboxConfig{
		Mode:           "direct",
		DefaultTimeout: 5,
		MemoryLimitMB:  256,
		CPULimit:       0.5,
		ScratchDir:     t.TempDir(),
		MaxOutputBytes: 4096,
	}
	return New(cfg)
}

func TestRunSuccess(t *testing.T) {
	e := testExecutor(t)
	result, err := e.Run(context.Background(), Input{
		Code:    []byte("echo hello\n"),
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if strings.TrimSpace(result.Stdout) != "hello" {
		t.Fatalf("unexpected stdout: %q", result.Stdout)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	e := testExecutor(t)
	result, err := e.Run(context.Background(), Input{
		Code:    []byte("exit 7\n"),
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure for nonzero exit code")
	}
	if result.ExitCode != 7 {
		t.Fatalf("expected exit code 7, got %d", result.ExitCode)
	}
}

func TestRunTimeout(t *testing.T) {
	e := testExecutor(t)
	result, err := e.Run(context.Background(), Input{
		Code:    []byte("sleep 5\n"),
		Timeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if result.FailureKind != "timeout" {
		t.Fatalf("expected timeout failure kind, got %q", result.FailureKind)
	}
	if result.Success {
		t.Fatal("expected timeout to not be a success")
	}
}

func TestRunFallsBackToConfiguredDefaultTimeout(t *testing.T) {
	cfg := config.SandboxConfig{
		Mode:           "direct",
		DefaultTimeout: 1,
		MemoryLimitMB:  256,
		CPULimit:       0.5,
		ScratchDir:     t.TempDir(),
		MaxOutputBytes: 4096,
	}
	e := New(cfg)

	result, err := e.Run(context.Background(), Input{
		Code: []byte("sleep 5\n"),
		// No Timeout set: the executor must fall back to the configured
		// default, not the package's own baked-in constant.
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if result.FailureKind != "timeout" {
		t.Fatalf("expected the configured 1s default timeout to fire, got %+v", result)
	}
}

func TestRunEnvironmentIsAdditiveOnly(t *testing.T) {
	e := testExecutor(t)
	t.Setenv("BROKER_TEST_SENTINEL", "leaked-parent-value")

	result, err := e.Run(context.Background(), Input{
		Code:    []byte("echo \"sentinel=$BROKER_TEST_SENTINEL\"\n"),
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if strings.Contains(result.Stdout, "leaked-parent-value") {
		t.Fatalf("parent environment leaked into sandbox: %q", result.Stdout)
	}
}

func TestRunSecretsAndArgsExposedAsEnv(t *testing.T) {
	e := testExecutor(t)
	result, err := e.Run(context.Background(), Input{
		Code:    []byte("echo \"$API_KEY $CITY\"\n"),
		Secrets: map[string]string{"API_KEY": "shh"},
		Args:    map[string]string{"CITY": "portland"},
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if strings.TrimSpace(result.Stdout) != "shh portland" {
		t.Fatalf("unexpected stdout: %q", result.Stdout)
	}
}

func TestRunOutputTruncation(t *testing.T) {
	cfg := config.SandboxConfig{
		Mode:           "direct",
		DefaultTimeout: 5,
		MemoryLimitMB:  256,
		CPULimit:       0.5,
		ScratchDir:     t.TempDir(),
		MaxOutputBytes: 16,
	}
	e := New(cfg)

	result, err := e.Run(context.Background(), Input{
		Code:    []byte("echo 0123456789012345678901234567890123456789\n"),
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !strings.Contains(result.Stdout, "[truncated]") {
		t.Fatalf("expected truncation marker in stdout, got %q", result.Stdout)
	}
}

func TestRunSetsProxyEnvFromNetworkAllowList(t *testing.T) {
	e := testExecutor(t)
	result, err := e.Run(context.Background(), Input{
		Code:    []byte("test -n \"$HTTP_PROXY\" && echo has-proxy || echo no-proxy\n"),
		Network: []string{"allowed.example.com"},
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if strings.TrimSpace(result.Stdout) != "has-proxy" {
		t.Fatalf("expected HTTP_PROXY to be set when a network allow-list is declared, got %q", result.Stdout)
	}
}
