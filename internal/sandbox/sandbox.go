// Package sandbox manages per-session execution sandboxes. A running session
// owns at most one sandbox; every successful Start is matched by exactly one
// Stop.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Lifecycle states.
const (
	StateStopped  = "stopped"
	StateStarting = "starting"
	StateRunning  = "running"
)

// Config describes the sandbox for one session.
type Config struct {
	Type           string // "docker" | "none"
	Image          string
	Network        string
	Memory         string
	CPUs           float64
	Ports          []string
	SessionType    string // labels the container for operators
	StartupTimeout time.Duration
}

// ExecResult is the outcome of one command run inside a sandbox.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Sandbox is one session's isolated execution environment.
//
// Stop is best-effort: failures are logged, never returned, so teardown on
// error paths cannot mask the original failure.
type Sandbox interface {
	// Name identifies the sandbox (container name for docker).
	Name() string
	// State returns the current lifecycle state.
	State() string
	// Start brings the sandbox up. Bounded by ctx; on timeout the partially
	// started sandbox is force-stopped before the error is returned.
	Start(ctx context.Context) error
	// Execute runs a shell command inside the sandbox.
	Execute(ctx context.Context, command string) (*ExecResult, error)
	// Stop tears the sandbox down.
	Stop(ctx context.Context)
	// AllowsHostExec reports whether commands should run on the host instead.
	AllowsHostExec() bool
}

// New builds a sandbox for one session from config. sessionID scopes the
// sandbox name; projectDir is mounted as the workspace.
func New(cfg Config, sessionID, projectDir string, log *zap.SugaredLogger) (Sandbox, error) {
	switch cfg.Type {
	case "docker":
		return newDockerSandbox(cfg, sessionID, projectDir, log), nil
	case "none", "":
		return newNoneSandbox(sessionID, log), nil
	}
	return nil, fmt.Errorf("unknown sandbox type %q", cfg.Type)
}
