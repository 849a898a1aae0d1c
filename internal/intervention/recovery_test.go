package intervention

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/foreman-dev/foreman/internal/sandbox"
)

// scriptedRunner returns canned results per command and records what ran.
type scriptedRunner struct {
	results  map[string]*sandbox.ExecResult
	commands []string
}

func (r *scriptedRunner) Run(ctx context.Context, command string) (*sandbox.ExecResult, error) {
	r.commands = append(r.commands, command)
	if res, ok := r.results[command]; ok {
		return res, nil
	}
	return &sandbox.ExecResult{ExitCode: 0}, nil
}

func TestAttemptFreePort(t *testing.T) {
	runner := &scriptedRunner{}
	m := NewAutoRecoveryManager(runner, t.TempDir(), zap.NewNop().Sugar())

	ok, msg := m.Attempt(context.Background(), &Blocker{
		Category: CategoryPortConflict,
		Message:  "Error: Port 8080 already in use",
	})
	if !ok {
		t.Fatalf("remediation failed: %s", msg)
	}
	if len(runner.commands) != 1 || runner.commands[0] != "lsof -ti :8080 | xargs -r kill -9" {
		t.Errorf("commands: %v", runner.commands)
	}
}

func TestAttemptPortMissingNumber(t *testing.T) {
	m := NewAutoRecoveryManager(&scriptedRunner{}, t.TempDir(), zap.NewNop().Sugar())
	ok, msg := m.Attempt(context.Background(), &Blocker{
		Category: CategoryPortConflict,
		Message:  "address already in use",
	})
	if ok {
		t.Errorf("should not succeed without a port number, got %q", msg)
	}
}

func TestAttemptServiceAlreadyUp(t *testing.T) {
	runner := &scriptedRunner{results: map[string]*sandbox.ExecResult{
		"redis-cli ping": {Stdout: "PONG", ExitCode: 0},
	}}
	m := NewAutoRecoveryManager(runner, t.TempDir(), zap.NewNop().Sugar())

	ok, msg := m.Attempt(context.Background(), &Blocker{Category: CategoryCacheUnavailable, Message: "redis connection refused"})
	if !ok || msg != "service already up" {
		t.Errorf("got (%v, %q)", ok, msg)
	}
	if len(runner.commands) != 1 {
		t.Errorf("probe alone should have run, got %v", runner.commands)
	}
}

func TestAttemptInstallByManifest(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}

	runner := &scriptedRunner{}
	m := NewAutoRecoveryManager(runner, dir, zap.NewNop().Sugar())

	ok, msg := m.Attempt(context.Background(), &Blocker{Category: CategoryMissingModule, Message: "Cannot find module 'express'"})
	if !ok {
		t.Fatalf("remediation failed: %s", msg)
	}
	if len(runner.commands) != 1 || runner.commands[0] != "npm install" {
		t.Errorf("commands: %v", runner.commands)
	}
}

func TestAttemptUnknownCategory(t *testing.T) {
	m := NewAutoRecoveryManager(&scriptedRunner{}, t.TempDir(), zap.NewNop().Sugar())
	ok, _ := m.Attempt(context.Background(), &Blocker{Category: CategoryCompileError, Message: "SyntaxError"})
	if ok {
		t.Error("compile errors have no remediation")
	}
}
