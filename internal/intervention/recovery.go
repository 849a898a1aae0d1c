// recovery.go holds the advisory auto-remediation strategies for blockers.
package intervention

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/foreman-dev/foreman/internal/sandbox"
)

// CommandRunner executes a shell command wherever the session's commands run.
// *sandbox.Router satisfies it.
type CommandRunner interface {
	Run(ctx context.Context, command string) (*sandbox.ExecResult, error)
}

// AutoRecoveryManager maps blocker categories to best-effort remediations.
// Remediations are advisory: whatever they return, the pause workflow still
// runs.
type AutoRecoveryManager struct {
	runner     CommandRunner
	projectDir string
	log        *zap.SugaredLogger
}

// NewAutoRecoveryManager returns a manager executing remediations through
// the given runner.
func NewAutoRecoveryManager(runner CommandRunner, projectDir string, log *zap.SugaredLogger) *AutoRecoveryManager {
	return &AutoRecoveryManager{runner: runner, projectDir: projectDir, log: log}
}

// Attempt runs the remediation for the blocker's category. It returns
// whether the remediation believes it succeeded, plus a human-readable
// message. It never returns an error.
func (m *AutoRecoveryManager) Attempt(ctx context.Context, b *Blocker) (bool, string) {
	var ok bool
	var msg string

	switch b.Category {
	case CategoryPortConflict:
		ok, msg = m.freePort(ctx, b.Message)
	case CategoryCacheUnavailable:
		ok, msg = m.startService(ctx, "redis-cli ping", []string{
			"systemctl start redis 2>/dev/null",
			"brew services start redis 2>/dev/null",
			"redis-server --daemonize yes",
		})
	case CategoryDatabaseConnection:
		ok, msg = m.startService(ctx, "pg_isready", []string{
			"systemctl start postgresql 2>/dev/null",
			"brew services start postgresql 2>/dev/null",
			"pg_ctl start -D ${PGDATA:-/usr/local/var/postgres}",
		})
	case CategoryMissingModule, CategoryDependencyFailure:
		ok, msg = m.installDependencies(ctx)
	default:
		return false, fmt.Sprintf("no remediation for category %s", b.Category)
	}

	m.log.Infow("auto-recovery attempted",
		"category", b.Category, "success", ok, "message", msg)
	return ok, msg
}

var portPattern = regexp.MustCompile(`(?i)port\s+(\d+)|:(\d{2,5})\b`)

// freePort kills whatever is listening on the conflicting port.
func (m *AutoRecoveryManager) freePort(ctx context.Context, message string) (bool, string) {
	match := portPattern.FindStringSubmatch(message)
	if match == nil {
		return false, "no port number found in blocker message"
	}
	port := match[1]
	if port == "" {
		port = match[2]
	}

	res, err := m.runner.Run(ctx, fmt.Sprintf("lsof -ti :%s | xargs -r kill -9", port))
	if err != nil {
		return false, fmt.Sprintf("freeing port %s failed: %v", port, err)
	}
	if res.ExitCode != 0 {
		return false, fmt.Sprintf("freeing port %s exited %d: %s", port, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return true, fmt.Sprintf("killed process on port %s", port)
}

// startService probes a service and walks a short list of platform start
// commands until the probe passes.
func (m *AutoRecoveryManager) startService(ctx context.Context, probe string, starts []string) (bool, string) {
	if res, err := m.runner.Run(ctx, probe); err == nil && res.ExitCode == 0 {
		return true, "service already up"
	}

	for _, start := range starts {
		if _, err := m.runner.Run(ctx, start); err != nil {
			continue
		}
		if res, err := m.runner.Run(ctx, probe); err == nil && res.ExitCode == 0 {
			return true, fmt.Sprintf("started via: %s", start)
		}
	}
	return false, "service did not come up"
}

// installDependencies picks the install command from whichever manifest the
// project carries.
func (m *AutoRecoveryManager) installDependencies(ctx context.Context) (bool, string) {
	manifests := []struct {
		file    string
		command string
	}{
		{"go.mod", "go mod tidy"},
		{"package.json", "npm install"},
		{"requirements.txt", "pip install -r requirements.txt"},
		{"pyproject.toml", "pip install -e ."},
	}

	for _, man := range manifests {
		if _, err := os.Stat(filepath.Join(m.projectDir, man.file)); err != nil {
			continue
		}
		res, err := m.runner.Run(ctx, man.command)
		if err != nil {
			return false, fmt.Sprintf("%s failed: %v", man.command, err)
		}
		if res.ExitCode != 0 {
			return false, fmt.Sprintf("%s exited %d", man.command, res.ExitCode)
		}
		return true, fmt.Sprintf("ran %s", man.command)
	}
	return false, "no dependency manifest found"
}
