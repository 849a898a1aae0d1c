// router.go routes session shell commands to the session's own sandbox.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// Router decides where a session's shell commands run. One Router is built
// per session and handed down with the session's context, so concurrent
// sessions can never execute into each other's sandboxes.
type Router struct {
	sb Sandbox
}

// NewRouter returns a Router bound to the session's sandbox. A nil sandbox
// routes everything to the host.
func NewRouter(sb Sandbox) *Router {
	return &Router{sb: sb}
}

// Run executes a shell command in the right place: the host when there is no
// isolating sandbox, otherwise inside the session's sandbox.
func (r *Router) Run(ctx context.Context, command string) (*ExecResult, error) {
	if r.sb == nil || r.sb.AllowsHostExec() {
		return hostExec(ctx, command)
	}
	return r.sb.Execute(ctx, command)
}

// Sandboxed reports whether commands are isolated from the host.
func (r *Router) Sandboxed() bool {
	return r.sb != nil && !r.sb.AllowsHostExec()
}

func hostExec(ctx context.Context, command string) (*ExecResult, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("host exec: %w", err)
	}
	return res, nil
}
