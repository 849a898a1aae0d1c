// docker.go implements the Docker-backed sandbox.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// stopGrace bounds teardown of a container whose session context is already
// cancelled.
const stopGrace = 30 * time.Second

// dockerSandbox runs session commands inside a long-lived container mounted
// on the project directory.
type dockerSandbox struct {
	cfg        Config
	name       string
	projectDir string
	log        *zap.SugaredLogger

	mu    sync.Mutex
	state string
}

func newDockerSandbox(cfg Config, sessionID, projectDir string, log *zap.SugaredLogger) *dockerSandbox {
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return &dockerSandbox{
		cfg:        cfg,
		name:       "foreman-" + short,
		projectDir: projectDir,
		log:        log,
		state:      StateStopped,
	}
}

func (d *dockerSandbox) Name() string { return d.name }

func (d *dockerSandbox) State() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *dockerSandbox) AllowsHostExec() bool { return false }

// Start launches the container and waits for it to answer a probe command.
// On failure or timeout the container is force-removed before returning.
func (d *dockerSandbox) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.state != StateStopped {
		state := d.state
		d.mu.Unlock()
		return fmt.Errorf("sandbox %s: start from state %s", d.name, state)
	}
	d.state = StateStarting
	d.mu.Unlock()

	if d.cfg.StartupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.StartupTimeout)
		defer cancel()
	}

	args := d.runArgs()
	if out, err := runDocker(ctx, args...); err != nil {
		d.forceRemove()
		d.setState(StateStopped)
		return fmt.Errorf("sandbox %s: docker run: %w\n%s", d.name, err, out)
	}

	// The container is up once a trivial exec succeeds.
	if _, err := d.dockerExec(ctx, "true"); err != nil {
		d.forceRemove()
		d.setState(StateStopped)
		return fmt.Errorf("sandbox %s: startup probe: %w", d.name, err)
	}

	d.setState(StateRunning)
	d.log.Debugw("sandbox started", "name", d.name, "image", d.cfg.Image)
	return nil
}

func (d *dockerSandbox) runArgs() []string {
	args := []string{
		"run", "-d", "--name", d.name,
		"-v", d.projectDir + ":/workspace",
		"-w", "/workspace",
		"--label", "foreman.session_type=" + d.cfg.SessionType,
	}
	if d.cfg.Network != "" {
		args = append(args, "--network", d.cfg.Network)
	}
	if d.cfg.Memory != "" {
		args = append(args, "--memory", d.cfg.Memory)
	}
	if d.cfg.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(d.cfg.CPUs, 'f', -1, 64))
	}
	for _, port := range d.cfg.Ports {
		args = append(args, "-p", port)
	}
	args = append(args, d.cfg.Image, "sleep", "infinity")
	return args
}

// Execute runs a shell command inside the container.
func (d *dockerSandbox) Execute(ctx context.Context, command string) (*ExecResult, error) {
	if d.State() != StateRunning {
		return nil, fmt.Errorf("sandbox %s: execute while %s", d.name, d.State())
	}
	return d.dockerExec(ctx, command)
}

func (d *dockerSandbox) dockerExec(ctx context.Context, command string) (*ExecResult, error) {
	cmd := exec.CommandContext(ctx, "docker", "exec", d.name, "sh", "-c", command)

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
		return nil, fmt.Errorf("docker exec: %w", err)
	}
	return res, nil
}

// Stop removes the container. Failures are logged, not returned.
func (d *dockerSandbox) Stop(ctx context.Context) {
	d.mu.Lock()
	if d.state == StateStopped {
		d.mu.Unlock()
		return
	}
	d.state = StateStopped
	d.mu.Unlock()

	if out, err := runDocker(ctx, "rm", "-f", d.name); err != nil {
		d.log.Warnw("sandbox stop failed", "name", d.name, "error", err, "output", out)
		return
	}
	d.log.Debugw("sandbox stopped", "name", d.name)
}

// forceRemove cleans up after a failed start. The container may or may not
// exist; errors are ignored.
func (d *dockerSandbox) forceRemove() {
	ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	_, _ = runDocker(ctx, "rm", "-f", d.name)
}

func (d *dockerSandbox) setState(state string) {
	d.mu.Lock()
	d.state = state
	d.mu.Unlock()
}

func runDocker(ctx context.Context, args ...string) (string, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}
