// claude.go runs the Claude CLI as a subprocess and streams its output.
package executor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
)

// ClaudeCLI is the production Executor: it spawns the claude binary with
// stream-json output and decodes each line as it arrives.
type ClaudeCLI struct {
	// Binary overrides the executable name. Defaults to "claude".
	Binary string
}

// Start spawns the subprocess. The returned stream terminates with io.EOF
// once the process exits cleanly; a cancelled ctx kills the process and
// surfaces ctx.Err().
func (c *ClaudeCLI) Start(ctx context.Context, req Request) (Stream, error) {
	binary := c.Binary
	if binary == "" {
		binary = "claude"
	}

	args := buildArgs(req)
	cmd := exec.CommandContext(ctx, binary, args...)
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", binary, err)
	}

	scanner := bufio.NewScanner(stdout)
	// Tool results can be large; allow lines up to 10 MiB.
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	return &cliStream{
		ctx:     ctx,
		cmd:     cmd,
		scanner: scanner,
		stderr:  &stderr,
	}, nil
}

// buildArgs constructs the CLI argument slice for an agent invocation.
func buildArgs(req Request) []string {
	args := []string{
		"-p", req.Prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--allowedTools", "Read,Write,Edit,Bash,Grep,Glob",
		"--dangerously-skip-permissions",
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	return args
}

type cliStream struct {
	ctx     context.Context
	cmd     *exec.Cmd
	scanner *bufio.Scanner
	stderr  *bytes.Buffer
	pending []Event
	done    bool
}

func (s *cliStream) Next() (Event, error) {
	if len(s.pending) > 0 {
		ev := s.pending[0]
		s.pending = s.pending[1:]
		return ev, nil
	}
	if s.done {
		return Event{}, io.EOF
	}

	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		events, err := DecodeLine(line)
		if err != nil {
			return Event{}, err
		}
		if len(events) == 0 {
			continue
		}
		s.pending = events[1:]
		return events[0], nil
	}

	s.done = true
	if err := s.scanner.Err(); err != nil {
		_ = s.cmd.Wait()
		return Event{}, fmt.Errorf("reading stream: %w", err)
	}
	if err := s.cmd.Wait(); err != nil {
		if s.ctx.Err() != nil {
			return Event{}, s.ctx.Err()
		}
		return Event{}, fmt.Errorf("executor exited with error: %w\nstderr: %s", err, s.stderr.String())
	}
	return Event{}, io.EOF
}

func (s *cliStream) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	return nil
}
