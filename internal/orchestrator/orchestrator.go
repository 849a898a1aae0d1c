// Package orchestrator drives agent work sessions: the per-session state
// machine, the auto-continue loop, heartbeats and the stale-session sweep.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/foreman-dev/foreman/internal/checkpoint"
	"github.com/foreman-dev/foreman/internal/config"
	"github.com/foreman-dev/foreman/internal/events"
	"github.com/foreman-dev/foreman/internal/executor"
	"github.com/foreman-dev/foreman/internal/notify"
	"github.com/foreman-dev/foreman/internal/sandbox"
	"github.com/foreman-dev/foreman/internal/store"
)

// Errors raised before any session row exists. Everything that happens after
// a session starts running is reported through the session's status instead.
var (
	ErrProjectNotFound    = errors.New("project not found")
	ErrMissingModel       = errors.New("no model configured for session type")
	ErrAlreadyInitialized = errors.New("project already initialized")
)

// QualityHook is invoked after each terminal session with a coarse quality
// score. forceFinal is true when the auto-continue loop just completed the
// whole project. Scoring heuristics live outside the orchestrator.
type QualityHook func(sessionID string, score float64, forceFinal bool)

// sandboxFactory builds a sandbox for one session. Swapped in tests.
type sandboxFactory func(cfg sandbox.Config, sessionID, projectDir string, log *zap.SugaredLogger) (sandbox.Sandbox, error)

// Orchestrator owns session lifecycle for all projects in one process.
type Orchestrator struct {
	cfg        *config.Config
	store      *store.Store
	exec       executor.Executor
	checkpoint *checkpoint.Manager
	notifier   *notify.Notifier
	log        *zap.SugaredLogger

	quality    QualityHook
	newSandbox sandboxFactory

	mu        sync.Mutex
	stopFlags map[string]bool               // project name -> stop requested
	cancels   map[string]context.CancelFunc // session id -> cancel
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithQualityHook installs the post-session quality callback.
func WithQualityHook(hook QualityHook) Option {
	return func(o *Orchestrator) { o.quality = hook }
}

// withSandboxFactory overrides sandbox construction. Test-only.
func withSandboxFactory(f sandboxFactory) Option {
	return func(o *Orchestrator) { o.newSandbox = f }
}

// New returns an Orchestrator.
func New(cfg *config.Config, s *store.Store, exec executor.Executor, notifier *notify.Notifier, log *zap.SugaredLogger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		store:      s,
		exec:       exec,
		checkpoint: checkpoint.NewManager(s, log),
		notifier:   notifier,
		log:        log,
		newSandbox: sandbox.New,
		stopFlags:  make(map[string]bool),
		cancels:    make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Checkpoints exposes the checkpoint manager for resume flows.
func (o *Orchestrator) Checkpoints() *checkpoint.Manager { return o.checkpoint }

// CreateProject registers a project against its working directory. The
// directory may already contain code; initialization decides what to do with
// it. force resets an existing project of the same name.
func (o *Orchestrator) CreateProject(name, dir string, settings map[string]string, force bool) (*store.Project, error) {
	p, err := o.store.CreateProject(name, dir, o.cfg.Sandbox.Type, settings, force)
	if err != nil {
		return nil, err
	}

	if logger, logErr := events.NewLogger(dir); logErr == nil {
		_ = logger.Append(events.LogEvent{Event: events.EventProjectCreated})
	}

	o.log.Infow("project created", "name", name, "dir", dir, "force", force)
	return p, nil
}

// RequestStop flips the project's stop flag. The running session converts to
// interrupted at its next stream boundary.
func (o *Orchestrator) RequestStop(projectName string) {
	o.mu.Lock()
	o.stopFlags[projectName] = true
	o.mu.Unlock()
	o.log.Infow("stop requested", "project", projectName)
}

// ClearStop resets the project's stop flag.
func (o *Orchestrator) ClearStop(projectName string) {
	o.mu.Lock()
	delete(o.stopFlags, projectName)
	o.mu.Unlock()
}

func (o *Orchestrator) stopRequested(projectName string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopFlags[projectName]
}

// StopSession requests cooperative cancellation of a running session.
// Returns whether a running session with that id was found.
func (o *Orchestrator) StopSession(sessionID, reason string) bool {
	o.mu.Lock()
	cancel, ok := o.cancels[sessionID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	o.log.Infow("session stop requested", "session", sessionID, "reason", reason)
	cancel()
	return true
}

func (o *Orchestrator) registerCancel(sessionID string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.cancels[sessionID] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) unregisterCancel(sessionID string) {
	o.mu.Lock()
	delete(o.cancels, sessionID)
	o.mu.Unlock()
}

// lookupProject resolves a project name, mapping absence to ErrProjectNotFound.
func (o *Orchestrator) lookupProject(name string) (*store.Project, error) {
	p, err := o.store.GetProject(name)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, name)
	}
	return p, nil
}
