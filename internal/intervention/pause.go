// pause.go implements the pause and resume workflows around paused sessions.
package intervention

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/foreman-dev/foreman/internal/notify"
	"github.com/foreman-dev/foreman/internal/progress"
	"github.com/foreman-dev/foreman/internal/store"
)

// Pauser runs the pause workflow: notify once, persist the pause record,
// write the incident block to the project's progress notes.
type Pauser struct {
	store    *store.Store
	notifier *notify.Notifier
	log      *zap.SugaredLogger

	mu       sync.Mutex
	notified map[string]bool // sessionID -> notification already sent
}

// NewPauser returns a Pauser.
func NewPauser(s *store.Store, n *notify.Notifier, log *zap.SugaredLogger) *Pauser {
	return &Pauser{
		store:    s,
		notifier: n,
		log:      log,
		notified: make(map[string]bool),
	}
}

// PauseRequest carries everything the pause workflow records.
type PauseRequest struct {
	Session     *store.Session
	Project     *store.Project
	Reason      string
	PauseType   string
	Blocker     *Blocker
	Stats       Stats
	CurrentTask string
}

// Pause executes the workflow. Notification failures are logged and do not
// block persistence.
func (p *Pauser) Pause(ctx context.Context, req PauseRequest) (*store.PausedSession, error) {
	p.notifyOnce(ctx, req)

	ps := &store.PausedSession{
		SessionID:    req.Session.ID,
		ProjectID:    req.Project.ID,
		Reason:       req.Reason,
		PauseType:    req.PauseType,
		RetryStats:   req.Stats.JSON(),
		CurrentTask:  req.CurrentTask,
		MessageCount: req.Session.Metrics.MessageCount,
	}
	if req.Blocker != nil {
		ps.Blocker = req.Blocker.JSON()
	}
	if err := p.store.CreatePausedSession(ps); err != nil {
		return nil, fmt.Errorf("record paused session: %w", err)
	}

	inc := progress.Incident{
		SessionNumber: req.Session.Number,
		Error:         req.Reason,
		TotalRetries:  req.Stats.TotalCommands,
		MaxRetries:    req.Stats.MaxSingleRepeat,
		UniqueErrors:  req.Stats.UniqueErrors,
	}
	if req.Blocker != nil {
		inc.Blockers = []progress.BlockerLine{{Category: req.Blocker.Category, Message: req.Blocker.Message}}
	}
	if err := progress.RecordIncident(req.Project.Dir, inc); err != nil {
		p.log.Warnw("progress incident not recorded", "session", req.Session.ID, "error", err)
	}

	p.log.Infow("session paused",
		"session", req.Session.ID, "number", req.Session.Number,
		"pause_type", req.PauseType, "reason", req.Reason)
	return ps, nil
}

// notifyOnce sends the pause notification at most once per session.
func (p *Pauser) notifyOnce(ctx context.Context, req PauseRequest) {
	p.mu.Lock()
	if p.notified[req.Session.ID] {
		p.mu.Unlock()
		return
	}
	p.notified[req.Session.ID] = true
	p.mu.Unlock()

	details := map[string]any{
		"session_id": req.Session.ID,
		"project":    req.Project.Name,
		"stats": map[string]any{
			"total_retries":                 req.Stats.TotalCommands,
			"max_retries_on_single_command": req.Stats.MaxSingleRepeat,
			"unique_errors":                 req.Stats.UniqueErrors,
			"total_errors":                  req.Stats.TotalErrors,
		},
	}
	if req.Blocker != nil {
		details["blocker"] = req.Blocker
	}

	title := fmt.Sprintf("Session %d paused (%s)", req.Session.Number, req.PauseType)
	if err := p.notifier.Send(ctx, title, req.Reason, details); err != nil {
		p.log.Warnw("pause notification failed", "session", req.Session.ID, "error", err)
	}
}

// Resume resolves a paused session and returns the prompt the follow-up
// session starts with. Returns store.ErrNotPaused when the session has no
// unresolved pause record.
func (p *Pauser) Resume(sessionID, resolvedBy, notes string) (string, error) {
	ps, err := p.store.GetPausedSession(sessionID)
	if err != nil {
		return "", err
	}
	if ps == nil {
		return "", fmt.Errorf("%w: %s", store.ErrNotPaused, sessionID)
	}

	// Resolution always writes can_auto_resume=false.
	if err := p.store.ResolvePausedSession(ps.ID, resolvedBy, notes); err != nil {
		return "", err
	}

	p.log.Infow("paused session resolved",
		"session", sessionID, "resolved_by", resolvedBy)
	return buildResumePrompt(ps, notes), nil
}

// buildResumePrompt tailors the restart prompt to what paused the session.
func buildResumePrompt(ps *store.PausedSession, resolutionNotes string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "This session was paused (%s): %s\n", ps.PauseType, ps.Reason)
	if resolutionNotes != "" {
		fmt.Fprintf(&b, "Resolution notes from the human who unblocked it: %s\n", resolutionNotes)
	}
	if ps.CurrentTask != "" {
		fmt.Fprintf(&b, "Task in progress at pause time: %s\n", ps.CurrentTask)
	}
	if ps.Blocker != "" {
		fmt.Fprintf(&b, "Blocker snapshot: %s\n", ps.Blocker)
	}

	b.WriteString("\nSteps:\n")
	b.WriteString("1. Verify the blocker above is actually gone before doing anything else.\n")
	b.WriteString("2. Re-run the command that was failing; if it still fails, stop and report.\n")
	b.WriteString("3. Continue the task in progress from where it left off.\n")
	return b.String()
}
