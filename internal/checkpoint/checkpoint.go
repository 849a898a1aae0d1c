// Package checkpoint creates and restores recoverable snapshots of session
// progress.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/foreman-dev/foreman/internal/store"
)

// ErrNotResumable is returned when a checkpoint exists but was created as a
// non-resumable snapshot.
var ErrNotResumable = errors.New("checkpoint is not a valid resume point")

// InvalidatedError is returned when restoring a checkpoint that has been
// invalidated; it carries the recorded reason.
type InvalidatedError struct {
	Reason string
}

func (e *InvalidatedError) Error() string {
	return fmt.Sprintf("checkpoint invalidated: %s", e.Reason)
}

// Manager coordinates checkpoint persistence and restoration.
type Manager struct {
	store *store.Store
	log   *zap.SugaredLogger
}

// NewManager returns a checkpoint Manager.
func NewManager(s *store.Store, log *zap.SugaredLogger) *Manager {
	return &Manager{store: s, log: log}
}

// CreateRequest describes one snapshot.
type CreateRequest struct {
	SessionID       string
	ProjectID       string
	Type            string
	Transcript      string
	CurrentEpic     string
	CurrentTask     string
	CompletedTasks  []string
	InProgressTasks []string
	BlockedTasks    []string
	ToolCache       map[string]string
	Metrics         store.Metrics
	FilesModified   []string
	VCSRevision     string
	Notes           string
	CanResumeFrom   bool
}

// Create persists a snapshot and returns the stored checkpoint.
func (m *Manager) Create(req CreateRequest) (*store.Checkpoint, error) {
	cp := &store.Checkpoint{
		SessionID:       req.SessionID,
		ProjectID:       req.ProjectID,
		Type:            req.Type,
		Transcript:      req.Transcript,
		CurrentEpic:     req.CurrentEpic,
		CurrentTask:     req.CurrentTask,
		CompletedTasks:  req.CompletedTasks,
		InProgressTasks: req.InProgressTasks,
		BlockedTasks:    req.BlockedTasks,
		ToolCache:       req.ToolCache,
		Metrics:         req.Metrics,
		FilesModified:   req.FilesModified,
		VCSRevision:     req.VCSRevision,
		Notes:           req.Notes,
		CanResumeFrom:   req.CanResumeFrom,
	}
	if err := m.store.CreateCheckpoint(cp); err != nil {
		return nil, err
	}
	m.log.Debugw("checkpoint created",
		"session", cp.SessionID, "number", cp.Number, "type", cp.Type)
	return cp, nil
}

// Latest returns the newest checkpoint for a session, or (nil, nil).
func (m *Manager) Latest(sessionID string) (*store.Checkpoint, error) {
	return m.store.LatestCheckpoint(sessionID)
}

// Resumable returns the newest valid resume point, or (nil, nil).
func (m *Manager) Resumable(sessionID string) (*store.Checkpoint, error) {
	return m.store.ResumableCheckpoint(sessionID)
}

// Invalidate marks the checkpoint and everything before it invalid.
func (m *Manager) Invalidate(checkpointID, reason string) error {
	return m.store.InvalidateCheckpoint(checkpointID, reason)
}

// InvalidateSession marks every checkpoint of the session invalid, for when
// the project state has diverged past any of its snapshots.
func (m *Manager) InvalidateSession(sessionID, reason string) error {
	return m.store.InvalidateSessionCheckpoints(sessionID, reason)
}

// Restore is the bundle a resumed session starts from. AttemptID identifies
// the pending recovery attempt; the caller finalizes it with FinishRecovery
// once the resumed session has a terminal status.
type Restore struct {
	Checkpoint *store.Checkpoint
	Prompt     string
	AttemptID  string
}

// RestoreFrom loads a checkpoint for resumption. The checkpoint must exist,
// be valid and be a resume point. Each restore bumps the recovery counter and
// records a recovery attempt.
func (m *Manager) RestoreFrom(checkpointID string) (*Restore, error) {
	cp, err := m.store.GetCheckpoint(checkpointID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("%w: %s", store.ErrCheckpointNotFound, checkpointID)
	}
	if cp.Invalidated {
		return nil, &InvalidatedError{Reason: cp.InvalidatedReason}
	}
	if !cp.CanResumeFrom {
		return nil, fmt.Errorf("%w: checkpoint %d of session %s", ErrNotResumable, cp.Number, cp.SessionID)
	}

	if err := m.store.IncrementRecoveryCount(cp.ID); err != nil {
		return nil, err
	}
	cp.RecoveryCount++

	// Every restore goes through the operator's resume path.
	attempt := &store.RecoveryAttempt{
		CheckpointID: cp.ID,
		SessionID:    cp.SessionID,
		Method:       store.RecoveryManual,
		Status:       store.RecoveryPending,
	}
	if err := m.store.RecordRecoveryAttempt(attempt); err != nil {
		return nil, err
	}

	return &Restore{
		Checkpoint: cp,
		Prompt:     buildResumePrompt(cp),
		AttemptID:  attempt.ID,
	}, nil
}

// FinishRecovery records the outcome of a restore once the resumed session
// reached a terminal state.
func (m *Manager) FinishRecovery(attemptID string, succeeded bool) error {
	status := store.RecoveryFailed
	if succeeded {
		status = store.RecoverySuccess
	}
	return m.store.UpdateRecoveryAttemptStatus(attemptID, status)
}

// buildResumePrompt synthesizes the prompt a resumed session starts with.
func buildResumePrompt(cp *store.Checkpoint) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are resuming interrupted work from checkpoint %d (%s), created %s.\n\n",
		cp.Number, cp.Type, cp.CreatedAt.Format(time.RFC3339))

	if cp.RecoveryCount > 1 {
		fmt.Fprintf(&b, "CAUTION: this checkpoint has already been recovered from %d time(s). "+
			"If the same failure recurs, stop and report it instead of retrying.\n\n",
			cp.RecoveryCount-1)
	}

	if cp.CurrentEpic != "" {
		fmt.Fprintf(&b, "Current epic: %s\n", cp.CurrentEpic)
	}
	if cp.CurrentTask != "" {
		fmt.Fprintf(&b, "Current task: %s\n", cp.CurrentTask)
	}
	if len(cp.CompletedTasks) > 0 {
		fmt.Fprintf(&b, "Completed tasks (%d): %s\n", len(cp.CompletedTasks), strings.Join(cp.CompletedTasks, ", "))
	}
	if len(cp.InProgressTasks) > 0 {
		fmt.Fprintf(&b, "In progress: %s\n", strings.Join(cp.InProgressTasks, ", "))
	}
	if len(cp.BlockedTasks) > 0 {
		fmt.Fprintf(&b, "Blocked: %s\n", strings.Join(cp.BlockedTasks, ", "))
	}
	if cp.Notes != "" {
		fmt.Fprintf(&b, "\nNotes from the checkpoint:\n%s\n", cp.Notes)
	}

	b.WriteString("\nSteps:\n")
	b.WriteString("1. Re-read the progress notes and the task list before changing anything.\n")
	b.WriteString("2. Verify the working tree matches the checkpoint (files below, revision if given).\n")
	b.WriteString("3. Finish the current task, then continue down the remaining tasks in order.\n")
	b.WriteString("4. Do not redo completed tasks.\n")

	if len(cp.FilesModified) > 0 {
		fmt.Fprintf(&b, "\nFiles modified up to this point: %s\n", strings.Join(cp.FilesModified, ", "))
	}
	if cp.VCSRevision != "" {
		fmt.Fprintf(&b, "Expected revision: %s\n", cp.VCSRevision)
	}

	return b.String()
}

// ActualState is what the world looks like at validation time.
type ActualState struct {
	FilesModified  []string
	VCSRevision    string
	CompletedTasks []string
}

// StateDiff describes the drift between a checkpoint and the actual state.
type StateDiff struct {
	FilesAdded     []string `json:"files_added,omitempty"`
	FilesRemoved   []string `json:"files_removed,omitempty"`
	RevisionBefore string   `json:"revision_before,omitempty"`
	RevisionAfter  string   `json:"revision_after,omitempty"`
	TasksAdded     []string `json:"tasks_added,omitempty"`
	TasksRemoved   []string `json:"tasks_removed,omitempty"`
}

// Empty reports whether the diff shows no drift.
func (d *StateDiff) Empty() bool {
	return len(d.FilesAdded) == 0 && len(d.FilesRemoved) == 0 &&
		d.RevisionBefore == d.RevisionAfter &&
		len(d.TasksAdded) == 0 && len(d.TasksRemoved) == 0
}

// JSON renders the diff for persistence on a recovery attempt.
func (d *StateDiff) JSON() string {
	data, _ := json.Marshal(d)
	return string(data)
}

// Validate compares a checkpoint against the actual state and returns whether
// they match plus the structural diff.
func (m *Manager) Validate(checkpointID string, actual ActualState) (bool, *StateDiff, error) {
	cp, err := m.store.GetCheckpoint(checkpointID)
	if err != nil {
		return false, nil, err
	}
	if cp == nil {
		return false, nil, fmt.Errorf("%w: %s", store.ErrCheckpointNotFound, checkpointID)
	}

	diff := &StateDiff{
		FilesAdded:   setDiff(actual.FilesModified, cp.FilesModified),
		FilesRemoved: setDiff(cp.FilesModified, actual.FilesModified),
		TasksAdded:   setDiff(actual.CompletedTasks, cp.CompletedTasks),
		TasksRemoved: setDiff(cp.CompletedTasks, actual.CompletedTasks),
	}
	if cp.VCSRevision != "" && cp.VCSRevision != actual.VCSRevision {
		diff.RevisionBefore = cp.VCSRevision
		diff.RevisionAfter = actual.VCSRevision
	}

	return diff.Empty(), diff, nil
}

// setDiff returns the elements of a that are not in b, sorted.
func setDiff(a, b []string) []string {
	in := make(map[string]bool, len(b))
	for _, s := range b {
		in[s] = true
	}
	var out []string
	for _, s := range a {
		if !in[s] {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
