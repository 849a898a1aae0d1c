// Package store provides SQLite-backed persistence for projects, sessions,
// checkpoints, paused sessions and recovery attempts.
package store

import "time"

// Session status values. A session starts pending, moves to running, and
// ends in exactly one terminal state.
const (
	StatusPending     = "pending"
	StatusRunning     = "running"
	StatusCompleted   = "completed"
	StatusError       = "error"
	StatusInterrupted = "interrupted"
	StatusBlocked     = "blocked"
)

// Session types. The initializer session is always number 0.
const (
	TypeInitializer = "initializer"
	TypeCoding      = "coding"
	TypeReview      = "review"
)

// Pause types recorded on paused sessions.
const (
	PauseRetryLimit    = "retry_limit"
	PauseCriticalError = "critical_error"
	PauseManual        = "manual"
	PauseTimeout       = "timeout"
)

// Checkpoint types.
const (
	CheckpointTaskCompletion = "task_completion"
	CheckpointEpicCompletion = "epic_completion"
	CheckpointManual         = "manual"
	CheckpointError          = "error"
)

// Recovery attempt methods.
const (
	RecoveryAutomatic = "automatic"
	RecoveryManual    = "manual"
	RecoveryPartial   = "partial"
)

// Recovery attempt statuses. An attempt is recorded pending and finalized
// when the resumed session reaches a terminal state.
const (
	RecoveryPending = "pending"
	RecoverySuccess = "success"
	RecoveryFailed  = "failed"
)

// Task status values.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskBlocked    = "blocked"
)

// Project is a unit of work the orchestrator drives to completion.
type Project struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Dir         string            `json:"dir"`
	SandboxType string            `json:"sandbox_type"`
	Settings    map[string]string `json:"settings,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Epic is a planning unit produced by the initializer session.
type Epic struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	Position  int    `json:"position"`
}

// Task is a unit of work within an epic.
type Task struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	EpicID    string `json:"epic_id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	Position  int    `json:"position"`
}

// Session is one agent work session against a project.
type Session struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"project_id"`
	Number        int        `json:"number"`
	Type          string     `json:"type"`
	Status        string     `json:"status"`
	Model         string     `json:"model"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	Metrics       Metrics    `json:"metrics"`
}

// Metrics is the per-session usage snapshot accumulated from the event stream.
type Metrics struct {
	DurationMs   int64   `json:"duration_ms"`
	MessageCount int     `json:"message_count"`
	ToolCount    int     `json:"tool_count"`
	TokensIn     int     `json:"tokens_in"`
	TokensOut    int     `json:"tokens_out"`
	CostUSD      float64 `json:"cost_usd"`
}

// Terminal reports whether status is one of the four terminal states.
func Terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusError, StatusInterrupted, StatusBlocked:
		return true
	}
	return false
}

// Checkpoint is a recoverable snapshot of session progress.
type Checkpoint struct {
	ID                string            `json:"id"`
	SessionID         string            `json:"session_id"`
	ProjectID         string            `json:"project_id"`
	Number            int               `json:"number"`
	Type              string            `json:"type"`
	Transcript        string            `json:"transcript"`
	CurrentEpic       string            `json:"current_epic,omitempty"`
	CurrentTask       string            `json:"current_task,omitempty"`
	CompletedTasks    []string          `json:"completed_tasks,omitempty"`
	InProgressTasks   []string          `json:"in_progress_tasks,omitempty"`
	BlockedTasks      []string          `json:"blocked_tasks,omitempty"`
	ToolCache         map[string]string `json:"tool_cache,omitempty"` // last result per tool
	Metrics           Metrics           `json:"metrics"`
	FilesModified     []string          `json:"files_modified,omitempty"`
	VCSRevision       string            `json:"vcs_revision,omitempty"`
	Notes             string            `json:"notes,omitempty"`
	Invalidated       bool              `json:"invalidated"`
	InvalidatedReason string            `json:"invalidated_reason,omitempty"`
	CanResumeFrom     bool              `json:"can_resume_from"`
	RecoveryCount     int               `json:"recovery_count"`
	CreatedAt         time.Time         `json:"created_at"`
}

// PausedSession records a session paused for human attention.
type PausedSession struct {
	ID              string     `json:"id"`
	SessionID       string     `json:"session_id"`
	ProjectID       string     `json:"project_id"`
	Reason          string     `json:"reason"`
	PauseType       string     `json:"pause_type"`
	Blocker         string     `json:"blocker,omitempty"`     // JSON-encoded blocker detail
	RetryStats      string     `json:"retry_stats,omitempty"` // JSON-encoded retry stats
	CurrentTask     string     `json:"current_task,omitempty"`
	MessageCount    int        `json:"message_count"`
	Resolved        bool       `json:"resolved"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`
	CanAutoResume   bool       `json:"can_auto_resume"`
	CreatedAt       time.Time  `json:"created_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

// RecoveryAttempt records one attempt to restore a session from a checkpoint.
type RecoveryAttempt struct {
	ID           string    `json:"id"`
	CheckpointID string    `json:"checkpoint_id"`
	SessionID    string    `json:"session_id"`
	Method       string    `json:"method"`
	Status       string    `json:"status"`
	Notes        string    `json:"notes,omitempty"`
	StateDiff    string    `json:"state_diff,omitempty"` // JSON-encoded structural diff
	CreatedAt    time.Time `json:"created_at"`
}
