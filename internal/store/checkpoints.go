package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateCheckpoint persists a snapshot. The checkpoint number is assigned
// here and is monotonic per session.
func (s *Store) CreateCheckpoint(cp *Checkpoint) error {
	var max sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MAX(number) FROM checkpoints WHERE session_id = ?`, cp.SessionID,
	).Scan(&max)
	if err != nil {
		return fmt.Errorf("max checkpoint number: %w", err)
	}
	cp.Number = 1
	if max.Valid {
		cp.Number = int(max.Int64) + 1
	}

	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}

	_, err = s.db.Exec(
		`INSERT INTO checkpoints (id, session_id, project_id, number, type, transcript,
		        current_epic, current_task, completed_tasks, in_progress_tasks, blocked_tasks,
		        tool_cache, metrics, files_modified, vcs_revision, notes,
		        invalidated, invalidated_reason, can_resume_from, recovery_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.SessionID, cp.ProjectID, cp.Number, cp.Type, cp.Transcript,
		cp.CurrentEpic, cp.CurrentTask, marshalList(cp.CompletedTasks),
		marshalList(cp.InProgressTasks), marshalList(cp.BlockedTasks),
		marshalMap(cp.ToolCache), marshalJSON(cp.Metrics),
		marshalList(cp.FilesModified), cp.VCSRevision, cp.Notes,
		cp.Invalidated, cp.InvalidatedReason, cp.CanResumeFrom, cp.RecoveryCount, cp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

const checkpointColumns = `id, session_id, project_id, number, type, transcript,
	COALESCE(current_epic, ''), COALESCE(current_task, ''),
	COALESCE(completed_tasks, ''), COALESCE(in_progress_tasks, ''), COALESCE(blocked_tasks, ''),
	COALESCE(tool_cache, ''), COALESCE(metrics, ''),
	COALESCE(files_modified, ''), COALESCE(vcs_revision, ''), COALESCE(notes, ''),
	invalidated, COALESCE(invalidated_reason, ''), can_resume_from, recovery_count, created_at`

// GetCheckpoint retrieves a checkpoint by ID. Returns (nil, nil) if not found.
func (s *Store) GetCheckpoint(id string) (*Checkpoint, error) {
	row := s.db.QueryRow(`SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
	return scanCheckpoint(row)
}

// LatestCheckpoint returns the highest-numbered checkpoint for a session,
// invalidated or not. Returns (nil, nil) if the session has none.
func (s *Store) LatestCheckpoint(sessionID string) (*Checkpoint, error) {
	row := s.db.QueryRow(
		`SELECT `+checkpointColumns+` FROM checkpoints
		 WHERE session_id = ? ORDER BY number DESC LIMIT 1`,
		sessionID,
	)
	return scanCheckpoint(row)
}

// ResumableCheckpoint returns the highest-numbered valid resume point for a
// session, or (nil, nil) if none remains.
func (s *Store) ResumableCheckpoint(sessionID string) (*Checkpoint, error) {
	row := s.db.QueryRow(
		`SELECT `+checkpointColumns+` FROM checkpoints
		 WHERE session_id = ? AND invalidated = 0 AND can_resume_from = 1
		 ORDER BY number DESC LIMIT 1`,
		sessionID,
	)
	return scanCheckpoint(row)
}

// InvalidateCheckpoint invalidates the given checkpoint and every earlier one
// for the same session. Invalidation never runs forward: later checkpoints
// stay valid.
func (s *Store) InvalidateCheckpoint(id, reason string) error {
	cp, err := s.GetCheckpoint(id)
	if err != nil {
		return err
	}
	if cp == nil {
		return fmt.Errorf("%w: %s", ErrCheckpointNotFound, id)
	}

	_, err = s.db.Exec(
		`UPDATE checkpoints SET invalidated = 1, invalidated_reason = ?
		 WHERE session_id = ? AND number <= ? AND invalidated = 0`,
		reason, cp.SessionID, cp.Number,
	)
	if err != nil {
		return fmt.Errorf("invalidate checkpoint: %w", err)
	}
	return nil
}

// InvalidateSessionCheckpoints invalidates every checkpoint of a session.
func (s *Store) InvalidateSessionCheckpoints(sessionID, reason string) error {
	_, err := s.db.Exec(
		`UPDATE checkpoints SET invalidated = 1, invalidated_reason = ?
		 WHERE session_id = ? AND invalidated = 0`,
		reason, sessionID,
	)
	if err != nil {
		return fmt.Errorf("invalidate session checkpoints: %w", err)
	}
	return nil
}

// IncrementRecoveryCount bumps the checkpoint's recovery counter.
func (s *Store) IncrementRecoveryCount(id string) error {
	_, err := s.db.Exec(`UPDATE checkpoints SET recovery_count = recovery_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("increment recovery count: %w", err)
	}
	return nil
}

// RecordRecoveryAttempt appends a recovery attempt row.
func (s *Store) RecordRecoveryAttempt(ra *RecoveryAttempt) error {
	if ra.ID == "" {
		ra.ID = uuid.New().String()
	}
	if ra.CreatedAt.IsZero() {
		ra.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO recovery_attempts (id, checkpoint_id, session_id, method, status, notes, state_diff, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ra.ID, ra.CheckpointID, ra.SessionID, ra.Method, ra.Status, ra.Notes, ra.StateDiff, ra.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert recovery attempt: %w", err)
	}
	return nil
}

// UpdateRecoveryAttemptStatus finalizes a recovery attempt's outcome.
func (s *Store) UpdateRecoveryAttemptStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE recovery_attempts SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update recovery attempt: %w", err)
	}
	return nil
}

// ListRecoveryAttempts returns recovery attempts for a checkpoint in order.
func (s *Store) ListRecoveryAttempts(checkpointID string) ([]RecoveryAttempt, error) {
	rows, err := s.db.Query(
		`SELECT id, checkpoint_id, session_id, method, status, COALESCE(notes, ''), COALESCE(state_diff, ''), created_at
		 FROM recovery_attempts WHERE checkpoint_id = ? ORDER BY created_at ASC`,
		checkpointID,
	)
	if err != nil {
		return nil, fmt.Errorf("query recovery attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var attempts []RecoveryAttempt
	for rows.Next() {
		var ra RecoveryAttempt
		if err := rows.Scan(&ra.ID, &ra.CheckpointID, &ra.SessionID, &ra.Method, &ra.Status, &ra.Notes, &ra.StateDiff, &ra.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recovery attempt: %w", err)
		}
		attempts = append(attempts, ra)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return attempts, nil
}

func scanCheckpoint(row *sql.Row) (*Checkpoint, error) {
	var cp Checkpoint
	var completed, inProgress, blocked, toolCache, metrics, files string
	err := row.Scan(
		&cp.ID, &cp.SessionID, &cp.ProjectID, &cp.Number, &cp.Type, &cp.Transcript,
		&cp.CurrentEpic, &cp.CurrentTask,
		&completed, &inProgress, &blocked,
		&toolCache, &metrics,
		&files, &cp.VCSRevision, &cp.Notes,
		&cp.Invalidated, &cp.InvalidatedReason, &cp.CanResumeFrom, &cp.RecoveryCount, &cp.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}
	cp.CompletedTasks = unmarshalList(completed)
	cp.InProgressTasks = unmarshalList(inProgress)
	cp.BlockedTasks = unmarshalList(blocked)
	cp.ToolCache = unmarshalMap(toolCache)
	if metrics != "" {
		_ = json.Unmarshal([]byte(metrics), &cp.Metrics)
	}
	cp.FilesModified = unmarshalList(files)
	return &cp, nil
}

func marshalList(items []string) string {
	if len(items) == 0 {
		return ""
	}
	data, _ := json.Marshal(items)
	return string(data)
}

func unmarshalList(data string) []string {
	if data == "" {
		return nil
	}
	var items []string
	_ = json.Unmarshal([]byte(data), &items)
	return items
}

func marshalMap(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	data, _ := json.Marshal(m)
	return string(data)
}

func unmarshalMap(data string) map[string]string {
	if data == "" {
		return nil
	}
	var m map[string]string
	_ = json.Unmarshal([]byte(data), &m)
	return m
}

func marshalJSON(v any) string {
	data, _ := json.Marshal(v)
	return string(data)
}
