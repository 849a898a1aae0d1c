package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreatePausedSession records a pause awaiting human attention.
func (s *Store) CreatePausedSession(ps *PausedSession) error {
	if ps.ID == "" {
		ps.ID = uuid.New().String()
	}
	if ps.CreatedAt.IsZero() {
		ps.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO paused_sessions (id, session_id, project_id, reason, pause_type,
		        blocker, retry_stats, current_task, message_count,
		        resolved, can_auto_resume, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		ps.ID, ps.SessionID, ps.ProjectID, ps.Reason, ps.PauseType,
		ps.Blocker, ps.RetryStats, ps.CurrentTask, ps.MessageCount,
		ps.CanAutoResume, ps.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert paused session: %w", err)
	}
	return nil
}

const pausedColumns = `id, session_id, project_id, reason, pause_type,
	COALESCE(blocker, ''), COALESCE(retry_stats, ''), COALESCE(current_task, ''),
	message_count, resolved, COALESCE(resolved_by, ''), COALESCE(resolution_notes, ''),
	can_auto_resume, created_at, resolved_at`

// GetPausedSession returns the unresolved pause record for a session,
// or (nil, nil) if the session is not paused.
func (s *Store) GetPausedSession(sessionID string) (*PausedSession, error) {
	row := s.db.QueryRow(
		`SELECT `+pausedColumns+` FROM paused_sessions
		 WHERE session_id = ? AND resolved = 0
		 ORDER BY created_at DESC LIMIT 1`,
		sessionID,
	)
	return scanPaused(row)
}

// GetPausedSessionAny returns the most recent pause record for a session,
// resolved or not. Returns (nil, nil) if none exists.
func (s *Store) GetPausedSessionAny(sessionID string) (*PausedSession, error) {
	row := s.db.QueryRow(
		`SELECT `+pausedColumns+` FROM paused_sessions
		 WHERE session_id = ?
		 ORDER BY created_at DESC LIMIT 1`,
		sessionID,
	)
	return scanPaused(row)
}

// ResolvePausedSession marks the pause resolved. Resolution always clears
// can_auto_resume: a session that required a human to step in never restarts
// without an explicit resume.
func (s *Store) ResolvePausedSession(id, resolvedBy, notes string) error {
	res, err := s.db.Exec(
		`UPDATE paused_sessions
		 SET resolved = 1, resolved_by = ?, resolution_notes = ?, can_auto_resume = 0, resolved_at = ?
		 WHERE id = ? AND resolved = 0`,
		resolvedBy, notes, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("resolve paused session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrAlreadyResolved
	}
	return nil
}

// ListUnresolvedPauses returns all unresolved pause records for a project.
func (s *Store) ListUnresolvedPauses(projectID string) ([]PausedSession, error) {
	rows, err := s.db.Query(
		`SELECT `+pausedColumns+` FROM paused_sessions
		 WHERE project_id = ? AND resolved = 0 ORDER BY created_at ASC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("query paused sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var pauses []PausedSession
	for rows.Next() {
		ps, err := scanPausedRow(rows)
		if err != nil {
			return nil, err
		}
		pauses = append(pauses, *ps)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return pauses, nil
}

func scanPaused(row *sql.Row) (*PausedSession, error) {
	ps, err := scanPausedRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ps, err
}

func scanPausedRow(row rowScanner) (*PausedSession, error) {
	var ps PausedSession
	var resolvedAt sql.NullTime
	err := row.Scan(
		&ps.ID, &ps.SessionID, &ps.ProjectID, &ps.Reason, &ps.PauseType,
		&ps.Blocker, &ps.RetryStats, &ps.CurrentTask,
		&ps.MessageCount, &ps.Resolved, &ps.ResolvedBy, &ps.ResolutionNotes,
		&ps.CanAutoResume, &ps.CreatedAt, &resolvedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan paused session: %w", err)
	}
	if resolvedAt.Valid {
		ps.ResolvedAt = &resolvedAt.Time
	}
	return &ps, nil
}
