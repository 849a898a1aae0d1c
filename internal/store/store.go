package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// Store provides SQLite-backed persistence for the orchestrator.
type Store struct {
	db *sql.DB
}

// NewStore opens the SQLite database at dbPath and creates tables if they don't exist.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Session transitions from multiple goroutines share one connection.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		dir TEXT NOT NULL,
		sandbox_type TEXT NOT NULL,
		settings TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		completed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS epics (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		title TEXT NOT NULL,
		status TEXT NOT NULL,
		position INTEGER NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id)
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		epic_id TEXT NOT NULL,
		title TEXT NOT NULL,
		status TEXT NOT NULL,
		position INTEGER NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id),
		FOREIGN KEY (epic_id) REFERENCES epics(id)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		model TEXT NOT NULL,
		error TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		started_at DATETIME,
		ended_at DATETIME,
		last_heartbeat DATETIME,
		duration_ms INTEGER DEFAULT 0,
		message_count INTEGER DEFAULT 0,
		tool_count INTEGER DEFAULT 0,
		tokens_in INTEGER DEFAULT 0,
		tokens_out INTEGER DEFAULT 0,
		cost_usd REAL DEFAULT 0,
		UNIQUE (project_id, number),
		FOREIGN KEY (project_id) REFERENCES projects(id)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS one_running_session_per_project
		ON sessions(project_id) WHERE status = 'running';

	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		type TEXT NOT NULL,
		transcript TEXT NOT NULL,
		current_epic TEXT,
		current_task TEXT,
		completed_tasks TEXT,
		in_progress_tasks TEXT,
		blocked_tasks TEXT,
		tool_cache TEXT,
		metrics TEXT,
		files_modified TEXT,
		vcs_revision TEXT,
		notes TEXT,
		invalidated INTEGER NOT NULL DEFAULT 0,
		invalidated_reason TEXT,
		can_resume_from INTEGER NOT NULL DEFAULT 1,
		recovery_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (session_id, number),
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS paused_sessions (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		pause_type TEXT NOT NULL,
		blocker TEXT,
		retry_stats TEXT,
		current_task TEXT,
		message_count INTEGER DEFAULT 0,
		resolved INTEGER NOT NULL DEFAULT 0,
		resolved_by TEXT,
		resolution_notes TEXT,
		can_auto_resume INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		resolved_at DATETIME,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS recovery_attempts (
		id TEXT PRIMARY KEY,
		checkpoint_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		method TEXT NOT NULL,
		status TEXT NOT NULL,
		notes TEXT,
		state_diff TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (checkpoint_id) REFERENCES checkpoints(id)
	);
	`
	_, err := db.Exec(schema)
	return err
}

// CreateProject registers a project. If a project with the same name exists,
// ErrProjectExists is returned unless force is set, in which case the existing
// project and everything recorded under it are removed first.
func (s *Store) CreateProject(name, dir, sandboxType string, settings map[string]string, force bool) (*Project, error) {
	existing, err := s.GetProject(name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if !force {
			return nil, fmt.Errorf("%w: %s", ErrProjectExists, name)
		}
		if err := s.deleteProject(existing.ID); err != nil {
			return nil, err
		}
	}

	var settingsJSON string
	if len(settings) > 0 {
		data, err := json.Marshal(settings)
		if err != nil {
			return nil, fmt.Errorf("marshal settings: %w", err)
		}
		settingsJSON = string(data)
	}

	id := uuid.New().String()
	now := time.Now()

	_, err = s.db.Exec(
		`INSERT INTO projects (id, name, dir, sandbox_type, settings, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, name, dir, sandboxType, settingsJSON, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}

	return &Project{
		ID:          id,
		Name:        name,
		Dir:         dir,
		SandboxType: sandboxType,
		Settings:    settings,
		CreatedAt:   now,
	}, nil
}

func (s *Store) deleteProject(projectID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`DELETE FROM recovery_attempts WHERE session_id IN (SELECT id FROM sessions WHERE project_id = ?)`,
		`DELETE FROM paused_sessions WHERE project_id = ?`,
		`DELETE FROM checkpoints WHERE project_id = ?`,
		`DELETE FROM sessions WHERE project_id = ?`,
		`DELETE FROM tasks WHERE project_id = ?`,
		`DELETE FROM epics WHERE project_id = ?`,
		`DELETE FROM projects WHERE id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt, projectID); err != nil {
			return fmt.Errorf("delete project rows: %w", err)
		}
	}

	return tx.Commit()
}

// GetProject retrieves a project by name. Returns (nil, nil) if not found.
func (s *Store) GetProject(name string) (*Project, error) {
	row := s.db.QueryRow(
		`SELECT id, name, dir, sandbox_type, COALESCE(settings, ''), created_at, completed_at
		 FROM projects WHERE name = ?`,
		name,
	)
	return scanProject(row)
}

// GetProjectByID retrieves a project by id. Returns (nil, nil) if not found.
func (s *Store) GetProjectByID(id string) (*Project, error) {
	row := s.db.QueryRow(
		`SELECT id, name, dir, sandbox_type, COALESCE(settings, ''), created_at, completed_at
		 FROM projects WHERE id = ?`,
		id,
	)
	return scanProject(row)
}

func scanProject(row *sql.Row) (*Project, error) {
	var p Project
	var settingsJSON string
	var completedAt sql.NullTime
	err := row.Scan(&p.ID, &p.Name, &p.Dir, &p.SandboxType, &settingsJSON, &p.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}
	if settingsJSON != "" {
		if err := json.Unmarshal([]byte(settingsJSON), &p.Settings); err != nil {
			return nil, fmt.Errorf("unmarshal settings: %w", err)
		}
	}
	if completedAt.Valid {
		p.CompletedAt = &completedAt.Time
	}
	return &p, nil
}

// MarkProjectComplete stamps the project's completed_at.
func (s *Store) MarkProjectComplete(projectID string) error {
	_, err := s.db.Exec(`UPDATE projects SET completed_at = ? WHERE id = ?`, time.Now(), projectID)
	if err != nil {
		return fmt.Errorf("mark project complete: %w", err)
	}
	return nil
}

// CreateEpic adds a planning epic to a project.
func (s *Store) CreateEpic(projectID, title string, position int) (*Epic, error) {
	e := &Epic{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Title:     title,
		Status:    TaskPending,
		Position:  position,
	}
	_, err := s.db.Exec(
		`INSERT INTO epics (id, project_id, title, status, position) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.ProjectID, e.Title, e.Status, e.Position,
	)
	if err != nil {
		return nil, fmt.Errorf("insert epic: %w", err)
	}
	return e, nil
}

// CreateTask adds a task under an epic.
func (s *Store) CreateTask(projectID, epicID, title string, position int) (*Task, error) {
	t := &Task{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		EpicID:    epicID,
		Title:     title,
		Status:    TaskPending,
		Position:  position,
	}
	_, err := s.db.Exec(
		`INSERT INTO tasks (id, project_id, epic_id, title, status, position) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.EpicID, t.Title, t.Status, t.Position,
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

// CountEpics returns the number of epics recorded for a project.
func (s *Store) CountEpics(projectID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM epics WHERE project_id = ?`, projectID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count epics: %w", err)
	}
	return n, nil
}

// TaskCounts returns total and completed task counts for a project.
func (s *Store) TaskCounts(projectID string) (total, completed int, err error) {
	err = s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		 FROM tasks WHERE project_id = ?`,
		TaskCompleted, projectID,
	).Scan(&total, &completed)
	if err != nil {
		return 0, 0, fmt.Errorf("count tasks: %w", err)
	}
	return total, completed, nil
}

// UpdateTaskStatus sets a task's status.
func (s *Store) UpdateTaskStatus(taskID, status string) error {
	_, err := s.db.Exec(`UPDATE tasks SET status = ? WHERE id = ?`, status, taskID)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}

// ListTasks returns all tasks for a project in position order.
func (s *Store) ListTasks(projectID string) ([]Task, error) {
	rows, err := s.db.Query(
		`SELECT id, project_id, epic_id, title, status, position
		 FROM tasks WHERE project_id = ? ORDER BY position ASC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.EpicID, &t.Title, &t.Status, &t.Position); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return tasks, nil
}

// NextSessionNumber returns the next monotonic session number for a project.
// The first session of a project gets number 0 (the initializer).
func (s *Store) NextSessionNumber(projectID string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(number) FROM sessions WHERE project_id = ?`, projectID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max session number: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64) + 1, nil
}

// CreateSession inserts a new pending session row.
func (s *Store) CreateSession(projectID string, number int, sessionType, model string) (*Session, error) {
	sess := &Session{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Number:    number,
		Type:      sessionType,
		Status:    StatusPending,
		Model:     model,
		CreatedAt: time.Now(),
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, project_id, number, type, status, model, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ProjectID, sess.Number, sess.Type, sess.Status, sess.Model, sess.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// DeleteSession removes a session row. Used to roll back a pending session
// that lost the running-transition race.
func (s *Store) DeleteSession(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// TransitionRunning moves a pending session to running. The partial unique
// index on running sessions makes this the serialization point: if another
// session for the same project is already running, a ConcurrencyConflictError
// naming the winner is returned.
func (s *Store) TransitionRunning(sessionID string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE sessions SET status = ?, started_at = ?, last_heartbeat = ?
		 WHERE id = ? AND status = ?`,
		StatusRunning, now, now, sessionID, StatusPending,
	)
	if err == nil {
		return nil
	}

	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) && sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return s.conflictFor(sessionID)
	}
	return fmt.Errorf("transition running: %w", err)
}

func (s *Store) conflictFor(sessionID string) error {
	sess, err := s.GetSession(sessionID)
	if err != nil || sess == nil {
		return &ConcurrencyConflictError{}
	}
	winner, err := s.RunningSession(sess.ProjectID)
	if err != nil || winner == nil {
		return &ConcurrencyConflictError{}
	}
	project, _ := s.GetProjectByID(sess.ProjectID)
	name := ""
	if project != nil {
		name = project.Name
	}
	return &ConcurrencyConflictError{
		ProjectName:  name,
		WinnerID:     winner.ID,
		WinnerNumber: winner.Number,
	}
}

// TouchHeartbeat updates the session's liveness stamp.
func (s *Store) TouchHeartbeat(sessionID string) error {
	_, err := s.db.Exec(`UPDATE sessions SET last_heartbeat = ? WHERE id = ?`, time.Now(), sessionID)
	if err != nil {
		return fmt.Errorf("touch heartbeat: %w", err)
	}
	return nil
}

// FinishSession records the terminal status, error text and metrics snapshot.
func (s *Store) FinishSession(sessionID, status, errMsg string, m Metrics) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET status = ?, error = ?, ended_at = ?,
		        duration_ms = ?, message_count = ?, tool_count = ?,
		        tokens_in = ?, tokens_out = ?, cost_usd = ?
		 WHERE id = ?`,
		status, errMsg, time.Now(),
		m.DurationMs, m.MessageCount, m.ToolCount,
		m.TokensIn, m.TokensOut, m.CostUSD,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	return nil
}

const sessionColumns = `id, project_id, number, type, status, model, COALESCE(error, ''),
	created_at, started_at, ended_at, last_heartbeat,
	duration_ms, message_count, tool_count, tokens_in, tokens_out, cost_usd`

// GetSession retrieves a session by ID. Returns (nil, nil) if not found.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// RunningSession returns the project's running session, or (nil, nil) if none.
func (s *Store) RunningSession(projectID string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions WHERE project_id = ? AND status = ?`,
		projectID, StatusRunning,
	)
	return scanSession(row)
}

// LatestSession returns the highest-numbered session for a project, or (nil, nil).
func (s *Store) LatestSession(projectID string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions WHERE project_id = ?
		 ORDER BY number DESC LIMIT 1`,
		projectID,
	)
	return scanSession(row)
}

// ListSessions returns all sessions for a project in number order.
func (s *Store) ListSessions(projectID string) ([]Session, error) {
	rows, err := s.db.Query(
		`SELECT `+sessionColumns+` FROM sessions WHERE project_id = ? ORDER BY number ASC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	return collectSessions(rows)
}

// ListRunningSessions returns running sessions across all projects.
func (s *Store) ListRunningSessions() ([]Session, error) {
	rows, err := s.db.Query(`SELECT ` + sessionColumns + ` FROM sessions WHERE status = '` + StatusRunning + `'`)
	if err != nil {
		return nil, fmt.Errorf("query running sessions: %w", err)
	}
	return collectSessions(rows)
}

func collectSessions(rows *sql.Rows) ([]Session, error) {
	defer func() { _ = rows.Close() }()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row *sql.Row) (*Session, error) {
	sess, err := scanSessionRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

func scanSessionRow(row rowScanner) (*Session, error) {
	var sess Session
	var startedAt, endedAt, heartbeat sql.NullTime
	err := row.Scan(
		&sess.ID, &sess.ProjectID, &sess.Number, &sess.Type, &sess.Status, &sess.Model, &sess.Error,
		&sess.CreatedAt, &startedAt, &endedAt, &heartbeat,
		&sess.Metrics.DurationMs, &sess.Metrics.MessageCount, &sess.Metrics.ToolCount,
		&sess.Metrics.TokensIn, &sess.Metrics.TokensOut, &sess.Metrics.CostUSD,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if startedAt.Valid {
		sess.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	if heartbeat.Valid {
		sess.LastHeartbeat = &heartbeat.Time
	}
	return &sess, nil
}
