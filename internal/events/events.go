// Package events provides the per-project append-only JSONL event history.
package events

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event type constants.
const (
	EventProjectCreated        = "project_created"
	EventProjectCompleted      = "project_completed"
	EventSessionStarted        = "session_started"
	EventSessionCompleted      = "session_completed"
	EventSessionError          = "session_error"
	EventSessionInterrupted    = "session_interrupted"
	EventSessionBlocked        = "session_blocked"
	EventSessionPaused         = "session_paused"
	EventSessionResumed        = "session_resumed"
	EventCheckpointCreated     = "checkpoint_created"
	EventCheckpointInvalidated = "checkpoint_invalidated"
	EventStaleInterrupted      = "stale_session_interrupted"
	EventSandboxStarted        = "sandbox_started"
	EventSandboxStopped        = "sandbox_stopped"
)

// LogEvent represents a single structured event written to the history.
type LogEvent struct {
	Time          time.Time      `json:"time"`
	Event         string         `json:"event"`
	SessionID     string         `json:"session,omitempty"`
	SessionNumber int            `json:"number,omitempty"`
	SessionType   string         `json:"type,omitempty"`
	Status        string         `json:"status,omitempty"`
	CheckpointID  string         `json:"checkpoint,omitempty"`
	PauseType     string         `json:"pause_type,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Error         string         `json:"error,omitempty"`
	Attempt       int            `json:"attempt,omitempty"`
	DurationMs    int64          `json:"duration_ms,omitempty"`
	CostUSD       float64        `json:"cost_usd,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// Logger writes append-only JSONL events to a project's history file.
type Logger struct {
	path string
	mu   sync.Mutex
}

// NewLogger creates a Logger that writes to .foreman/events.jsonl inside dir.
// Creates the .foreman/ directory if it does not already exist.
// Does not truncate an existing history file.
func NewLogger(dir string) (*Logger, error) {
	foremanDir := filepath.Join(dir, ".foreman")
	if err := os.MkdirAll(foremanDir, 0755); err != nil {
		return nil, fmt.Errorf("create .foreman directory: %w", err)
	}

	return &Logger{
		path: filepath.Join(foremanDir, "events.jsonl"),
	}, nil
}

// Append writes a single LogEvent as one JSON line to the history file.
// If event.Time is the zero value, it is automatically set to time.Now().UTC().
// Thread-safe via mutex.
func (l *Logger) Append(event LogEvent) error {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal log event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open history file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write log event: %w", err)
	}

	return nil
}

// ReadAll reads and parses all events from the history file.
// Returns an empty slice (not an error) if the file does not exist.
func (l *Logger) ReadAll() ([]LogEvent, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []LogEvent{}, nil
		}
		return nil, fmt.Errorf("open history file: %w", err)
	}
	defer f.Close()

	var events []LogEvent
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event LogEvent
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("parse history line %d: %w", lineNum, err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read history file: %w", err)
	}

	return events, nil
}
