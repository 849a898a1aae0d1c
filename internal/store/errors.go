package store

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by store operations.
var (
	ErrProjectExists      = errors.New("project already exists")
	ErrProjectNotFound    = errors.New("project not found")
	ErrSessionNotFound    = errors.New("session not found")
	ErrNotPaused          = errors.New("session is not paused")
	ErrAlreadyResolved    = errors.New("paused session already resolved")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// ConcurrencyConflictError is returned when a session tries to enter the
// running state while another session for the same project is already running.
type ConcurrencyConflictError struct {
	ProjectName  string
	WinnerID     string
	WinnerNumber int
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("project %s already has running session %d (%s)",
		e.ProjectName, e.WinnerNumber, e.WinnerID)
}

// IsConcurrencyConflict reports whether err is a ConcurrencyConflictError.
func IsConcurrencyConflict(err error) bool {
	var cc *ConcurrencyConflictError
	return errors.As(err, &cc)
}
