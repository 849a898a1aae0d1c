// Package intervention watches a running session for unproductive behavior
// and pauses it for human attention when it trips.
package intervention

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

const (
	// windowSize is how many recent actions the rolling window keeps.
	windowSize = 20
	// rapidSpan and rapidCount trip the tracker when the same action repeats
	// rapidCount times within the last rapidSpan actions.
	rapidSpan  = 5
	rapidCount = 3
	// errorKeyLen truncates error messages into a stable counting key.
	errorKeyLen = 120

	defaultMaxRetries = 3
)

// volatileKeys are parameter names stripped before fingerprinting: they
// change on every call without changing what the command does.
var volatileKeys = map[string]bool{
	"timestamp":  true,
	"id":         true,
	"session_id": true,
}

// RetryTracker detects a session retrying the same action over and over.
// It trips when either a single fingerprint exceeds the lifetime limit or
// the same fingerprint recurs rapidly inside the rolling window.
type RetryTracker struct {
	mu         sync.Mutex
	maxRetries int
	window     []string
	counts     map[string]int
	errors     map[string]int
	errorTotal int
}

// NewRetryTracker returns a tracker with the given lifetime limit per
// command. A non-positive limit falls back to the default of 3.
func NewRetryTracker(maxRetries int) *RetryTracker {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &RetryTracker{
		maxRetries: maxRetries,
		counts:     make(map[string]int),
		errors:     make(map[string]int),
	}
}

// TrackCommand records one tool invocation. It returns true, with a reason,
// when the session should be paused.
func (t *RetryTracker) TrackCommand(tool string, params map[string]any) (bool, string) {
	fp := Fingerprint(tool, params)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.counts[fp]++
	// The rapid check looks at the window before this action, so the absolute
	// limit keeps its exact trip point: with threshold T the (T+1)-th
	// identical call is the first one reported, never the T-th.
	prior := t.recentRepeats(fp)
	t.window = append(t.window, fp)
	if len(t.window) > windowSize {
		t.window = t.window[len(t.window)-windowSize:]
	}

	if n := t.counts[fp]; n > t.maxRetries {
		return true, fmt.Sprintf("command repeated %d times (limit %d): %s", n, t.maxRetries, describe(tool, params))
	}
	if prior >= rapidCount {
		return true, fmt.Sprintf("command looping: %d repeats within the last %d actions: %s", prior+1, rapidSpan+1, describe(tool, params))
	}
	return false, ""
}

// recentRepeats counts occurrences of fp in the last rapidSpan window entries.
func (t *RetryTracker) recentRepeats(fp string) int {
	start := len(t.window) - rapidSpan
	if start < 0 {
		start = 0
	}
	n := 0
	for _, w := range t.window[start:] {
		if w == fp {
			n++
		}
	}
	return n
}

// TrackError records one error message, keyed on a truncated literal prefix.
// Returns true when the same error has recurred past the limit.
func (t *RetryTracker) TrackError(message string) (bool, string) {
	key := message
	if len(key) > errorKeyLen {
		key = key[:errorKeyLen]
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.errors[key]++
	t.errorTotal++

	if n := t.errors[key]; n > t.maxRetries {
		return true, fmt.Sprintf("error recurred %d times (limit %d): %s", n, t.maxRetries, key)
	}
	return false, ""
}

// Stats is the tracker's summary, persisted with a pause record.
type Stats struct {
	TotalCommands   int `json:"total_commands"`
	MaxSingleRepeat int `json:"max_single_repeat"`
	UniqueErrors    int `json:"unique_errors"`
	TotalErrors     int `json:"total_errors"`
}

// Stats returns a snapshot of the tracker's counters.
func (t *RetryTracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{
		UniqueErrors: len(t.errors),
		TotalErrors:  t.errorTotal,
	}
	for _, n := range t.counts {
		s.TotalCommands += n
		if n > s.MaxSingleRepeat {
			s.MaxSingleRepeat = n
		}
	}
	return s
}

// JSON renders the stats for persistence.
func (s Stats) JSON() string {
	data, _ := json.Marshal(s)
	return string(data)
}

// Fingerprint produces a stable identity for a tool invocation. Shell
// commands are identified by the command text truncated before output
// redirection, so `go test > out.log` and `go test > other.log` count as the
// same retry. Other tools hash their parameters with volatile keys removed.
func Fingerprint(tool string, params map[string]any) string {
	if cmd, ok := shellCommand(tool, params); ok {
		return tool + ":" + normalizeShell(cmd)
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		if volatileKeys[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(tool))
	for _, k := range keys {
		v, _ := json.Marshal(params[k])
		fmt.Fprintf(h, "|%s=%s", k, v)
	}
	return tool + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// shellCommand extracts the command string from shell-like tool parameters.
func shellCommand(tool string, params map[string]any) (string, bool) {
	switch strings.ToLower(tool) {
	case "bash", "shell", "run_command":
	default:
		return "", false
	}
	cmd, ok := params["command"].(string)
	return cmd, ok
}

// normalizeShell truncates a command before any output-redirection operator
// and collapses surrounding whitespace.
func normalizeShell(cmd string) string {
	if i := strings.IndexAny(cmd, ">"); i >= 0 {
		// "2>", ">>" and "2>&1" all start at or before the first '>'.
		cut := i
		if cut > 0 && (cmd[cut-1] == '1' || cmd[cut-1] == '2') && (cut < 2 || cmd[cut-2] == ' ') {
			cut--
		}
		cmd = cmd[:cut]
	}
	return strings.Join(strings.Fields(cmd), " ")
}

func describe(tool string, params map[string]any) string {
	if cmd, ok := shellCommand(tool, params); ok {
		norm := normalizeShell(cmd)
		if len(norm) > 80 {
			norm = norm[:80] + "..."
		}
		return norm
	}
	return tool
}
