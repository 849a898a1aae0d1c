// Package progress maintains the project's durable progress-notes markdown.
package progress

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const notesFile = "PROGRESS.md"

// Incident is one blocked-session record written to the notes file.
type Incident struct {
	SessionNumber int
	Error         string
	TotalRetries  int
	MaxRetries    int
	UniqueErrors  int
	Blockers      []BlockerLine
	OccurredAt    time.Time
}

// BlockerLine is the rendered form of one detected blocker.
type BlockerLine struct {
	Category string
	Message  string
}

// Path returns the notes file location for a project directory.
func Path(projectDir string) string {
	return filepath.Join(projectDir, notesFile)
}

// incidentHeader renders the block header for a session. The header doubles
// as the idempotency key: one block per session, ever.
func incidentHeader(sessionNumber int) string {
	return fmt.Sprintf("## ⚠️ Session %d BLOCKED - Epic Test Failure", sessionNumber)
}

// RecordIncident prepends an incident block to the notes file, newest first,
// creating the file if needed. Recording the same session twice is a no-op.
func RecordIncident(projectDir string, inc Incident) error {
	path := Path(projectDir)

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read progress notes: %w", err)
	}

	header := incidentHeader(inc.SessionNumber)
	if strings.Contains(string(existing), header) {
		return nil
	}

	block := renderIncident(header, inc)
	content := block
	if len(existing) > 0 {
		content += "\n" + string(existing)
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("write progress notes: %w", err)
	}
	return nil
}

func renderIncident(header string, inc Incident) string {
	at := inc.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}

	var b strings.Builder
	b.WriteString(header + "\n\n")
	fmt.Fprintf(&b, "- **When**: %s\n", at.Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Status**: blocked, waiting for human resolution\n")
	if inc.Error != "" {
		fmt.Fprintf(&b, "- **Error**: %s\n", inc.Error)
	}
	fmt.Fprintf(&b, "- **Retries**: %d total, %d on the worst command, %d distinct errors\n",
		inc.TotalRetries, inc.MaxRetries, inc.UniqueErrors)
	for _, blocker := range inc.Blockers {
		fmt.Fprintf(&b, "- **Blocker** (%s): %s\n", blocker.Category, blocker.Message)
	}
	b.WriteString("\n**Required follow-up:**\n")
	b.WriteString("- [ ] Read the error and blocker details above\n")
	b.WriteString("- [ ] Reproduce the failing command in the project directory\n")
	b.WriteString("- [ ] Fix the underlying issue and confirm the tests pass\n")
	b.WriteString("- [ ] Resume with `foreman resume --notes \"<what was fixed>\"`\n")
	return b.String()
}

// AppendNote appends a free-form line to the notes file.
func AppendNote(projectDir, note string) error {
	path := Path(projectDir)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open progress notes: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "- %s %s\n", time.Now().Format(time.RFC3339), note); err != nil {
		return fmt.Errorf("append progress note: %w", err)
	}
	return nil
}
