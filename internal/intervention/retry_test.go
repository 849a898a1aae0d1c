package intervention

import (
	"fmt"
	"strings"
	"testing"
)

func bashCmd(cmd string) map[string]any {
	return map[string]any{"command": cmd}
}

func TestTrackCommandAbsoluteLimit(t *testing.T) {
	tracker := NewRetryTracker(3)

	// Interleave other commands so the rapid window never fires.
	for i := 1; i <= 3; i++ {
		blocked, _ := tracker.TrackCommand("Bash", bashCmd("go test ./..."))
		if blocked {
			t.Fatalf("call %d: blocked too early", i)
		}
		for j := 0; j < 5; j++ {
			tracker.TrackCommand("Bash", bashCmd(fmt.Sprintf("echo filler-%d-%d", i, j)))
		}
	}

	blocked, reason := tracker.TrackCommand("Bash", bashCmd("go test ./..."))
	if !blocked {
		t.Fatal("4th identical call should be blocked")
	}
	if !strings.Contains(reason, "4 times") {
		t.Errorf("reason should name the count, got %q", reason)
	}
}

func TestTrackCommandRedirectionIgnored(t *testing.T) {
	tracker := NewRetryTracker(3)

	// Same command, varying redirection targets: one fingerprint.
	variants := []string{
		"curl http://x 2>&1",
		"curl http://x > /tmp/a.log",
		"curl http://x >> /tmp/b.log",
		"curl http://x 2>&1",
	}
	var blocked bool
	var reason string
	for i, cmd := range variants {
		// Spread calls out so only the lifetime counter is in play.
		blocked, reason = tracker.TrackCommand("Bash", bashCmd(cmd))
		if i < 3 && blocked {
			t.Fatalf("call %d blocked too early: %s", i+1, reason)
		}
		for j := 0; j < 5; j++ {
			tracker.TrackCommand("Bash", bashCmd(fmt.Sprintf("echo spacer-%d-%d", i, j)))
		}
	}
	if !blocked {
		t.Fatal("4th call should be blocked despite differing redirections")
	}
	if !strings.Contains(reason, "4 times") {
		t.Errorf("reason: got %q", reason)
	}
}

func TestTrackCommandRapidWindow(t *testing.T) {
	tracker := NewRetryTracker(100)

	tracker.TrackCommand("Bash", bashCmd("npm test"))
	tracker.TrackCommand("Bash", bashCmd("npm test"))
	tracker.TrackCommand("Bash", bashCmd("npm test"))
	blocked, reason := tracker.TrackCommand("Bash", bashCmd("npm test"))
	if !blocked {
		t.Fatal("fast loop should trip the rapid window well below the absolute limit")
	}
	if !strings.Contains(reason, "looping") {
		t.Errorf("reason: got %q", reason)
	}
}

func TestTrackCommandVolatileKeysStripped(t *testing.T) {
	tracker := NewRetryTracker(2)

	for i := 0; i < 2; i++ {
		params := map[string]any{
			"path":       "main.go",
			"timestamp":  fmt.Sprintf("2026-08-25T10:00:0%d", i),
			"session_id": fmt.Sprintf("s-%d", i),
		}
		if blocked, _ := tracker.TrackCommand("Read", params); blocked {
			t.Fatalf("call %d blocked too early", i+1)
		}
		for j := 0; j < 5; j++ {
			tracker.TrackCommand("Bash", bashCmd(fmt.Sprintf("echo gap-%d-%d", i, j)))
		}
	}

	blocked, _ := tracker.TrackCommand("Read", map[string]any{
		"path":       "main.go",
		"timestamp":  "2026-08-25T10:00:09",
		"session_id": "s-9",
	})
	if !blocked {
		t.Error("volatile keys must not defeat fingerprint matching")
	}
}

func TestTrackCommandDistinctParamsDistinctFingerprints(t *testing.T) {
	if Fingerprint("Read", map[string]any{"path": "a.go"}) == Fingerprint("Read", map[string]any{"path": "b.go"}) {
		t.Error("different parameters should fingerprint differently")
	}
	if Fingerprint("Bash", bashCmd("go build")) == Fingerprint("Bash", bashCmd("go test")) {
		t.Error("different commands should fingerprint differently")
	}
}

func TestTrackError(t *testing.T) {
	tracker := NewRetryTracker(2)

	long := strings.Repeat("connection refused to db ", 20)
	for i := 0; i < 2; i++ {
		if blocked, _ := tracker.TrackError(long + fmt.Sprintf("attempt %d", i)); blocked {
			t.Fatalf("error %d blocked too early", i+1)
		}
	}
	// The varying suffix is beyond the truncated key, so this is the 3rd hit.
	blocked, reason := tracker.TrackError(long + "attempt 99")
	if !blocked {
		t.Fatal("repeated error should trip the tracker")
	}
	if !strings.Contains(reason, "3 times") {
		t.Errorf("reason: got %q", reason)
	}
}

func TestStats(t *testing.T) {
	tracker := NewRetryTracker(10)
	tracker.TrackCommand("Bash", bashCmd("go test"))
	tracker.TrackCommand("Bash", bashCmd("go test"))
	tracker.TrackCommand("Bash", bashCmd("go vet"))
	tracker.TrackError("boom")
	tracker.TrackError("boom")
	tracker.TrackError("other")

	s := tracker.Stats()
	if s.TotalCommands != 3 {
		t.Errorf("TotalCommands: got %d, want 3", s.TotalCommands)
	}
	if s.MaxSingleRepeat != 2 {
		t.Errorf("MaxSingleRepeat: got %d, want 2", s.MaxSingleRepeat)
	}
	if s.UniqueErrors != 2 || s.TotalErrors != 3 {
		t.Errorf("errors: got unique=%d total=%d", s.UniqueErrors, s.TotalErrors)
	}
	if s.JSON() == "" {
		t.Error("stats JSON should not be empty")
	}
}
