package events

import (
	"testing"
)

func TestAppendAndReadAll(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	in := []LogEvent{
		{Event: EventSessionStarted, SessionID: "s1", SessionNumber: 0, SessionType: "initializer"},
		{Event: EventCheckpointCreated, SessionID: "s1", CheckpointID: "cp1"},
		{Event: EventSessionCompleted, SessionID: "s1", Status: "completed", DurationMs: 1500, CostUSD: 0.12},
	}
	for _, ev := range in {
		if err := logger.Append(ev); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	out, err := logger.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d events, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i].Event != in[i].Event {
			t.Errorf("event %d: got %q, want %q", i, out[i].Event, in[i].Event)
		}
		if out[i].Time.IsZero() {
			t.Errorf("event %d: time not stamped", i)
		}
	}
	if out[2].DurationMs != 1500 {
		t.Errorf("duration: got %d, want 1500", out[2].DurationMs)
	}
}

func TestReadAllMissingFile(t *testing.T) {
	logger, err := NewLogger(t.TempDir())
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	out, err := logger.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("expected empty history, got %d events", len(out))
	}
}
