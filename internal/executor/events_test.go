package executor

import (
	"testing"
)

func TestDecodeAssistantLine(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"Working on it"},{"type":"tool_use","id":"tu_1","name":"Bash","input":{"command":"go test ./..."}}],"usage":{"input_tokens":100,"output_tokens":25}}}`

	events, err := DecodeLine([]byte(line))
	if err != nil {
		t.Fatalf("DecodeLine failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}

	if events[0].Kind != KindText || events[0].Text != "Working on it" {
		t.Errorf("event 0: got %+v", events[0])
	}
	if events[1].Kind != KindToolUse || events[1].Tool != "Bash" || events[1].ToolUseID != "tu_1" {
		t.Errorf("event 1: got %+v", events[1])
	}
	if cmd, _ := events[1].ToolInput["command"].(string); cmd != "go test ./..." {
		t.Errorf("tool input command: got %q", cmd)
	}
	if events[2].Kind != KindUsage || events[2].InputTokens != 100 || events[2].OutputTokens != 25 {
		t.Errorf("event 2: got %+v", events[2])
	}
}

func TestDecodeToolResultLine(t *testing.T) {
	line := `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu_1","content":"PASS","is_error":false}]}}`

	events, err := DecodeLine([]byte(line))
	if err != nil {
		t.Fatalf("DecodeLine failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Kind != KindToolResult || events[0].Result != "PASS" || events[0].IsError {
		t.Errorf("got %+v", events[0])
	}
}

func TestDecodeToolResultBlockList(t *testing.T) {
	line := `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu_2","content":[{"type":"text","text":"error: port 8080 "},{"type":"text","text":"already in use"}],"is_error":true}]}}`

	events, err := DecodeLine([]byte(line))
	if err != nil {
		t.Fatalf("DecodeLine failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if !events[0].IsError {
		t.Error("is_error not carried through")
	}
	want := "error: port 8080 already in use"
	if events[0].Result != want {
		t.Errorf("result: got %q, want %q", events[0].Result, want)
	}
}

func TestDecodeResultLine(t *testing.T) {
	line := `{"type":"result","subtype":"success","result":"All tasks complete","is_error":false,"total_cost_usd":1.25,"usage":{"input_tokens":5000,"output_tokens":900}}`

	events, err := DecodeLine([]byte(line))
	if err != nil {
		t.Fatalf("DecodeLine failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Kind != KindResult || ev.Result != "All tasks complete" || ev.CostUSD != 1.25 {
		t.Errorf("got %+v", ev)
	}
	if ev.InputTokens != 5000 || ev.OutputTokens != 900 {
		t.Errorf("usage: got in=%d out=%d", ev.InputTokens, ev.OutputTokens)
	}
}

func TestDecodeSystemLine(t *testing.T) {
	events, err := DecodeLine([]byte(`{"type":"system","subtype":"init"}`))
	if err != nil {
		t.Fatalf("DecodeLine failed: %v", err)
	}
	if len(events) != 1 || events[0].Kind != KindSystem || events[0].Text != "init" {
		t.Errorf("got %+v", events)
	}
}

func TestDecodeUnknownTypeFails(t *testing.T) {
	if _, err := DecodeLine([]byte(`{"type":"telemetry"}`)); err == nil {
		t.Error("expected error for unknown line type")
	}
}
