package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestBuildPayloadShapes(t *testing.T) {
	details := map[string]any{"session_id": "s1", "project": "api"}

	tests := []struct {
		name    string
		url     string
		wantKey string
	}{
		{"slack", "https://hooks.slack.com/services/T/B/x", "text"},
		{"discord", "https://discord.com/api/webhooks/1/x", "content"},
		{"generic", "https://ops.example.com/hook", "message"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := buildPayload(tt.url, "Session paused", "retry limit hit", details)
			if err != nil {
				t.Fatalf("buildPayload failed: %v", err)
			}
			var body map[string]any
			if err := json.Unmarshal(data, &body); err != nil {
				t.Fatalf("payload is not JSON: %v", err)
			}
			if _, ok := body[tt.wantKey]; !ok {
				t.Errorf("payload missing %q key: %v", tt.wantKey, body)
			}
			if tt.name == "generic" {
				if body["session_id"] != "s1" {
					t.Errorf("generic payload should carry details: %v", body)
				}
				if _, ok := body["timestamp"]; !ok {
					t.Error("generic payload missing timestamp")
				}
			} else {
				if _, ok := body["session_id"]; ok {
					t.Error("chat payloads should be text-only")
				}
			}
		})
	}
}

func TestSendDelivers(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, zap.NewNop().Sugar())
	err := n.Send(context.Background(), "Paused", "needs attention", map[string]any{"project": "api"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	var body map[string]any
	if err := json.Unmarshal(got, &body); err != nil {
		t.Fatalf("delivered body is not JSON: %v", err)
	}
	if body["title"] != "Paused" || body["project"] != "api" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestSendRetriesServerErrors(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, zap.NewNop().Sugar())
	if err := n.Send(context.Background(), "t", "m", nil); err != nil {
		t.Fatalf("Send failed after retries: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts: got %d, want 3", attempts)
	}
}

func TestSendDisabled(t *testing.T) {
	n := New("", zap.NewNop().Sugar())
	if n.Enabled() {
		t.Error("empty URL should disable the notifier")
	}
	if err := n.Send(context.Background(), "t", "m", nil); err != nil {
		t.Errorf("disabled Send should be a no-op, got %v", err)
	}
}
