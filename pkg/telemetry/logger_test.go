package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestLoggerEmitsJSONLineWithSortedFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, Options{Service: "ingestor", Level: LevelInfo})

	l.Info(context.Background(), "signal accepted", map[string]any{"device_id": "d-01", "attempt": 1})

	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatalf("expected a log line, got none")
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("expected valid JSON line, got error: %v, line=%s", err, line)
	}
	if decoded["msg"] != "signal accepted" {
		t.Fatalf("expected msg field, got %v", decoded["msg"])
	}
	if decoded["service"] != "ingestor" {
		t.Fatalf("expected service field, got %v", decoded["service"])
	}
}

func TestLoggerDropsBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, Options{Service: "ingestor", Level: LevelWarn})

	l.Debug(context.Background(), "should not appear", nil)
	l.Info(context.Background(), "should not appear either", nil)

	if buf.Len() != 0 {
		t.Fatalf("expected no output below configured level, got %q", buf.String())
	}
}

func TestLoggerAuthoritativeContextFieldWinsOverCallerField(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, Options{Service: "ingestor", Level: LevelInfo})

	ctx := context.WithValue(context.Background(), "request_id", "req-from-ctx")
	l.Info(ctx, "msg", map[string]any{"request_id": "req-from-caller"})

	var decoded map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &decoded); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if decoded["request_id"] != "req-from-ctx" {
		t.Fatalf("expected context request_id to win, got %v", decoded["request_id"])
	}
	if decoded["field_conflicts"] != "request_id" {
		t.Fatalf("expected conflict to be recorded, got %v", decoded["field_conflicts"])
	}
}
