package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	lg := New(&buf, "debug")

	lg.Info("queue drained", map[string]interface{}{"succeeded": 3, "failed": 1})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if entry["msg"] != "queue drained" {
		t.Errorf("expected message field, got %v", entry["msg"])
	}
	if entry["succeeded"] != float64(3) {
		t.Errorf("expected succeeded=3, got %v", entry["succeeded"])
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	lg := New(&buf, "warn")

	lg.Info("should be dropped")
	lg.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should be dropped") {
		t.Error("info entry leaked through warn level")
	}
	if !strings.Contains(out, "should appear") {
		t.Error("warn entry missing")
	}
}

func TestLoggerErrorField(t *testing.T) {
	var buf bytes.Buffer
	lg := New(&buf, "debug")

	lg.Error("upload failed", errors.New("connection reset"), map[string]interface{}{"entity_type": "photo"})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["error"] != "connection reset" {
		t.Errorf("expected error field, got %v", entry["error"])
	}
	if entry["entity_type"] != "photo" {
		t.Errorf("expected entity_type field, got %v", entry["entity_type"])
	}
}

func TestContextMapsMerged(t *testing.T) {
	var buf bytes.Buffer
	lg := New(&buf, "debug")

	lg.Info("merged",
		map[string]interface{}{"a": 1},
		map[string]interface{}{"b": 2})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["a"] != float64(1) || entry["b"] != float64(2) {
		t.Errorf("contexts not merged: %v", entry)
	}
}
