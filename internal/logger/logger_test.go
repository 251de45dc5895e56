package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func parseLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	line := strings.TrimSpace(buf.String())
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("invalid JSON log line %q: %v", line, err)
	}
	return entry
}

func TestJSONOutputKeys(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWithWriter("info", &buf)
	log.Info("hello")

	entry := parseLine(t, &buf)
	if entry["message"] != "hello" {
		t.Errorf("message = %v, want hello", entry["message"])
	}
	if entry["level"] != "info" {
		t.Errorf("level = %v, want info", entry["level"])
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("missing timestamp key")
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWithWriter("warn", &buf)

	log.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %q", buf.String())
	}

	log.Warn("kept")
	if buf.Len() == 0 {
		t.Error("warn not logged at warn level")
	}
}

func TestWithFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWithWriter("debug", &buf)

	log.WithModule("engine").
		WithField("subscription_id", "sub_1").
		WithError(errors.New("boom")).
		Error("reserve failed")

	entry := parseLine(t, &buf)
	if entry["module"] != "engine" {
		t.Errorf("module = %v", entry["module"])
	}
	if entry["subscription_id"] != "sub_1" {
		t.Errorf("subscription_id = %v", entry["subscription_id"])
	}
	if entry["error"] != "boom" {
		t.Errorf("error = %v", entry["error"])
	}
}
