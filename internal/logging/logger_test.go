package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesJSONFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "wpphookd.log")

	logger, err := New(logPath, "test")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Info("webhook processed")
	_ = logger.Sync()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := strings.TrimSpace(strings.Split(string(data), "\n")[0])

	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, line)
	}
	if entry["msg"] != "webhook processed" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["instance"] != "test" {
		t.Errorf("instance = %v, want test", entry["instance"])
	}
	if _, ok := entry["ts"]; !ok {
		t.Error("missing ts field")
	}
}
