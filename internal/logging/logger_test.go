package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewLogger_FiltersByLevelAndTagsService(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "warn", "dispatch-test")

	log.Info("dropped")
	log.Warn("kept", "trip_id", "t1")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %s", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal(lines[0], &rec); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if rec["msg"] != "kept" || rec["service"] != "dispatch-test" || rec["trip_id"] != "t1" {
		t.Fatalf("unexpected record: %v", rec)
	}
}
