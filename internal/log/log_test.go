package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf, FormatJSON)
	t.Cleanup(func() { Configure("INFO", "console") })
	return &buf
}

func TestKeyValuesBecomeFields(t *testing.T) {
	buf := capture(t)
	SetLevel(LevelInfo)

	Error("persist failed", errors.New("disk full"), "op", "save", "records", 3, "took", 2*time.Second, "dangling")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("not JSON: %v: %s", err, buf.String())
	}
	if line["message"] != "persist failed" || line["level"] != "error" {
		t.Fatalf("unexpected line %v", line)
	}
	if line["error"] != "disk full" || line["op"] != "save" || line["records"] != float64(3) {
		t.Fatalf("missing fields in %v", line)
	}
	if _, ok := line["dangling"]; ok {
		t.Fatal("odd trailing key must be dropped")
	}
}

func TestLevelFilters(t *testing.T) {
	buf := capture(t)
	SetLevel(LevelWarn)

	Info("hidden")
	Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %s", buf.String())
	}
	Warn("shown")
	if buf.Len() == 0 {
		t.Fatal("warn was filtered")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"WARNING": LevelWarn,
		" error ": LevelError,
		"":        LevelInfo,
		"chatty":  LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
