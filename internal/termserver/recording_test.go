package termserver

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecorderWritesAsciicast(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.cast")
	rec, err := NewRecorder(path, 120, 40, "default/web-0/app")
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	rec.Output([]byte("$ ls\r\n"))
	rec.Input([]byte("ls\n"))
	rec.Output([]byte("file.txt\r\n"))
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read recording: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header + 3 events, got %d lines", len(lines))
	}

	var hdr recordingHeader
	if err := json.Unmarshal([]byte(lines[0]), &hdr); err != nil {
		t.Fatalf("parse header: %v", err)
	}
	if hdr.Version != 2 || hdr.Width != 120 || hdr.Height != 40 {
		t.Errorf("unexpected header: %+v", hdr)
	}
	if hdr.Title != "default/web-0/app" {
		t.Errorf("unexpected title: %q", hdr.Title)
	}

	var lastElapsed float64
	wantTypes := []string{"o", "i", "o"}
	for i, line := range lines[1:] {
		var ev []any
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("parse event %d: %v", i, err)
		}
		if len(ev) != 3 {
			t.Fatalf("event %d: expected 3 fields, got %d", i, len(ev))
		}
		elapsed, ok := ev[0].(float64)
		if !ok || elapsed < lastElapsed {
			t.Errorf("event %d: elapsed not monotonic: %v", i, ev[0])
		}
		lastElapsed = elapsed
		if ev[1] != wantTypes[i] {
			t.Errorf("event %d: expected type %q, got %v", i, wantTypes[i], ev[1])
		}
	}
}

func TestRecorderCreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "session.cast")
	rec, err := NewRecorder(path, 80, 24, "")
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	defer rec.Close()

	if _, err := os.Stat(path); err != nil {
		t.Errorf("recording file not created: %v", err)
	}
}

func TestRecorderDropsEventsAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.cast")
	rec, err := NewRecorder(path, 80, 24, "")
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	rec.Output([]byte("kept"))
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	rec.Output([]byte("dropped"))
	if err := rec.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read recording: %v", err)
	}
	if strings.Contains(string(data), "dropped") {
		t.Error("event recorded after Close")
	}
	if !strings.Contains(string(data), "kept") {
		t.Error("event before Close missing")
	}
}

func TestRecorderPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.cast")
	rec, err := NewRecorder(path, 80, 24, "")
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	defer rec.Close()

	if rec.Path() != path {
		t.Errorf("expected path %q, got %q", path, rec.Path())
	}
}
