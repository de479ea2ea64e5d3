package termserver

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// recordingHeader is the first line of a recording file, in the shape of an
// asciicast v2 header so the files load in standard players.
type recordingHeader struct {
	Version   int    `json:"version"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Timestamp int64  `json:"timestamp"`
	Title     string `json:"title,omitempty"`
}

// Recorder appends timestamped terminal I/O to a JSONL file. The header line
// is followed by one event per line: [elapsed-seconds, "o"|"i", data].
// Output events are the terminal stream; input events are keystrokes.
// A Recorder is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	start  time.Time
	closed bool
}

// NewRecorder creates the recording file, creating parent directories as
// needed, and writes the header line.
func NewRecorder(path string, cols, rows uint16, title string) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create recording file: %w", err)
	}

	r := &Recorder{f: f, path: path, start: time.Now()}
	hdr := recordingHeader{
		Version:   2,
		Width:     int(cols),
		Height:    int(rows),
		Timestamp: r.start.Unix(),
		Title:     title,
	}
	line, err := json.Marshal(hdr)
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return nil, fmt.Errorf("write recording header: %w", err)
	}
	return r, nil
}

// Path returns the recording file path.
func (r *Recorder) Path() string {
	return r.path
}

// Output records terminal output.
func (r *Recorder) Output(data []byte) {
	r.event("o", data)
}

// Input records client keystrokes.
func (r *Recorder) Input(data []byte) {
	r.event("i", data)
}

func (r *Recorder) event(kind string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	line, err := json.Marshal([]any{time.Since(r.start).Seconds(), kind, string(data)})
	if err != nil {
		return
	}
	// Best effort: a full disk should not take the session down.
	r.f.Write(append(line, '\n'))
}

// Close flushes and closes the recording file. Events after Close are dropped.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.f.Close()
}
