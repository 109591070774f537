package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is one audit-log entry describing a handled request.
type Record struct {
	Timestamp  string `json:"ts"`
	RequestID  string `json:"request_id"`
	FlowID     string `json:"flow_id"`
	Action     string `json:"action"`
	Function   string `json:"function"`
	Location   string `json:"location,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Logger writes JSONL audit records.
type Logger struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

func NewLogger(path string) *Logger {
	return &Logger{path: path, now: time.Now}
}

func (l *Logger) Enabled() bool {
	return l != nil && l.path != ""
}

// Write appends rec, stamping it when Timestamp is empty. err, when set,
// overrides rec.Error.
func (l *Logger) Write(rec Record, err error) error {
	if !l.Enabled() {
		return nil
	}

	if rec.Timestamp == "" {
		rec.Timestamp = l.now().UTC().Format(time.RFC3339Nano)
	}
	if err != nil {
		rec.Error = err.Error()
	}
	b, mErr := json.Marshal(rec)
	if mErr != nil {
		return fmt.Errorf("audit marshal: %w", mErr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if mkErr := os.MkdirAll(filepath.Dir(l.path), 0o755); mkErr != nil {
		return fmt.Errorf("audit mkdir: %w", mkErr)
	}
	f, openErr := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if openErr != nil {
		return fmt.Errorf("audit open: %w", openErr)
	}
	defer func() { _ = f.Close() }()

	if _, wErr := f.Write(append(b, '\n')); wErr != nil {
		return fmt.Errorf("audit write: %w", wErr)
	}
	return nil
}
