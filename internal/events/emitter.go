// Package events writes an NDJSON audit trail of a hardening run.
package events

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types emitted during a run.
const (
	RunStarted      = "run_started"
	RunFinished     = "run_finished"
	SiteRejected    = "site_rejected"
	SiteStarted     = "site_started"
	SiteFinished    = "site_finished"
	BackupCreated   = "backup_created"
	BackupFailed    = "backup_failed"
	StepFailed      = "step_failed"
	CheckFailed     = "check_failed"
	RestoreFinished = "restore_finished"
)

// Event represents a single NDJSON record.
type Event struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	RunID     string                 `json:"run_id,omitempty"`
	Site      string                 `json:"site,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// NewRunID returns a random identifier tying together the events, catalog
// rows and metrics of one invocation.
func NewRunID() string {
	return uuid.NewString()
}

// Emitter writes NDJSON events to an io.Writer safely across goroutines.
// A nil *Emitter discards events.
type Emitter struct {
	writer io.Writer
	runID  string
	mu     sync.Mutex
}

// NewEmitter returns a new NDJSON emitter stamping every event with runID.
func NewEmitter(w io.Writer, runID string) *Emitter {
	return &Emitter{writer: w, runID: runID}
}

// OpenFile appends events to path, creating parent directories as needed.
func OpenFile(path, runID string) (*Emitter, io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, nil, fmt.Errorf("create events directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, nil, fmt.Errorf("open events file: %w", err)
	}
	return NewEmitter(file, runID), file, nil
}

// RunID returns the identifier stamped on emitted events.
func (e *Emitter) RunID() string {
	if e == nil {
		return ""
	}
	return e.runID
}

// Emit serializes the event to JSON and appends a newline.
func (e *Emitter) Emit(evt Event) error {
	if e == nil || e.writer == nil {
		return nil
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.RunID == "" {
		evt.RunID = e.runID
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.writer.Write(append(payload, '\n')); err != nil {
		return err
	}

	return nil
}
