package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ralph/internal/event"
	"ralph/internal/jsonutil"
)

// EventLog appends parsed agent events to a JSON Lines file, one event per
// line in the order the agent emitted them. The file is created on first
// append.
type EventLog struct {
	path string
}

// Entry is one line of the event log.
type Entry struct {
	Topic     string    `json:"topic"`
	Target    string    `json:"target,omitempty"`
	Payload   string    `json:"payload"`
	Iteration int       `json:"iteration"`
	Timestamp time.Time `json:"ts"`
}

// NewEventLog returns a log that appends to the file at path.
func NewEventLog(path string) *EventLog {
	return &EventLog{path: path}
}

// Path returns the log file location.
func (l *EventLog) Path() string { return l.path }

// Append writes one iteration's events to the log.
func (l *EventLog) Append(iteration int, ts time.Time, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("ensure event log dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, ev := range events {
		entry := Entry{
			Topic:     ev.Topic.String(),
			Target:    ev.Target,
			Payload:   ev.Payload,
			Iteration: iteration,
			Timestamp: ts.UTC(),
		}
		if err := enc.Encode(entry); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
	}
	return nil
}

// ReadAll returns every well-formed entry in the log, oldest first.
// Damaged lines are skipped. A missing file reads as empty.
func (l *EventLog) ReadAll() ([]Entry, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read event log: %w", err)
	}

	var entries []Entry
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var e Entry
		if jsonutil.UnmarshalLineSafe(line, &e) {
			entries = append(entries, e)
		}
	}
	return entries, nil
}
