// Package trace mirrors run execution into OpenTelemetry traces. The run
// is the root span and every agent invocation is a child span. Export is
// opt-in via OTEL_EXPORTER_OTLP_ENDPOINT; without it the trace stays
// in-process.
package trace

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"
)

// Span is one timed operation in a run trace. Duration 0 marks a span
// still in progress.
type Span struct {
	TraceID    string
	SpanID     string
	ParentID   string
	Name       string
	StartTime  time.Time
	Duration   time.Duration
	Attributes map[string]string
	Children   []*Span
}

// Trace is the complete span tree for one run.
type Trace struct {
	ID        string
	StartTime time.Time
	EndTime   time.Time
	RootSpan  *Span
	Status    string // "running" until the run ends, then the terminal run status
}

// NewTraceID generates a random 16-byte trace ID as a 32-character hex string.
func NewTraceID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// NewSpanID generates a random 8-byte span ID as a 16-character hex string.
func NewSpanID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// TraceIDFromRunID derives a stable trace ID from a run ID. A UUID run ID
// strips to exactly the 32 hex characters a trace ID needs, so the same
// run always maps to the same trace; anything else falls back to a random
// ID.
func TraceIDFromRunID(runID string) string {
	stripped := strings.ReplaceAll(runID, "-", "")
	if len(stripped) == 32 {
		if _, err := hex.DecodeString(stripped); err == nil {
			return stripped
		}
	}
	return NewTraceID()
}
