package trace

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"ralph/internal/checkpoint"
	"ralph/internal/event"
	"ralph/internal/loop"
)

// exportTimeout bounds the synchronous export on run end. The process may
// exit right after, so the flush cannot be left to a background batcher.
const exportTimeout = 10 * time.Second

// Observer assembles a span tree from run lifecycle notifications and
// exports it when the run ends.
type Observer struct {
	exporter *OTLPExporter

	mu        sync.Mutex
	trace     *Trace
	open      *Span // span for the attempt currently in flight
	exportErr error
}

var _ loop.Observer = (*Observer)(nil)

// NewObserver returns an observer exporting through exp. A nil exporter
// still assembles the trace; nothing leaves the process.
func NewObserver(exp *OTLPExporter) *Observer {
	return &Observer{exporter: exp}
}

// OnRunStart opens the root span. Records already on the state, from a
// resumed run, are replayed as finished children so the exported trace
// covers the whole run.
func (o *Observer) OnRunStart(state *checkpoint.RunState) {
	o.mu.Lock()
	defer o.mu.Unlock()

	traceID := TraceIDFromRunID(state.RunID)
	root := &Span{
		TraceID:   traceID,
		SpanID:    NewSpanID(),
		Name:      "run",
		StartTime: state.StartedAt,
		Attributes: map[string]string{
			"run_id": state.RunID,
			"task":   state.Task,
		},
	}
	o.trace = &Trace{
		ID:        traceID,
		StartTime: state.StartedAt,
		RootSpan:  root,
		Status:    "running",
	}
	for _, rec := range state.Records {
		root.Children = append(root.Children, o.spanForRecord(rec, nil))
	}
}

// OnIterationStart opens an in-progress child span for the attempt.
func (o *Observer) OnIterationStart(index, attempt int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.trace == nil {
		return
	}
	root := o.trace.RootSpan
	o.open = &Span{
		TraceID:   o.trace.ID,
		SpanID:    NewSpanID(),
		ParentID:  root.SpanID,
		Name:      fmt.Sprintf("iteration %d", index),
		StartTime: time.Now().UTC(),
		Attributes: map[string]string{
			"iteration": strconv.Itoa(index),
			"attempt":   strconv.Itoa(attempt),
		},
	}
	root.Children = append(root.Children, o.open)
}

// OnIterationComplete finalizes the open span from the record, which
// carries the authoritative timing.
func (o *Observer) OnIterationComplete(rec checkpoint.IterationRecord, events []event.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.trace == nil {
		return
	}
	span := o.open
	o.open = nil
	if span == nil {
		span = o.spanForRecord(rec, events)
		o.trace.RootSpan.Children = append(o.trace.RootSpan.Children, span)
		return
	}
	fillFromRecord(span, rec, events)
}

// OnRunEnd finalizes the root span and exports the trace synchronously.
func (o *Observer) OnRunEnd(state *checkpoint.RunState) {
	o.mu.Lock()
	if o.trace == nil {
		o.mu.Unlock()
		return
	}
	tr := o.trace
	root := tr.RootSpan
	tr.EndTime = state.UpdatedAt
	tr.Status = state.Status.String()
	root.Duration = state.UpdatedAt.Sub(state.StartedAt)
	root.Attributes["status"] = state.Status.String()
	if state.StopReason != "" {
		root.Attributes["stop_reason"] = state.StopReason
	}
	// An attempt cut short by cancellation leaves its span open; close it
	// against the run end so it does not read as still in progress.
	if o.open != nil {
		o.open.Duration = tr.EndTime.Sub(o.open.StartTime)
		o.open.Attributes["outcome"] = "aborted"
		o.open = nil
	}
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), exportTimeout)
	defer cancel()
	if err := o.exporter.ExportTrace(ctx, tr); err != nil {
		o.mu.Lock()
		o.exportErr = err
		o.mu.Unlock()
	}
}

// Trace returns the assembled trace, or nil before the run starts.
func (o *Observer) Trace() *Trace {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.trace
}

// Shutdown flushes the exporter and reports any export failure from the
// run end.
func (o *Observer) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	exportErr := o.exportErr
	o.mu.Unlock()

	if err := o.exporter.Shutdown(ctx); err != nil {
		return err
	}
	return exportErr
}

func (o *Observer) spanForRecord(rec checkpoint.IterationRecord, events []event.Event) *Span {
	span := &Span{
		TraceID:    o.trace.ID,
		SpanID:     NewSpanID(),
		ParentID:   o.trace.RootSpan.SpanID,
		Name:       fmt.Sprintf("iteration %d", rec.Index),
		Attributes: make(map[string]string),
	}
	fillFromRecord(span, rec, events)
	return span
}

func fillFromRecord(span *Span, rec checkpoint.IterationRecord, events []event.Event) {
	span.StartTime = rec.StartedAt
	span.Duration = rec.EndedAt.Sub(rec.StartedAt)
	span.Attributes["iteration"] = strconv.Itoa(rec.Index)
	span.Attributes["attempt"] = strconv.Itoa(rec.Attempt)
	span.Attributes["outcome"] = rec.Outcome.String()
	span.Attributes["exit_code"] = strconv.Itoa(rec.ExitCode)
	if len(events) > 0 {
		span.Attributes["events"] = strconv.Itoa(len(events))
	}
}
