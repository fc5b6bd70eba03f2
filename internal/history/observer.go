package history

import (
	"ralph/internal/checkpoint"
	"ralph/internal/event"
	"ralph/internal/loop"
)

// Observer archives run activity as it happens: parsed events append to the
// event log after each iteration, and the terminal state lands in the run
// archive when the run ends. Either sink may be nil to disable it. Archive
// failures never interrupt the run; the first one is kept for Err.
type Observer struct {
	loop.NoopObserver

	store *Store
	log   *EventLog
	err   error
}

// Ensure Observer implements loop.Observer.
var _ loop.Observer = (*Observer)(nil)

// NewObserver returns an observer that writes to the given sinks.
func NewObserver(store *Store, log *EventLog) *Observer {
	return &Observer{store: store, log: log}
}

// OnIterationComplete appends the iteration's events to the event log.
func (o *Observer) OnIterationComplete(rec checkpoint.IterationRecord, events []event.Event) {
	if o.log == nil || len(events) == 0 {
		return
	}
	if err := o.log.Append(rec.Index, rec.EndedAt, events); err != nil && o.err == nil {
		o.err = err
	}
}

// OnRunEnd archives the final run state.
func (o *Observer) OnRunEnd(state *checkpoint.RunState) {
	if o.store == nil {
		return
	}
	if err := o.store.RecordRun(state); err != nil && o.err == nil {
		o.err = err
	}
}

// Err returns the first archive failure, if any.
func (o *Observer) Err() error { return o.err }
