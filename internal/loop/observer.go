package loop

import (
	"ralph/internal/checkpoint"
	"ralph/internal/event"
)

// Observer receives run lifecycle notifications. Implementations should
// embed NoopObserver so adding methods here stays backward compatible.
// Observers must not mutate the state they are handed.
type Observer interface {
	OnRunStart(state *checkpoint.RunState)
	OnIterationStart(index, attempt int)
	OnIterationComplete(rec checkpoint.IterationRecord, events []event.Event)
	OnRunEnd(state *checkpoint.RunState)
}

// NoopObserver implements Observer with no-ops.
type NoopObserver struct{}

// Ensure NoopObserver implements Observer.
var _ Observer = NoopObserver{}

func (NoopObserver) OnRunStart(*checkpoint.RunState)                               {}
func (NoopObserver) OnIterationStart(index, attempt int)                           {}
func (NoopObserver) OnIterationComplete(checkpoint.IterationRecord, []event.Event) {}
func (NoopObserver) OnRunEnd(*checkpoint.RunState)                                 {}

// MultiObserver fans out notifications to multiple observers.
// It handles nil observers gracefully by skipping them.
type MultiObserver struct {
	observers []Observer
}

// Ensure MultiObserver implements Observer.
var _ Observer = (*MultiObserver)(nil)

// NewMultiObserver creates a MultiObserver that forwards calls to all
// provided observers. Nil observers are filtered out.
func NewMultiObserver(observers ...Observer) *MultiObserver {
	filtered := make([]Observer, 0, len(observers))
	for _, obs := range observers {
		if obs != nil {
			filtered = append(filtered, obs)
		}
	}
	return &MultiObserver{observers: filtered}
}

// safeCall calls fn with panic recovery. One observer failing must not take
// down the run loop or block the other observers.
func safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			// swallowed; the loop keeps running
		}
	}()
	fn()
}

// OnRunStart forwards the call to all observers.
func (m *MultiObserver) OnRunStart(state *checkpoint.RunState) {
	for _, obs := range m.observers {
		safeCall(func() { obs.OnRunStart(state) })
	}
}

// OnIterationStart forwards the call to all observers.
func (m *MultiObserver) OnIterationStart(index, attempt int) {
	for _, obs := range m.observers {
		safeCall(func() { obs.OnIterationStart(index, attempt) })
	}
}

// OnIterationComplete forwards the call to all observers.
func (m *MultiObserver) OnIterationComplete(rec checkpoint.IterationRecord, events []event.Event) {
	for _, obs := range m.observers {
		safeCall(func() { obs.OnIterationComplete(rec, events) })
	}
}

// OnRunEnd forwards the call to all observers.
func (m *MultiObserver) OnRunEnd(state *checkpoint.RunState) {
	for _, obs := range m.observers {
		safeCall(func() { obs.OnRunEnd(state) })
	}
}
