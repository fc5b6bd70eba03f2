package history

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"ralph/internal/checkpoint"
	"ralph/internal/event"
)

func TestObserver_ArchivesRunAndEvents(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()
	log := NewEventLog(filepath.Join(dir, "events.jsonl"))

	obs := NewObserver(store, log)
	state := finishedState("run-1", archiveBase)

	obs.OnRunStart(state)
	for _, rec := range state.Records {
		obs.OnIterationStart(rec.Index, rec.Attempt)
		var events []event.Event
		if rec.Index == 1 {
			events = []event.Event{{Topic: "impl.done", Payload: "feature shipped"}}
		}
		obs.OnIterationComplete(rec, events)
	}
	obs.OnRunEnd(state)

	if err := obs.Err(); err != nil {
		t.Fatalf("Err: %v", err)
	}

	runs, err := store.RecentRuns(10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "run-1" {
		t.Fatalf("expected run-1 archived, got %+v", runs)
	}

	entries, err := log.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 event entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Topic != "impl.done" || e.Iteration != 1 {
		t.Errorf("unexpected entry: %+v", e)
	}
	if !e.Timestamp.Equal(state.Records[1].EndedAt) {
		t.Errorf("expected event stamped with the record end time, got %v", e.Timestamp)
	}
}

func TestObserver_NoEventsNoAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	obs := NewObserver(nil, NewEventLog(path))

	obs.OnIterationComplete(checkpoint.IterationRecord{Index: 0, Attempt: 1, EndedAt: archiveBase}, nil)

	entries, err := NewEventLog(path).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries, got %d", len(entries))
	}
	if err := obs.Err(); err != nil {
		t.Errorf("Err: %v", err)
	}
}

func TestObserver_NilSinksAreSafe(t *testing.T) {
	obs := NewObserver(nil, nil)
	state := finishedState("run-1", archiveBase)

	obs.OnRunStart(state)
	obs.OnIterationStart(0, 1)
	obs.OnIterationComplete(state.Records[0], []event.Event{{Topic: "impl.done", Payload: "ok"}})
	obs.OnRunEnd(state)

	if err := obs.Err(); err != nil {
		t.Errorf("Err: %v", err)
	}
}

func TestObserver_KeepsFirstArchiveError(t *testing.T) {
	// A directory at the log path makes the append fail.
	dir := t.TempDir()
	logPath := filepath.Join(dir, "events.jsonl")
	if err := os.Mkdir(logPath, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	obs := NewObserver(nil, NewEventLog(logPath))
	rec := checkpoint.IterationRecord{Index: 0, Attempt: 1, EndedAt: archiveBase.Add(time.Minute)}
	obs.OnIterationComplete(rec, []event.Event{{Topic: "impl.done", Payload: "ok"}})

	if obs.Err() == nil {
		t.Fatal("expected an archive error")
	}
	first := obs.Err()
	obs.OnIterationComplete(rec, []event.Event{{Topic: "tests.pass", Payload: "ok"}})
	if obs.Err() != first {
		t.Error("expected the first error to be kept")
	}
}
