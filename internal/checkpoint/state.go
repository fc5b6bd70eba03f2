// Package checkpoint persists run state so an interrupted run can resume.
//
// A checkpoint is a JSON snapshot of RunState, rewritten atomically after
// every state transition. A lock file beside the checkpoint enforces the
// single-writer rule.
package checkpoint

import (
	"time"

	"ralph/internal/jsonutil"
)

// RunStatus is the cumulative status of a run.
type RunStatus int

const (
	StatusRunning RunStatus = iota
	StatusSucceeded
	StatusFailed
	StatusAborted
)

func (s RunStatus) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ParseRunStatus converts a status name back to its enum value.
func ParseRunStatus(s string) (RunStatus, error) {
	switch s {
	case "running":
		return StatusRunning, nil
	case "succeeded":
		return StatusSucceeded, nil
	case "failed":
		return StatusFailed, nil
	case "aborted":
		return StatusAborted, nil
	default:
		return StatusRunning, jsonutil.ParseEnumError("run status", s)
	}
}

// Terminal reports whether no further transition can occur.
func (s RunStatus) Terminal() bool { return s != StatusRunning }

// MarshalJSON implements json.Marshaler using the string form.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return jsonutil.MarshalEnum(s)
}

// UnmarshalJSON implements json.Unmarshaler using the string form.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	v, err := jsonutil.UnmarshalEnum(data, ParseRunStatus)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Outcome classifies the result of one agent invocation.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRecoverableFailure
	OutcomeFatalFailure
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRecoverableFailure:
		return "recoverable_failure"
	case OutcomeFatalFailure:
		return "fatal_failure"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// ParseOutcome converts an outcome name back to its enum value.
func ParseOutcome(s string) (Outcome, error) {
	switch s {
	case "success":
		return OutcomeSuccess, nil
	case "recoverable_failure":
		return OutcomeRecoverableFailure, nil
	case "fatal_failure":
		return OutcomeFatalFailure, nil
	case "timed_out":
		return OutcomeTimedOut, nil
	default:
		return OutcomeSuccess, jsonutil.ParseEnumError("outcome", s)
	}
}

// Retryable reports whether the retry policy applies to this outcome.
func (o Outcome) Retryable() bool {
	return o == OutcomeRecoverableFailure || o == OutcomeTimedOut
}

// MarshalJSON implements json.Marshaler using the string form.
func (o Outcome) MarshalJSON() ([]byte, error) {
	return jsonutil.MarshalEnum(o)
}

// UnmarshalJSON implements json.Unmarshaler using the string form.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	v, err := jsonutil.UnmarshalEnum(data, ParseOutcome)
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// IterationRecord is the immutable record of one agent invocation. Retries
// at the same iteration index carry increasing attempt numbers. Summary
// holds only the output tail; the full output lives in the workspace run
// log.
type IterationRecord struct {
	Index       int       `json:"index"`
	Attempt     int       `json:"attempt"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	ExitCode    int       `json:"exit_code"`
	Outcome     Outcome   `json:"outcome"`
	Summary     string    `json:"summary,omitempty"`
	OutputBytes int64     `json:"output_bytes,omitempty"`
	OutputLines int       `json:"output_lines,omitempty"`
}

// RunState is the orchestrator's mutable state, owned by the run loop and
// mirrored to disk after every transition. All timestamps are UTC so
// snapshots round-trip exactly.
type RunState struct {
	RunID               string            `json:"run_id"`
	Task                string            `json:"task"`
	Status              RunStatus         `json:"status"`
	Iteration           int               `json:"iteration"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	StopReason          string            `json:"stop_reason,omitempty"`
	StartedAt           time.Time         `json:"started_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
	Records             []IterationRecord `json:"records"`
}

// LastRecord returns the most recent iteration record, or nil for a run
// that has not completed an attempt yet.
func (s *RunState) LastRecord() *IterationRecord {
	if len(s.Records) == 0 {
		return nil
	}
	return &s.Records[len(s.Records)-1]
}

// AttemptsAt returns how many attempts are recorded at an iteration index.
func (s *RunState) AttemptsAt(index int) int {
	n := 0
	for _, r := range s.Records {
		if r.Index == index {
			n++
		}
	}
	return n
}

// CountOutcome returns how many records carry the given outcome.
func (s *RunState) CountOutcome(o Outcome) int {
	n := 0
	for _, r := range s.Records {
		if r.Outcome == o {
			n++
		}
	}
	return n
}
