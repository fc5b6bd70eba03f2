// Package config loads and validates ralph.yml run configuration.
//
// Unknown keys are ignored so configs stay portable across orchestrator
// versions; missing optional keys take the documented defaults; missing or
// invalid required keys fail with ValidationErrors.
package config

import (
	"math"
	"os"
	"time"
)

// Defaults applied for absent optional keys.
const (
	DefaultTimeout           = 10 * time.Minute
	DefaultMaxRetries        = 3
	DefaultBackoffBase       = 2 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultBackoffCap        = 60 * time.Second
	DefaultCheckpointPath    = ".agent/checkpoint.json"
	DefaultAgentCommand      = "claude"
	DefaultFatalExitCode     = 126
	DefaultCompletionPromise = "LOOP_COMPLETE"
	DefaultEventsPath        = ".agent/events.jsonl"
	DefaultScratchpadPath    = ".agent/scratchpad.md"
	DefaultHistoryPath       = ".agent/history.db"
)

// PromptMode selects how the task context reaches the agent process.
type PromptMode string

const (
	PromptStdin PromptMode = "stdin" // written to the agent's stdin
	PromptArg   PromptMode = "arg"   // appended as the final argument
)

// Config is the validated, immutable configuration for one run.
type Config struct {
	Task              string
	MaxIterations     int           // 0 means unbounded
	Timeout           time.Duration // per agent invocation
	Retry             RetryPolicy
	CheckpointPath    string
	Agent             AgentConfig
	CompletionPromise string
	RequireCompletion bool // reaching MaxIterations without the promise is a failure
	EventsPath        string
	ScratchpadPath    string
	HistoryPath       string        // empty disables the run archive
	MaxWallClock      time.Duration // 0 means unbounded
}

// RetryPolicy bounds recoverable-failure retries and shapes their backoff.
type RetryPolicy struct {
	MaxRetries        int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	BackoffCap        time.Duration
}

// Delay returns the backoff delay before the next attempt, given the number
// of consecutive failures so far (1-based). Growth is exponential in
// BackoffMultiplier and capped at BackoffCap.
func (p RetryPolicy) Delay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := float64(p.BackoffBase) * math.Pow(p.BackoffMultiplier, float64(failures-1))
	if limit := float64(p.BackoffCap); d > limit {
		d = limit
	}
	return time.Duration(d)
}

// AgentConfig describes the external worker process.
type AgentConfig struct {
	Command       string
	Args          []string
	PromptMode    PromptMode
	PTY           bool
	FatalExitCode int // exit statuses at or above this are not retried
}

// Load reads and validates the YAML config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ValidationErrors{{File: path, Message: err.Error()}}
	}
	return Parse(data, path)
}
