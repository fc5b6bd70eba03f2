package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type rawConfig struct {
	Task                string   `yaml:"task"`
	MaxIterations       *int     `yaml:"max_iterations"`
	TimeoutSeconds      *float64 `yaml:"timeout_seconds"`
	Retry               rawRetry `yaml:"retry"`
	CheckpointPath      *string  `yaml:"checkpoint_path"`
	Agent               rawAgent `yaml:"agent"`
	CompletionPromise   *string  `yaml:"completion_promise"`
	RequireCompletion   *bool    `yaml:"require_completion"`
	EventsPath          *string  `yaml:"events_path"`
	ScratchpadPath      *string  `yaml:"scratchpad_path"`
	HistoryPath         *string  `yaml:"history_path"`
	MaxWallClockSeconds *float64 `yaml:"max_wall_clock_seconds"`
}

type rawRetry struct {
	MaxRetries         *int     `yaml:"max_retries"`
	BackoffBaseSeconds *float64 `yaml:"backoff_base_seconds"`
	BackoffMultiplier  *float64 `yaml:"backoff_multiplier"`
	BackoffCapSeconds  *float64 `yaml:"backoff_cap_seconds"`
}

type rawAgent struct {
	Command       *string  `yaml:"command"`
	Args          []string `yaml:"args"`
	PromptMode    *string  `yaml:"prompt_mode"`
	PTY           *bool    `yaml:"pty"`
	FatalExitCode *int     `yaml:"fatal_exit_code"`
}

// ValidationError captures a single field-specific configuration issue.
type ValidationError struct {
	File    string
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.File, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.File, e.Field, e.Message)
}

// ValidationErrors aggregates multiple configuration problems.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "\n")
}

// Parse unmarshals and validates a YAML config document. The source name
// appears in validation errors.
func Parse(data []byte, source string) (*Config, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, ValidationErrors{{
			File:    source,
			Field:   "yaml",
			Message: err.Error(),
		}}
	}

	cfg := raw.normalize()
	if errs := cfg.validate(source); len(errs) > 0 {
		return nil, errs
	}
	return cfg, nil
}

// normalize applies defaults for absent keys and converts units.
func (raw rawConfig) normalize() *Config {
	cfg := &Config{
		Task:              strings.TrimSpace(raw.Task),
		Timeout:           DefaultTimeout,
		CheckpointPath:    DefaultCheckpointPath,
		CompletionPromise: DefaultCompletionPromise,
		EventsPath:        DefaultEventsPath,
		ScratchpadPath:    DefaultScratchpadPath,
		HistoryPath:       DefaultHistoryPath,
		Retry: RetryPolicy{
			MaxRetries:        DefaultMaxRetries,
			BackoffBase:       DefaultBackoffBase,
			BackoffMultiplier: DefaultBackoffMultiplier,
			BackoffCap:        DefaultBackoffCap,
		},
		Agent: AgentConfig{
			Command:       DefaultAgentCommand,
			PromptMode:    PromptStdin,
			FatalExitCode: DefaultFatalExitCode,
		},
	}

	if raw.MaxIterations != nil {
		cfg.MaxIterations = *raw.MaxIterations
	}
	if raw.TimeoutSeconds != nil {
		cfg.Timeout = secondsToDuration(*raw.TimeoutSeconds)
	}
	if raw.CheckpointPath != nil {
		cfg.CheckpointPath = strings.TrimSpace(*raw.CheckpointPath)
	}
	if raw.CompletionPromise != nil {
		cfg.CompletionPromise = strings.TrimSpace(*raw.CompletionPromise)
	}
	if raw.RequireCompletion != nil {
		cfg.RequireCompletion = *raw.RequireCompletion
	}
	if raw.EventsPath != nil {
		cfg.EventsPath = strings.TrimSpace(*raw.EventsPath)
	}
	if raw.ScratchpadPath != nil {
		cfg.ScratchpadPath = strings.TrimSpace(*raw.ScratchpadPath)
	}
	if raw.HistoryPath != nil {
		cfg.HistoryPath = strings.TrimSpace(*raw.HistoryPath)
	}
	if raw.MaxWallClockSeconds != nil {
		cfg.MaxWallClock = secondsToDuration(*raw.MaxWallClockSeconds)
	}

	if raw.Retry.MaxRetries != nil {
		cfg.Retry.MaxRetries = *raw.Retry.MaxRetries
	}
	if raw.Retry.BackoffBaseSeconds != nil {
		cfg.Retry.BackoffBase = secondsToDuration(*raw.Retry.BackoffBaseSeconds)
	}
	if raw.Retry.BackoffMultiplier != nil {
		cfg.Retry.BackoffMultiplier = *raw.Retry.BackoffMultiplier
	}
	if raw.Retry.BackoffCapSeconds != nil {
		cfg.Retry.BackoffCap = secondsToDuration(*raw.Retry.BackoffCapSeconds)
	}

	if raw.Agent.Command != nil {
		cfg.Agent.Command = strings.TrimSpace(*raw.Agent.Command)
	}
	if raw.Agent.Args != nil {
		cfg.Agent.Args = append([]string{}, raw.Agent.Args...)
	}
	if raw.Agent.PromptMode != nil {
		cfg.Agent.PromptMode = PromptMode(strings.TrimSpace(*raw.Agent.PromptMode))
	}
	if raw.Agent.PTY != nil {
		cfg.Agent.PTY = *raw.Agent.PTY
	}
	if raw.Agent.FatalExitCode != nil {
		cfg.Agent.FatalExitCode = *raw.Agent.FatalExitCode
	}

	return cfg
}

// Validate checks the invariants of an already-normalized Config. Configs
// built in code rather than loaded from a file go through this before a run.
func (c *Config) Validate() error {
	if errs := c.validate("config"); len(errs) > 0 {
		return errs
	}
	return nil
}

func (c *Config) validate(source string) ValidationErrors {
	var errs ValidationErrors
	add := func(field, message string) {
		errs = append(errs, ValidationError{File: source, Field: field, Message: message})
	}

	if c.Task == "" {
		add("task", "task is required")
	}
	if c.MaxIterations < 0 {
		add("max_iterations", "must be zero or a positive integer")
	}
	if c.Timeout <= 0 {
		add("timeout_seconds", "must be a positive number")
	}
	if c.Retry.MaxRetries < 0 {
		add("retry.max_retries", "must be zero or a positive integer")
	}
	if c.Retry.BackoffBase < 0 {
		add("retry.backoff_base_seconds", "must be zero or a positive number")
	}
	if c.Retry.BackoffMultiplier < 1 {
		add("retry.backoff_multiplier", "must be at least 1.0")
	}
	if c.Retry.BackoffCap < 0 {
		add("retry.backoff_cap_seconds", "must be zero or a positive number")
	}
	if c.CheckpointPath == "" {
		add("checkpoint_path", "checkpoint path is required")
	}
	if c.Agent.Command == "" {
		add("agent.command", "agent command is required")
	}
	switch c.Agent.PromptMode {
	case PromptStdin, PromptArg:
	default:
		add("agent.prompt_mode", fmt.Sprintf("invalid mode %q (expected stdin or arg)", c.Agent.PromptMode))
	}
	if c.Agent.FatalExitCode < 1 || c.Agent.FatalExitCode > 255 {
		add("agent.fatal_exit_code", "must be between 1 and 255")
	}
	if c.CompletionPromise == "" {
		add("completion_promise", "completion promise cannot be blank")
	}
	if c.EventsPath == "" {
		add("events_path", "events path is required")
	}
	if c.ScratchpadPath == "" {
		add("scratchpad_path", "scratchpad path is required")
	}
	if c.MaxWallClock < 0 {
		add("max_wall_clock_seconds", "must be zero or a positive number")
	}

	return errs
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
