// Package loop implements the orchestrator core: an iterate, assess,
// persist cycle that drives an external coding agent against one task
// until it signals completion, exhausts its budget, or fails.
package loop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"ralph/internal/agent"
	"ralph/internal/checkpoint"
	"ralph/internal/config"
	"ralph/internal/event"
	"ralph/internal/pty"
	"ralph/internal/workspace"
)

// Stop reasons recorded on the checkpoint when a run reaches a terminal
// status.
const (
	StopCompletionPromise = "completion_promise"
	StopMaxIterations     = "max_iterations"
	StopRetriesExhausted  = "retries_exhausted"
	StopFatalFailure      = "fatal_failure"
	StopInterrupted       = "interrupted"
	StopWallClock         = "wall_clock_exceeded"
)

// summaryTail bounds how much output tail each checkpoint record keeps.
// The full output lives in the workspace run log.
const summaryTail = 4 * 1024

// AgentFunc invokes the agent once. The live writer receives output as the
// process produces it; the returned result reports how it exited.
type AgentFunc func(ctx context.Context, workDir, prompt string, live io.Writer) (*agent.Result, error)

// SleepFunc blocks for a backoff delay. Implementations must return the
// context's error promptly when it is cancelled.
type SleepFunc func(ctx context.Context, d time.Duration) error

// RunOutcome is the post-mortem report of a run. Records carries the full
// iteration history for inspection.
type RunOutcome struct {
	RunID      string
	Status     checkpoint.RunStatus
	StopReason string
	Summary    string
	Iterations int // iteration indexes completed successfully
	Attempts   int // agent invocations recorded
	Elapsed    time.Duration
	Records    []checkpoint.IterationRecord
}

// Controller drives a single run. It owns the RunState for the duration of
// the run and mirrors it to the checkpoint store after every transition.
type Controller struct {
	cfg      *config.Config
	ws       *workspace.Workspace
	store    *checkpoint.Store
	observer Observer
	output   io.Writer

	// Test hooks, replaced via options.
	runAgent AgentFunc
	sleep    SleepFunc
	now      func() time.Time
	newRunID func() string
}

// Option configures a Controller.
type Option func(*Controller)

// WithObserver attaches an observer for run lifecycle notifications.
// Combine several with NewMultiObserver.
func WithObserver(obs Observer) Option {
	return func(c *Controller) {
		if obs != nil {
			c.observer = obs
		}
	}
}

// WithLiveOutput streams raw agent output to w as it is produced. The
// default is no streaming; output is still metered and archived.
func WithLiveOutput(w io.Writer) Option {
	return func(c *Controller) { c.output = w }
}

// WithAgentFunc replaces the real agent invocation. Tests script the agent
// through this hook.
func WithAgentFunc(fn AgentFunc) Option {
	return func(c *Controller) { c.runAgent = fn }
}

// WithSleepFunc replaces the backoff sleeper.
func WithSleepFunc(fn SleepFunc) Option {
	return func(c *Controller) { c.sleep = fn }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithRunID fixes the run ID instead of generating one.
func WithRunID(id string) Option {
	return func(c *Controller) { c.newRunID = func() string { return id } }
}

// New creates a controller for cfg rooted at workDir. The checkpoint path
// and the workspace paths in cfg are resolved relative to workDir.
func New(cfg *config.Config, workDir string, opts ...Option) *Controller {
	c := &Controller{
		cfg:      cfg,
		ws:       workspace.New(workDir),
		observer: NoopObserver{},
		sleep:    sleepContext,
		now:      time.Now,
		newRunID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.store = checkpoint.NewStore(c.ws.Resolve(cfg.CheckpointPath))
	if c.runAgent == nil {
		c.runAgent = c.invokeAgent
	}
	return c
}

// Store exposes the checkpoint store bound to this controller's config.
func (c *Controller) Store() *checkpoint.Store { return c.store }

// Workspace exposes the workspace the controller runs in.
func (c *Controller) Workspace() *workspace.Workspace { return c.ws }

// Start begins a fresh run. Any previous checkpoint at the configured path
// is overwritten once the first snapshot is saved; a live run holding the
// lock fails fast with checkpoint.ErrLocked.
func (c *Controller) Start(ctx context.Context) (*RunOutcome, error) {
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}
	if err := c.ws.Ensure(); err != nil {
		return nil, fmt.Errorf("prepare workspace: %w", err)
	}

	runID := c.newRunID()
	lock, err := checkpoint.AcquireLock(c.store.Path(), runID)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	now := c.now().UTC()
	st := &checkpoint.RunState{
		RunID:     runID,
		Task:      c.cfg.Task,
		Status:    checkpoint.StatusRunning,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.Save(st); err != nil {
		return nil, err
	}
	return c.run(ctx, st)
}

// Resume continues from the last checkpoint. With no checkpoint on disk it
// behaves as Start; a terminal checkpoint is reported as-is without
// invoking the agent; a corrupt one fails with checkpoint.ErrCorrupt.
func (c *Controller) Resume(ctx context.Context) (*RunOutcome, error) {
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := c.store.Load()
	if errors.Is(err, checkpoint.ErrNotFound) {
		return c.Start(ctx)
	}
	if err != nil {
		return nil, err
	}
	if st.Status.Terminal() {
		return c.outcome(st), nil
	}

	if err := c.ws.Ensure(); err != nil {
		return nil, fmt.Errorf("prepare workspace: %w", err)
	}
	lock, err := checkpoint.AcquireLock(c.store.Path(), st.RunID)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	return c.run(ctx, st)
}

// run executes the loop until st reaches a terminal status. Each pass:
//  1. Check cancellation and the iteration budget.
//  2. Invoke the agent with the current prompt.
//  3. Classify the result and append an IterationRecord.
//  4. Persist, then back off before a retry.
func (c *Controller) run(ctx context.Context, st *checkpoint.RunState) (*RunOutcome, error) {
	if err := c.ws.SeedScratchpad(c.cfg.ScratchpadPath, c.cfg.Task); err != nil {
		return nil, fmt.Errorf("seed scratchpad: %w", err)
	}

	runCtx := ctx
	if c.cfg.MaxWallClock > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.cfg.MaxWallClock)
		defer cancel()
	}

	c.observer.OnRunStart(st)
	defer func() { c.observer.OnRunEnd(st) }()

	for st.Status == checkpoint.StatusRunning {
		// 1. Stopping conditions.
		if err := runCtx.Err(); err != nil {
			if err := c.finish(st, checkpoint.StatusAborted, abortReason(err)); err != nil {
				return nil, err
			}
			break
		}
		if c.cfg.MaxIterations > 0 && st.Iteration >= c.cfg.MaxIterations {
			status := checkpoint.StatusSucceeded
			if c.cfg.RequireCompletion {
				status = checkpoint.StatusFailed
			}
			if err := c.finish(st, status, StopMaxIterations); err != nil {
				return nil, err
			}
			break
		}

		// 2. Invoke the agent. The attempt number restarts at 1 whenever
		// the iteration index advances; only success advances it, so the
		// consecutive-failure count is exactly the prior attempts here.
		attempt := st.ConsecutiveFailures + 1
		c.observer.OnIterationStart(st.Iteration, attempt)

		// The task comes from the state, not the config, so a resumed run
		// keeps the task it started with.
		prompt := BuildPrompt(st.Task, c.cfg.ScratchpadPath, c.cfg.EventsPath, c.cfg.CompletionPromise)
		meter := NewOutputMeter(c.output)
		started := c.now().UTC()
		res, runErr := c.runAgent(runCtx, c.ws.Root(), prompt, meter)
		ended := c.now().UTC()

		// Cancellation and wall-clock expiry outrank whatever state the
		// terminated agent exited in. The cut-short attempt gets no
		// record; its partial output still goes to the run log.
		if err := runCtx.Err(); err != nil {
			if res != nil {
				_ = c.archiveOutput(st, attempt, res)
			}
			if err := c.finish(st, checkpoint.StatusAborted, abortReason(err)); err != nil {
				return nil, err
			}
			break
		}

		// 3. Classify and record.
		if runErr != nil {
			// Spawn failure. Retrying a command that cannot start will
			// not help.
			rec := checkpoint.IterationRecord{
				Index:     st.Iteration,
				Attempt:   attempt,
				StartedAt: started,
				EndedAt:   ended,
				ExitCode:  -1,
				Outcome:   checkpoint.OutcomeFatalFailure,
				Summary:   runErr.Error(),
			}
			st.Records = append(st.Records, rec)
			if err := c.finish(st, checkpoint.StatusFailed, StopFatalFailure); err != nil {
				return nil, err
			}
			c.observer.OnIterationComplete(rec, nil)
			break
		}

		outcome := classify(res, c.cfg.Agent.FatalExitCode)
		events := event.Parse(res.Stdout)
		rec := checkpoint.IterationRecord{
			Index:       st.Iteration,
			Attempt:     attempt,
			StartedAt:   started,
			EndedAt:     ended,
			ExitCode:    res.ExitCode,
			Outcome:     outcome,
			Summary:     summarize(res, outcome),
			OutputBytes: meter.Bytes(),
			OutputLines: meter.Lines(),
		}
		st.Records = append(st.Records, rec)
		if err := c.archiveOutput(st, attempt, res); err != nil {
			return nil, err
		}

		switch outcome {
		case checkpoint.OutcomeSuccess:
			st.ConsecutiveFailures = 0
			st.Iteration++
			if event.ContainsPromise(res.Stdout, c.cfg.CompletionPromise) {
				if err := c.finish(st, checkpoint.StatusSucceeded, StopCompletionPromise); err != nil {
					return nil, err
				}
				c.observer.OnIterationComplete(rec, events)
				continue
			}

		case checkpoint.OutcomeFatalFailure:
			if err := c.finish(st, checkpoint.StatusFailed, StopFatalFailure); err != nil {
				return nil, err
			}
			c.observer.OnIterationComplete(rec, events)
			continue

		default: // RecoverableFailure, TimedOut
			st.ConsecutiveFailures++
			if st.ConsecutiveFailures > c.cfg.Retry.MaxRetries {
				if err := c.finish(st, checkpoint.StatusFailed, StopRetriesExhausted); err != nil {
					return nil, err
				}
				c.observer.OnIterationComplete(rec, events)
				continue
			}
		}

		// 4. Persist the transition, then back off before a retry.
		if err := c.persist(st); err != nil {
			return nil, err
		}
		c.observer.OnIterationComplete(rec, events)

		if outcome.Retryable() {
			delay := c.cfg.Retry.Delay(st.ConsecutiveFailures)
			if err := c.sleep(runCtx, delay); err != nil {
				if err := c.finish(st, checkpoint.StatusAborted, abortReason(err)); err != nil {
					return nil, err
				}
				break
			}
		}
	}

	return c.outcome(st), nil
}

// invokeAgent is the production AgentFunc, wiring the configured agent
// command through the agent package.
func (c *Controller) invokeAgent(ctx context.Context, workDir, prompt string, live io.Writer) (*agent.Result, error) {
	opts := []agent.Option{
		agent.WithTimeout(c.cfg.Timeout),
		agent.WithCommand(c.cfg.Agent.Command, c.cfg.Agent.Args...),
	}
	if c.cfg.Agent.PromptMode == config.PromptArg {
		opts = append(opts, agent.WithPromptAsArg())
	}
	if c.cfg.Agent.PTY {
		opts = append(opts, agent.WithPTY(pty.CreackPTY{}))
	}
	if live != nil {
		opts = append(opts, agent.WithStdoutWriter(live))
	}
	return agent.Run(ctx, workDir, prompt, opts...)
}

// archiveOutput writes the attempt's full output to the workspace run log.
func (c *Controller) archiveOutput(st *checkpoint.RunState, attempt int, res *agent.Result) error {
	output := res.Stdout
	if res.Stderr != "" {
		output += "\n--- stderr ---\n" + res.Stderr
	}
	if output == "" {
		return nil
	}
	if _, err := c.ws.WriteRunLog(st.RunID, st.Iteration, attempt, output); err != nil {
		return fmt.Errorf("archive run log: %w", err)
	}
	return nil
}

// finish applies a terminal transition and persists it.
func (c *Controller) finish(st *checkpoint.RunState, status checkpoint.RunStatus, reason string) error {
	st.Status = status
	st.StopReason = reason
	return c.persist(st)
}

// persist stamps UpdatedAt and saves the snapshot.
func (c *Controller) persist(st *checkpoint.RunState) error {
	st.UpdatedAt = c.now().UTC()
	return c.store.Save(st)
}

// outcome builds the post-mortem report from a terminal state.
func (c *Controller) outcome(st *checkpoint.RunState) *RunOutcome {
	return &RunOutcome{
		RunID:      st.RunID,
		Status:     st.Status,
		StopReason: st.StopReason,
		Summary:    summarizeRun(st),
		Iterations: st.Iteration,
		Attempts:   len(st.Records),
		Elapsed:    st.UpdatedAt.Sub(st.StartedAt),
		Records:    st.Records,
	}
}

// classify maps an agent result to an iteration outcome. Timeout outranks
// the exit status the kill produced.
func classify(res *agent.Result, fatalExit int) checkpoint.Outcome {
	switch {
	case res.TimedOut:
		return checkpoint.OutcomeTimedOut
	case res.ExitCode == 0:
		return checkpoint.OutcomeSuccess
	case res.ExitCode >= fatalExit:
		return checkpoint.OutcomeFatalFailure
	default:
		return checkpoint.OutcomeRecoverableFailure
	}
}

// summarize picks the output tail kept in the checkpoint record. Failures
// prefer stderr, where agent errors usually land.
func summarize(res *agent.Result, outcome checkpoint.Outcome) string {
	out := res.Stdout
	if outcome != checkpoint.OutcomeSuccess && strings.TrimSpace(res.Stderr) != "" {
		out = res.Stderr
	}
	return tail(strings.TrimSpace(out), summaryTail)
}

// summarizeRun renders the one-line human-readable summary of a run.
func summarizeRun(st *checkpoint.RunState) string {
	switch st.StopReason {
	case StopCompletionPromise:
		return fmt.Sprintf("agent signalled completion after %d iteration(s)", st.Iteration)
	case StopMaxIterations:
		if st.Status == checkpoint.StatusFailed {
			return fmt.Sprintf("reached %d iteration(s) without the completion promise", st.Iteration)
		}
		return fmt.Sprintf("completed the full %d-iteration budget", st.Iteration)
	case StopRetriesExhausted:
		return fmt.Sprintf("iteration %d failed %d time(s); retries exhausted", st.Iteration, st.ConsecutiveFailures)
	case StopFatalFailure:
		if last := st.LastRecord(); last != nil {
			return fmt.Sprintf("fatal failure at iteration %d (exit %d)", last.Index, last.ExitCode)
		}
		return "fatal failure"
	case StopInterrupted:
		return fmt.Sprintf("interrupted after %d completed iteration(s)", st.Iteration)
	case StopWallClock:
		return fmt.Sprintf("wall clock budget exhausted after %d completed iteration(s)", st.Iteration)
	default:
		return st.Status.String()
	}
}

// abortReason distinguishes operator interruption from wall-clock expiry.
func abortReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return StopWallClock
	}
	return StopInterrupted
}

// tail returns at most n trailing bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// sleepContext is the default SleepFunc.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
