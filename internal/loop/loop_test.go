package loop

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ralph/internal/agent"
	"ralph/internal/checkpoint"
	"ralph/internal/config"
	"ralph/internal/event"
)

// agentCalls records what a scripted agent was asked to do.
type agentCalls struct {
	n       int
	prompts []string
}

// scriptAgent returns an AgentFunc that replays results in order, repeating
// the last one, and records every invocation.
func scriptAgent(results ...*agent.Result) (AgentFunc, *agentCalls) {
	calls := &agentCalls{}
	fn := func(ctx context.Context, workDir, prompt string, live io.Writer) (*agent.Result, error) {
		i := calls.n
		if i >= len(results) {
			i = len(results) - 1
		}
		calls.n++
		calls.prompts = append(calls.prompts, prompt)
		res := results[i]
		if live != nil && res.Stdout != "" {
			_, _ = io.WriteString(live, res.Stdout)
		}
		return res, nil
	}
	return fn, calls
}

func okResult(stdout string) *agent.Result {
	return &agent.Result{ExitCode: 0, Stdout: stdout, Duration: 50 * time.Millisecond}
}

func exitResult(code int) *agent.Result {
	return &agent.Result{ExitCode: code, Stderr: "agent failed\n", Duration: 50 * time.Millisecond}
}

func timedOutResult() *agent.Result {
	return &agent.Result{ExitCode: -1, TimedOut: true, Duration: 5 * time.Second}
}

// recordSleeps returns a SleepFunc that records delays without waiting.
func recordSleeps() (SleepFunc, *[]time.Duration) {
	var delays []time.Duration
	fn := func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return fn, &delays
}

// testObserver records lifecycle notifications.
type testObserver struct {
	NoopObserver
	runStarts int
	runEnds   int
	starts    [][2]int
	completes []checkpoint.IterationRecord
	events    [][]event.Event
}

func (o *testObserver) OnRunStart(st *checkpoint.RunState) { o.runStarts++ }
func (o *testObserver) OnRunEnd(st *checkpoint.RunState)   { o.runEnds++ }
func (o *testObserver) OnIterationStart(index, attempt int) {
	o.starts = append(o.starts, [2]int{index, attempt})
}
func (o *testObserver) OnIterationComplete(rec checkpoint.IterationRecord, events []event.Event) {
	o.completes = append(o.completes, rec)
	o.events = append(o.events, events)
}

func testConfig(t *testing.T, yml string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(yml), "test.yml")
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	return cfg
}

func TestController_PromiseCompletesRun(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, "task: build the thing\n")
	fn, calls := scriptAgent(okResult("did the work\nLOOP_COMPLETE\n"))

	ctl := New(cfg, dir, WithAgentFunc(fn), WithRunID("run-promise"))
	out, err := ctl.Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if out.Status != checkpoint.StatusSucceeded {
		t.Errorf("expected succeeded, got %v", out.Status)
	}
	if out.StopReason != StopCompletionPromise {
		t.Errorf("expected stop reason %q, got %q", StopCompletionPromise, out.StopReason)
	}
	if out.Iterations != 1 || out.Attempts != 1 {
		t.Errorf("expected 1 iteration / 1 attempt, got %d / %d", out.Iterations, out.Attempts)
	}
	if calls.n != 1 {
		t.Errorf("expected 1 agent invocation, got %d", calls.n)
	}

	rec := out.Records[0]
	if rec.Outcome != checkpoint.OutcomeSuccess {
		t.Errorf("expected success outcome, got %v", rec.Outcome)
	}
	if want := int64(len("did the work\nLOOP_COMPLETE\n")); rec.OutputBytes != want {
		t.Errorf("expected %d output bytes, got %d", want, rec.OutputBytes)
	}
	if rec.OutputLines != 2 {
		t.Errorf("expected 2 output lines, got %d", rec.OutputLines)
	}

	// Checkpoint is terminal on disk and the lock is gone.
	st, err := ctl.Store().Load()
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if st.Status != checkpoint.StatusSucceeded {
		t.Errorf("expected terminal checkpoint, got %v", st.Status)
	}
	if _, err := os.Stat(checkpoint.LockPath(ctl.Store().Path())); !os.IsNotExist(err) {
		t.Errorf("expected lock released, stat err = %v", err)
	}

	// Full output archived in the run log.
	if log := ctl.Workspace().ReadRunLog("run-promise", 0, 1); !strings.Contains(log, "did the work") {
		t.Errorf("expected run log with agent output, got %q", log)
	}
}

func TestController_PromptCarriesTaskContext(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, "task: refactor the parser\nmax_iterations: 1\n")
	fn, calls := scriptAgent(okResult("ok\n"))

	ctl := New(cfg, dir, WithAgentFunc(fn))
	if _, err := ctl.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(calls.prompts) != 1 {
		t.Fatalf("expected 1 prompt, got %d", len(calls.prompts))
	}
	prompt := calls.prompts[0]
	for _, want := range []string{"refactor the parser", cfg.ScratchpadPath, cfg.EventsPath, "LOOP_COMPLETE"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}

	// The scratchpad was seeded with the task.
	pad, err := os.ReadFile(ctl.Workspace().Resolve(cfg.ScratchpadPath))
	if err != nil {
		t.Fatalf("read scratchpad: %v", err)
	}
	if !strings.Contains(string(pad), "refactor the parser") {
		t.Errorf("scratchpad missing task, got %q", pad)
	}
}

func TestController_MaxIterationsSucceeds(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, "task: test task\nmax_iterations: 3\n")
	fn, calls := scriptAgent(okResult("made progress\n"))

	ctl := New(cfg, dir, WithAgentFunc(fn))
	out, err := ctl.Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if out.Status != checkpoint.StatusSucceeded {
		t.Errorf("expected succeeded, got %v", out.Status)
	}
	if out.StopReason != StopMaxIterations {
		t.Errorf("expected stop reason %q, got %q", StopMaxIterations, out.StopReason)
	}
	if calls.n != 3 {
		t.Errorf("expected exactly 3 invocations, got %d", calls.n)
	}
	if out.Iterations != 3 {
		t.Errorf("expected 3 completed iterations, got %d", out.Iterations)
	}
	for i, rec := range out.Records {
		if rec.Index != i || rec.Attempt != 1 {
			t.Errorf("record %d: expected index %d attempt 1, got index %d attempt %d", i, i, rec.Index, rec.Attempt)
		}
	}
}

func TestController_RequireCompletionFailsAtBudget(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, "task: test task\nmax_iterations: 2\nrequire_completion: true\n")
	fn, _ := scriptAgent(okResult("still going\n"))

	ctl := New(cfg, dir, WithAgentFunc(fn))
	out, err := ctl.Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if out.Status != checkpoint.StatusFailed {
		t.Errorf("expected failed, got %v", out.Status)
	}
	if out.StopReason != StopMaxIterations {
		t.Errorf("expected stop reason %q, got %q", StopMaxIterations, out.StopReason)
	}
}

func TestController_PromiseInsideEventIgnored(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, "task: test task\nmax_iterations: 1\n")
	fn, _ := scriptAgent(okResult(`<event topic="notes">LOOP_COMPLETE</event>` + "\n"))

	ctl := New(cfg, dir, WithAgentFunc(fn))
	out, err := ctl.Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The run ends on the iteration budget, not the promise.
	if out.StopReason != StopMaxIterations {
		t.Errorf("expected stop reason %q, got %q", StopMaxIterations, out.StopReason)
	}
}

func TestController_RetriesExhausted(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, "task: test task\nretry:\n  max_retries: 2\n")
	fn, calls := scriptAgent(exitResult(1))
	sleep, delays := recordSleeps()

	ctl := New(cfg, dir, WithAgentFunc(fn), WithSleepFunc(sleep))
	out, err := ctl.Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if out.Status != checkpoint.StatusFailed {
		t.Errorf("expected failed, got %v", out.Status)
	}
	if out.StopReason != StopRetriesExhausted {
		t.Errorf("expected stop reason %q, got %q", StopRetriesExhausted, out.StopReason)
	}
	if calls.n != 3 {
		t.Errorf("expected exactly 3 invocations for max_retries=2, got %d", calls.n)
	}
	for i, rec := range out.Records {
		if rec.Index != 0 {
			t.Errorf("record %d: expected index 0, got %d", i, rec.Index)
		}
		if rec.Attempt != i+1 {
			t.Errorf("record %d: expected attempt %d, got %d", i, i+1, rec.Attempt)
		}
		if rec.Outcome != checkpoint.OutcomeRecoverableFailure {
			t.Errorf("record %d: expected recoverable failure, got %v", i, rec.Outcome)
		}
	}

	// Two backoffs with the default base 2s and multiplier 2.
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(*delays) != len(want) {
		t.Fatalf("expected %d sleeps, got %d", len(want), len(*delays))
	}
	for i, d := range *delays {
		if d != want[i] {
			t.Errorf("sleep %d: expected %v, got %v", i, want[i], d)
		}
	}
}

func TestController_BackoffGrowsAndCaps(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, `task: test task
retry:
  max_retries: 4
  backoff_base_seconds: 1
  backoff_multiplier: 10
  backoff_cap_seconds: 5
`)
	fn, _ := scriptAgent(exitResult(1))
	sleep, delays := recordSleeps()

	ctl := New(cfg, dir, WithAgentFunc(fn), WithSleepFunc(sleep))
	if _, err := ctl.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(*delays) != 4 {
		t.Fatalf("expected 4 sleeps, got %d", len(*delays))
	}
	prev := time.Duration(0)
	for i, d := range *delays {
		if d < prev {
			t.Errorf("sleep %d: delay %v decreased from %v", i, d, prev)
		}
		if d > 5*time.Second {
			t.Errorf("sleep %d: delay %v exceeds cap", i, d)
		}
		prev = d
	}
	if (*delays)[0] != time.Second || (*delays)[1] != 5*time.Second {
		t.Errorf("expected delays [1s 5s 5s 5s], got %v", *delays)
	}
}

func TestController_TimeoutRetriedThenSucceeds(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, "task: test task\n")
	fn, calls := scriptAgent(timedOutResult(), okResult("LOOP_COMPLETE\n"))
	sleep, delays := recordSleeps()

	ctl := New(cfg, dir, WithAgentFunc(fn), WithSleepFunc(sleep))
	out, err := ctl.Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if out.Status != checkpoint.StatusSucceeded {
		t.Errorf("expected succeeded, got %v", out.Status)
	}
	if calls.n != 2 {
		t.Errorf("expected 2 invocations, got %d", calls.n)
	}
	if out.Records[0].Outcome != checkpoint.OutcomeTimedOut {
		t.Errorf("expected timed_out outcome, got %v", out.Records[0].Outcome)
	}
	if out.Records[0].Index != 0 || out.Records[1].Index != 0 {
		t.Errorf("expected both attempts at index 0, got %d and %d", out.Records[0].Index, out.Records[1].Index)
	}
	if len(*delays) != 1 {
		t.Errorf("expected 1 backoff sleep, got %d", len(*delays))
	}
}

func TestController_FatalExitStopsImmediately(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, "task: test task\n")
	fn, calls := scriptAgent(exitResult(126))
	sleep, delays := recordSleeps()

	ctl := New(cfg, dir, WithAgentFunc(fn), WithSleepFunc(sleep))
	out, err := ctl.Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if out.Status != checkpoint.StatusFailed {
		t.Errorf("expected failed, got %v", out.Status)
	}
	if out.StopReason != StopFatalFailure {
		t.Errorf("expected stop reason %q, got %q", StopFatalFailure, out.StopReason)
	}
	if calls.n != 1 {
		t.Errorf("expected 1 invocation, got %d", calls.n)
	}
	if len(*delays) != 0 {
		t.Errorf("expected no backoff, got %d sleeps", len(*delays))
	}
	if out.Records[0].Outcome != checkpoint.OutcomeFatalFailure {
		t.Errorf("expected fatal failure outcome, got %v", out.Records[0].Outcome)
	}
}

func TestController_SpawnFailureIsFatal(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, "task: test task\n")
	fn := func(ctx context.Context, workDir, prompt string, live io.Writer) (*agent.Result, error) {
		return nil, errors.New(`failed to run agent: exec: "claude": executable file not found`)
	}

	ctl := New(cfg, dir, WithAgentFunc(fn))
	out, err := ctl.Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if out.Status != checkpoint.StatusFailed {
		t.Errorf("expected failed, got %v", out.Status)
	}
	if out.StopReason != StopFatalFailure {
		t.Errorf("expected stop reason %q, got %q", StopFatalFailure, out.StopReason)
	}
	if len(out.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(out.Records))
	}
	rec := out.Records[0]
	if rec.ExitCode != -1 || rec.Outcome != checkpoint.OutcomeFatalFailure {
		t.Errorf("expected exit -1 fatal record, got exit %d outcome %v", rec.ExitCode, rec.Outcome)
	}
	if !strings.Contains(rec.Summary, "not found") {
		t.Errorf("expected spawn error in summary, got %q", rec.Summary)
	}
}

func TestController_FailureThenSuccessResetsCount(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, "task: test task\n")
	fn, _ := scriptAgent(exitResult(1), okResult("LOOP_COMPLETE\n"))
	sleep, _ := recordSleeps()

	ctl := New(cfg, dir, WithAgentFunc(fn), WithSleepFunc(sleep))
	out, err := ctl.Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if out.Status != checkpoint.StatusSucceeded {
		t.Errorf("expected succeeded, got %v", out.Status)
	}
	if out.Records[0].Attempt != 1 || out.Records[1].Attempt != 2 {
		t.Errorf("expected attempts 1 then 2, got %d then %d", out.Records[0].Attempt, out.Records[1].Attempt)
	}

	st, err := ctl.Store().Load()
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if st.ConsecutiveFailures != 0 {
		t.Errorf("expected failure count reset, got %d", st.ConsecutiveFailures)
	}
}

func TestController_CancellationAborts(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, "task: test task\n")

	ctx, cancel := context.WithCancel(context.Background())
	fn := func(ctx context.Context, workDir, prompt string, live io.Writer) (*agent.Result, error) {
		// Interrupt arrives while the agent is mid-flight.
		cancel()
		return &agent.Result{ExitCode: -1, Stdout: "partial work\n"}, nil
	}

	ctl := New(cfg, dir, WithAgentFunc(fn), WithRunID("run-cancel"))
	out, err := ctl.Start(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if out.Status != checkpoint.StatusAborted {
		t.Errorf("expected aborted, got %v", out.Status)
	}
	if out.StopReason != StopInterrupted {
		t.Errorf("expected stop reason %q, got %q", StopInterrupted, out.StopReason)
	}
	// The cut-short attempt leaves no record; its output is still archived.
	if len(out.Records) != 0 {
		t.Errorf("expected no records, got %d", len(out.Records))
	}
	if log := ctl.Workspace().ReadRunLog("run-cancel", 0, 1); !strings.Contains(log, "partial work") {
		t.Errorf("expected partial output archived, got %q", log)
	}

	st, err := ctl.Store().Load()
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if st.Status != checkpoint.StatusAborted || st.StopReason != StopInterrupted {
		t.Errorf("expected aborted checkpoint, got %v %q", st.Status, st.StopReason)
	}
}

func TestController_CancellationDuringBackoff(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, "task: test task\n")
	fn, calls := scriptAgent(exitResult(1))

	ctx, cancel := context.WithCancel(context.Background())
	sleep := func(ctx context.Context, d time.Duration) error {
		cancel()
		return context.Canceled
	}

	ctl := New(cfg, dir, WithAgentFunc(fn), WithSleepFunc(sleep))
	out, err := ctl.Start(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if out.Status != checkpoint.StatusAborted {
		t.Errorf("expected aborted, got %v", out.Status)
	}
	if calls.n != 1 {
		t.Errorf("expected 1 invocation, got %d", calls.n)
	}
	// The failed attempt completed, so it is recorded.
	if len(out.Records) != 1 {
		t.Errorf("expected 1 record, got %d", len(out.Records))
	}
}

func TestController_WallClockExceeded(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, "task: test task\nmax_wall_clock_seconds: 0.05\n")
	fn := func(ctx context.Context, workDir, prompt string, live io.Writer) (*agent.Result, error) {
		<-ctx.Done()
		return &agent.Result{ExitCode: -1}, nil
	}

	ctl := New(cfg, dir, WithAgentFunc(fn))
	out, err := ctl.Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if out.Status != checkpoint.StatusAborted {
		t.Errorf("expected aborted, got %v", out.Status)
	}
	if out.StopReason != StopWallClock {
		t.Errorf("expected stop reason %q, got %q", StopWallClock, out.StopReason)
	}
	if len(out.Records) != 0 {
		t.Errorf("expected no records, got %d", len(out.Records))
	}
}

func TestController_ResumeContinuesAfterAbort(t *testing.T) {
	dir := t.TempDir()
	yml := "task: test task\nmax_iterations: 5\n"

	// First run: one completed iteration, then an interrupt.
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	fn := func(ctx context.Context, workDir, prompt string, live io.Writer) (*agent.Result, error) {
		calls++
		if calls == 1 {
			return okResult("iteration zero done\n"), nil
		}
		cancel()
		return &agent.Result{ExitCode: -1}, nil
	}
	first := New(testConfig(t, yml), dir, WithAgentFunc(fn), WithRunID("run-resume"))
	out, err := first.Start(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != checkpoint.StatusAborted || out.Iterations != 1 {
		t.Fatalf("expected aborted after 1 iteration, got %v after %d", out.Status, out.Iterations)
	}

	// An aborted run is terminal; resuming reports it without invoking
	// the agent again.
	fn2, calls2 := scriptAgent(okResult("LOOP_COMPLETE\n"))
	second := New(testConfig(t, yml), dir, WithAgentFunc(fn2))
	resumed, err := second.Resume(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls2.n != 0 {
		t.Errorf("expected no invocations on terminal resume, got %d", calls2.n)
	}
	if resumed.RunID != "run-resume" {
		t.Errorf("expected run ID preserved, got %q", resumed.RunID)
	}
	if resumed.Status != checkpoint.StatusAborted || resumed.Iterations != 1 {
		t.Errorf("expected aborted with 1 iteration, got %v with %d", resumed.Status, resumed.Iterations)
	}
	if len(resumed.Records) != len(out.Records) {
		t.Errorf("expected %d records after resume, got %d", len(out.Records), len(resumed.Records))
	}
}

func TestController_ResumeContinuesRunningCheckpoint(t *testing.T) {
	dir := t.TempDir()
	yml := "task: test task\nmax_iterations: 5\n"

	// A crash leaves a running checkpoint behind. Save one directly.
	cfg := testConfig(t, yml)
	seed := New(cfg, dir, WithRunID("run-crashed"))
	now := time.Now().UTC().Truncate(time.Second)
	st := &checkpoint.RunState{
		RunID:     "run-crashed",
		Task:      cfg.Task,
		Status:    checkpoint.StatusRunning,
		Iteration: 2,
		StartedAt: now.Add(-time.Minute),
		UpdatedAt: now,
		Records: []checkpoint.IterationRecord{
			{Index: 0, Attempt: 1, StartedAt: now.Add(-time.Minute), EndedAt: now.Add(-50 * time.Second), Outcome: checkpoint.OutcomeSuccess},
			{Index: 1, Attempt: 1, StartedAt: now.Add(-40 * time.Second), EndedAt: now.Add(-30 * time.Second), Outcome: checkpoint.OutcomeSuccess},
		},
	}
	if err := seed.Store().Save(st); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	fn, calls := scriptAgent(okResult("LOOP_COMPLETE\n"))
	ctl := New(testConfig(t, yml), dir, WithAgentFunc(fn))
	out, err := ctl.Resume(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if calls.n != 1 {
		t.Errorf("expected 1 invocation, got %d", calls.n)
	}
	if out.Status != checkpoint.StatusSucceeded {
		t.Errorf("expected succeeded, got %v", out.Status)
	}
	if out.RunID != "run-crashed" {
		t.Errorf("expected resumed run ID, got %q", out.RunID)
	}
	// The new record continues the index sequence without gaps.
	indexes := make([]int, 0, len(out.Records))
	for _, rec := range out.Records {
		indexes = append(indexes, rec.Index)
	}
	for i := 1; i < len(indexes); i++ {
		if indexes[i] < indexes[i-1] || indexes[i] > indexes[i-1]+1 {
			t.Errorf("iteration indexes not gap-free: %v", indexes)
		}
	}
	if last := out.Records[len(out.Records)-1]; last.Index != 2 {
		t.Errorf("expected resumed attempt at index 2, got %d", last.Index)
	}
}

func TestController_ResumeWithoutCheckpointStartsFresh(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, "task: test task\n")
	fn, calls := scriptAgent(okResult("LOOP_COMPLETE\n"))

	ctl := New(cfg, dir, WithAgentFunc(fn))
	out, err := ctl.Resume(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if out.Status != checkpoint.StatusSucceeded {
		t.Errorf("expected succeeded, got %v", out.Status)
	}
	if calls.n != 1 {
		t.Errorf("expected 1 invocation, got %d", calls.n)
	}
}

func TestController_ResumeCorruptCheckpointFails(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, "task: test task\n")
	ctl := New(cfg, dir)

	if err := os.MkdirAll(filepath.Join(dir, ".agent"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(ctl.Store().Path(), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := ctl.Resume(context.Background())
	if !errors.Is(err, checkpoint.ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got %v", err)
	}
}

func TestController_SecondRunFailsWhileLocked(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, "task: test task\n")
	ctl := New(cfg, dir)

	lock, err := checkpoint.AcquireLock(ctl.Store().Path(), "other-run")
	if err != nil {
		t.Fatalf("acquire lock: %v", err)
	}
	defer lock.Release()

	if _, err := ctl.Start(context.Background()); !errors.Is(err, checkpoint.ErrLocked) {
		t.Errorf("expected ErrLocked from Start, got %v", err)
	}
}

func TestController_InvalidConfigRejected(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, "task: test task\n")
	cfg.Task = ""

	ctl := New(cfg, dir, WithAgentFunc(func(ctx context.Context, workDir, prompt string, live io.Writer) (*agent.Result, error) {
		t.Error("agent invoked with invalid config")
		return okResult(""), nil
	}))

	_, err := ctl.Start(context.Background())
	var verrs config.ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}
}

// checkpointWatcher loads the store inside every completion notification,
// proving the snapshot hits disk before observers hear about it.
type checkpointWatcher struct {
	NoopObserver
	t      *testing.T
	store  *checkpoint.Store
	counts []int
}

func (w *checkpointWatcher) OnIterationComplete(rec checkpoint.IterationRecord, events []event.Event) {
	st, err := w.store.Load()
	if err != nil {
		w.t.Errorf("load during run: %v", err)
		return
	}
	w.counts = append(w.counts, len(st.Records))
}

func TestController_PersistsBeforeNotify(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, "task: test task\n")
	fn, _ := scriptAgent(exitResult(1), exitResult(1), okResult("LOOP_COMPLETE\n"))
	sleep, _ := recordSleeps()

	watcher := &checkpointWatcher{t: t, store: checkpoint.NewStore(filepath.Join(dir, cfg.CheckpointPath))}
	ctl := New(cfg, dir, WithAgentFunc(fn), WithSleepFunc(sleep), WithObserver(watcher))

	if _, err := ctl.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []int{1, 2, 3}
	if len(watcher.counts) != len(want) {
		t.Fatalf("expected %d notifications, got %d", len(want), len(watcher.counts))
	}
	for i, n := range watcher.counts {
		if n != want[i] {
			t.Errorf("notification %d: expected %d persisted records, got %d", i, want[i], n)
		}
	}
}

func TestController_ObserverSeesLifecycle(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, "task: test task\n")
	fn, _ := scriptAgent(okResult(`<event topic="impl.done">parser rewritten</event>` + "\nLOOP_COMPLETE\n"))

	obs := &testObserver{}
	ctl := New(cfg, dir, WithAgentFunc(fn), WithObserver(obs))
	if _, err := ctl.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if obs.runStarts != 1 || obs.runEnds != 1 {
		t.Errorf("expected 1 run start and end, got %d and %d", obs.runStarts, obs.runEnds)
	}
	if len(obs.starts) != 1 || obs.starts[0] != [2]int{0, 1} {
		t.Errorf("expected iteration start (0, 1), got %v", obs.starts)
	}
	if len(obs.completes) != 1 {
		t.Fatalf("expected 1 completion, got %d", len(obs.completes))
	}
	if len(obs.events[0]) != 1 || obs.events[0][0].Topic != "impl.done" {
		t.Errorf("expected impl.done event forwarded, got %v", obs.events[0])
	}
}

func TestController_LiveOutputStreams(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, "task: test task\nmax_iterations: 1\n")
	fn, _ := scriptAgent(okResult("streamed line\n"))

	var buf bytes.Buffer
	ctl := New(cfg, dir, WithAgentFunc(fn), WithLiveOutput(&buf))
	if _, err := ctl.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := buf.String(); got != "streamed line\n" {
		t.Errorf("expected live output passthrough, got %q", got)
	}
}
