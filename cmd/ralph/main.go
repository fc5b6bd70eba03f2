// Command ralph drives an external agent through an iterate-until-done loop
// configured by ralph.yml. A checkpoint under .agent/ makes runs resumable;
// terminal runs archive to SQLite for the inspect command.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ralph/internal/checkpoint"
	"ralph/internal/config"
	"ralph/internal/history"
	"ralph/internal/loop"
	"ralph/internal/trace"
	"ralph/internal/workspace"
)

const appName = "ralph"

const timeLayout = "2006-01-02 15:04:05"

// Exit codes, stable for scripting around the loop.
const (
	exitOK      = 0
	exitErr     = 1
	exitFailed  = 2
	exitAborted = 3
	exitConfig  = 4
	exitCorrupt = 5
	exitLocked  = 6
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		usage()
		return
	}

	switch args[0] {
	case "start":
		os.Exit(runStart(args[1:]))
	case "resume":
		os.Exit(runResume(args[1:]))
	case "inspect":
		os.Exit(runInspect(args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "%s: unknown command %q\n\n", appName, args[0])
		usage()
		os.Exit(exitErr)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "%s: run an agent in a loop until the task is done\n\n", appName)
	fmt.Fprintf(os.Stderr, "Usage:\n  %s <command> [flags]\n\n", appName)
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  start    Begin a new run from ralph.yml")
	fmt.Fprintln(os.Stderr, "  resume   Continue the checkpointed run")
	fmt.Fprintln(os.Stderr, "  inspect  Show the checkpoint, archived runs, and recent events")
	fmt.Fprintln(os.Stderr, "  help     Show this help")
	fmt.Fprintln(os.Stderr, "\nExit codes:")
	fmt.Fprintln(os.Stderr, "  0 succeeded    2 failed              3 aborted")
	fmt.Fprintln(os.Stderr, "  4 bad config   5 corrupt checkpoint  6 checkpoint locked")
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", "ralph.yml", "Path to the run configuration")
	task := fs.String("task", "", "Override the configured task")
	verbose := fs.Bool("verbose", false, "Stream agent output while running")
	dryRun := fs.Bool("dry-run", false, "Validate the config and print the run plan without invoking the agent")
	force := fs.Bool("force", false, "Discard a live or corrupt checkpoint and start over")
	if err := fs.Parse(args); err != nil {
		return exitErr
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fail(err)
	}
	if *task != "" {
		cfg.Task = *task
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fail(fmt.Errorf("resolve working directory: %w", err))
	}

	if *dryRun {
		printPlan(cfg, workDir)
		return exitOK
	}

	// A live checkpoint means an interrupted or still-running loop; starting
	// over it needs an explicit -force. The lock file is checked separately
	// inside the loop, so -force never steals a run from a live process.
	ws := workspace.New(workDir)
	store := checkpoint.NewStore(ws.Resolve(cfg.CheckpointPath))
	prior, err := store.Load()
	switch {
	case err == nil && !prior.Status.Terminal() && !*force:
		fmt.Fprintf(os.Stderr, "%s: run %s is still live; `%s resume` continues it, -force starts over\n",
			appName, shortID(prior.RunID), appName)
		return exitLocked
	case err != nil && !errors.Is(err, checkpoint.ErrNotFound) && !*force:
		return fail(err)
	}
	if *force {
		if err := store.Clear(); err != nil {
			return fail(err)
		}
	}

	return execute(cfg, workDir, *verbose, false)
}

func runResume(args []string) int {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", "ralph.yml", "Path to the run configuration")
	verbose := fs.Bool("verbose", false, "Stream agent output while running")
	if err := fs.Parse(args); err != nil {
		return exitErr
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fail(err)
	}
	workDir, err := os.Getwd()
	if err != nil {
		return fail(fmt.Errorf("resolve working directory: %w", err))
	}

	return execute(cfg, workDir, *verbose, true)
}

// execute wires the observers, runs the loop under signal cancellation, and
// maps the outcome onto the exit code contract.
func execute(cfg *config.Config, workDir string, verbose, resume bool) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ws := workspace.New(workDir)

	var archive *history.Store
	if cfg.HistoryPath != "" {
		var err error
		archive, err = history.Open(ws.Resolve(cfg.HistoryPath))
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: run archive disabled: %v\n", appName, err)
		} else {
			defer archive.Close()
		}
	}
	hist := history.NewObserver(archive, history.NewEventLog(ws.Resolve(cfg.EventsPath)))

	exporter, err := trace.NewOTLPExporter(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: trace export disabled: %v\n", appName, err)
	}
	tracer := trace.NewObserver(exporter)

	opts := []loop.Option{
		loop.WithObserver(loop.NewMultiObserver(
			loop.NewConsoleObserver(os.Stdout, verbose),
			hist,
			tracer,
		)),
	}
	if verbose {
		opts = append(opts, loop.WithLiveOutput(os.Stdout))
	}
	ctl := loop.New(cfg, workDir, opts...)

	var outcome *loop.RunOutcome
	if resume {
		outcome, err = ctl.Resume(ctx)
	} else {
		outcome, err = ctl.Start(ctx)
	}
	stop()
	if err != nil {
		return fail(err)
	}

	// Archive and export problems are worth a warning but never change the
	// run's exit code.
	if err := hist.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: run archive: %v\n", appName, err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "%s: trace export: %v\n", appName, err)
	}

	switch outcome.Status {
	case checkpoint.StatusSucceeded:
		return exitOK
	case checkpoint.StatusFailed:
		return exitFailed
	case checkpoint.StatusAborted:
		return exitAborted
	default:
		return exitErr
	}
}

func runInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", "ralph.yml", "Path to the run configuration")
	runsN := fs.Int("runs", 5, "How many archived runs to list")
	eventsN := fs.Int("events", 10, "How many recent events to list")
	if err := fs.Parse(args); err != nil {
		return exitErr
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fail(err)
	}
	workDir, err := os.Getwd()
	if err != nil {
		return fail(fmt.Errorf("resolve working directory: %w", err))
	}
	ws := workspace.New(workDir)
	styles := loop.DefaultStyles()

	fmt.Println(styles.Title.Render("Checkpoint"))
	st, err := checkpoint.NewStore(ws.Resolve(cfg.CheckpointPath)).Load()
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		fmt.Println(styles.Muted.Render("  none"))
	case err != nil:
		return fail(err)
	default:
		printState(st, styles)
	}

	if cfg.HistoryPath != "" {
		fmt.Println()
		fmt.Println(styles.Title.Render("Archived runs"))
		archive, err := history.Open(ws.Resolve(cfg.HistoryPath))
		if err != nil {
			return fail(err)
		}
		defer archive.Close()

		runs, err := archive.RecentRuns(*runsN)
		if err != nil {
			return fail(err)
		}
		if len(runs) == 0 {
			fmt.Println(styles.Muted.Render("  none"))
		}
		for _, r := range runs {
			printArchivedRun(r, styles)
		}
	}

	fmt.Println()
	fmt.Println(styles.Title.Render("Recent events"))
	entries, err := history.NewEventLog(ws.Resolve(cfg.EventsPath)).ReadAll()
	if err != nil {
		return fail(err)
	}
	if len(entries) > *eventsN {
		entries = entries[len(entries)-*eventsN:]
	}
	if len(entries) == 0 {
		fmt.Println(styles.Muted.Render("  none"))
	}
	for _, e := range entries {
		line := fmt.Sprintf("  %s  iteration %d  %s", e.Timestamp.Local().Format("15:04:05"), e.Iteration, e.Topic)
		if e.Target != "" {
			line += " · " + e.Target
		}
		fmt.Println(line)
		if p := oneline(e.Payload, 76); p != "" {
			fmt.Println(styles.Muted.Render("      " + p))
		}
	}

	return exitOK
}

func printState(st *checkpoint.RunState, styles loop.Styles) {
	status := styles.StatusStyle(st.Status).Render(
		fmt.Sprintf("%s %s", loop.StatusIcon(st.Status), st.Status))
	line := fmt.Sprintf("  %s  run %s  iteration %d, %d attempt(s)",
		status, shortID(st.RunID), st.Iteration, len(st.Records))
	if st.StopReason != "" {
		line += "  (" + st.StopReason + ")"
	}
	fmt.Println(line)
	fmt.Printf("  task: %s\n", oneline(st.Task, 76))
	fmt.Printf("  started %s, updated %s\n",
		st.StartedAt.Local().Format(timeLayout), st.UpdatedAt.Local().Format(timeLayout))
	if last := st.LastRecord(); last != nil {
		fmt.Printf("  last: %s iteration %d attempt %d (exit %d) in %s\n",
			loop.OutcomeIcon(last.Outcome), last.Index, last.Attempt, last.ExitCode,
			loop.FormatDuration(last.EndedAt.Sub(last.StartedAt)))
	}
}

func printArchivedRun(r history.RunSummary, styles loop.Styles) {
	rst, _ := checkpoint.ParseRunStatus(r.Status)
	status := styles.StatusStyle(rst).Render(fmt.Sprintf("%s %s", loop.StatusIcon(rst), r.Status))
	fmt.Printf("  %s  %s  %d iteration(s) · %d attempt(s) · %s\n",
		status, shortID(r.RunID), r.Iterations, r.Attempts,
		loop.FormatDuration(r.EndedAt.Sub(r.StartedAt)))
	fmt.Println(styles.Muted.Render(fmt.Sprintf("      %s  %s  %s",
		r.StartedAt.Local().Format("2006-01-02 15:04"), r.StopReason, oneline(r.Task, 50))))
}

// printPlan shows what a run would do, without starting one.
func printPlan(cfg *config.Config, workDir string) {
	ws := workspace.New(workDir)
	styles := loop.DefaultStyles()

	iterations := "unbounded"
	if cfg.MaxIterations > 0 {
		iterations = fmt.Sprintf("%d", cfg.MaxIterations)
	}
	wallClock := "unbounded"
	if cfg.MaxWallClock > 0 {
		wallClock = loop.FormatDuration(cfg.MaxWallClock)
	}

	agentLine := cfg.Agent.Command
	if len(cfg.Agent.Args) > 0 {
		agentLine += " " + strings.Join(cfg.Agent.Args, " ")
	}
	agentLine += fmt.Sprintf(" (%s prompt", cfg.Agent.PromptMode)
	if cfg.Agent.PTY {
		agentLine += ", pty"
	}
	agentLine += ")"

	promise := fmt.Sprintf("%q", cfg.CompletionPromise)
	if cfg.RequireCompletion {
		promise += " (required)"
	}

	fmt.Println(styles.Title.Render("Run plan"))
	fmt.Printf("  task:        %s\n", cfg.Task)
	fmt.Printf("  agent:       %s\n", agentLine)
	fmt.Printf("  iterations:  %s, timeout %s each\n", iterations, cfg.Timeout)
	fmt.Printf("  retries:     %d, backoff %s up to %s, fatal at exit %d and above\n",
		cfg.Retry.MaxRetries, cfg.Retry.BackoffBase, cfg.Retry.BackoffCap, cfg.Agent.FatalExitCode)
	fmt.Printf("  completion:  %s\n", promise)
	fmt.Printf("  wall clock:  %s\n", wallClock)
	fmt.Printf("  checkpoint:  %s\n", ws.Resolve(cfg.CheckpointPath))
	if cfg.HistoryPath != "" {
		fmt.Printf("  archive:     %s\n", ws.Resolve(cfg.HistoryPath))
	}
	fmt.Println()
	fmt.Println(styles.Muted.Render("Dry run: the agent was not invoked."))
}

// fail prints the error and maps it onto the exit code contract.
func fail(err error) int {
	fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)

	var verrs config.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		return exitConfig
	case errors.Is(err, checkpoint.ErrCorrupt):
		return exitCorrupt
	case errors.Is(err, checkpoint.ErrLocked):
		return exitLocked
	default:
		return exitErr
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func oneline(s string, max int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	if len(s) > max {
		return s[:max-1] + "…"
	}
	return s
}
