// Package agent spawns the coding agent subprocess and captures its output.
//
// One call to Run is one bounded invocation: the prompt goes in on stdin
// (or as a trailing argument), stdout and stderr come back in the Result,
// and the process is gone by the time Run returns. A process that outlives
// its context receives SIGTERM and, after a grace period, SIGKILL.
package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"ralph/internal/pty"
)

// DefaultTimeout bounds a single invocation when the caller does not set one.
const DefaultTimeout = 10 * time.Minute

// DefaultCommand is the agent binary used when no command is configured.
const DefaultCommand = "claude"

// termGrace is the window between SIGTERM and SIGKILL for a process that
// outlives its context.
const termGrace = 5 * time.Second

// Result captures a finished agent invocation. On timeout, Stdout and
// Stderr hold whatever the process wrote before it was killed. In PTY mode
// stdout and stderr arrive merged in Stdout and Stderr is empty.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

// CommandFactory builds the command for one invocation. Implementations
// must use exec.CommandContext so cancellation reaches the process. The
// default factory runs the configured binary; tests inject a factory that
// re-executes the test binary as a fake agent.
type CommandFactory func(ctx context.Context, workDir, name string, args ...string) *exec.Cmd

func defaultCommandFactory(ctx context.Context, workDir, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workDir
	return cmd
}

type options struct {
	timeout        time.Duration
	command        string
	args           []string
	promptAsArg    bool
	commandFactory CommandFactory
	stdoutWriter   io.Writer
	ptyRunner      pty.Runner
}

// Option configures a Run call.
type Option func(*options)

// WithTimeout overrides the default invocation timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithCommand sets the agent binary and its fixed arguments.
func WithCommand(name string, args ...string) Option {
	return func(o *options) {
		o.command = name
		o.args = args
	}
}

// WithPromptAsArg passes the prompt as a trailing argument instead of on
// stdin.
func WithPromptAsArg() Option {
	return func(o *options) {
		o.promptAsArg = true
	}
}

// WithCommandFactory overrides how the subprocess is constructed.
func WithCommandFactory(f CommandFactory) Option {
	return func(o *options) {
		o.commandFactory = f
	}
}

// WithStdoutWriter tees live agent output to w as it streams. In PTY mode
// the merged terminal stream goes to w.
func WithStdoutWriter(w io.Writer) Option {
	return func(o *options) {
		o.stdoutWriter = w
	}
}

// WithPTY runs the agent under a pseudo-terminal, for agents that refuse to
// stream output when stdout is a pipe.
func WithPTY(r pty.Runner) Option {
	return func(o *options) {
		o.ptyRunner = r
	}
}

// Run invokes the agent once in workDir and waits for it to finish.
//
// A non-zero exit is not an error: the Result carries the exit code and the
// caller classifies it. An error return means the process could not be
// spawned at all.
func Run(ctx context.Context, workDir, prompt string, opts ...Option) (*Result, error) {
	cfg := options{
		timeout:        DefaultTimeout,
		command:        DefaultCommand,
		commandFactory: defaultCommandFactory,
		stdoutWriter:   io.Discard,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	args := append([]string(nil), cfg.args...)
	if cfg.promptAsArg {
		args = append(args, prompt)
	}

	cmd := cfg.commandFactory(ctx, workDir, cfg.command, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = termGrace

	start := time.Now()
	var (
		result *Result
		err    error
	)
	if cfg.ptyRunner != nil {
		result, err = runPTY(cmd, &cfg, prompt)
	} else {
		result, err = runPiped(cmd, &cfg, prompt)
	}
	if err != nil {
		return nil, err
	}
	result.Duration = time.Since(start)
	result.TimedOut = ctx.Err() == context.DeadlineExceeded
	return result, nil
}

func runPiped(cmd *exec.Cmd, cfg *options, prompt string) (*Result, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = io.MultiWriter(&stdout, cfg.stdoutWriter)
	cmd.Stderr = &stderr
	if !cfg.promptAsArg {
		cmd.Stdin = strings.NewReader(prompt)
	}

	exitCode := 0
	if err := cmd.Run(); err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("failed to run agent: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return &Result{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

func runPTY(cmd *exec.Cmd, cfg *options, prompt string) (*Result, error) {
	stream, err := cfg.ptyRunner.Start(cmd, pty.DefaultSize)
	if err != nil {
		return nil, fmt.Errorf("failed to run agent: %w", err)
	}

	var output bytes.Buffer
	done := make(chan struct{})
	go func() {
		defer close(done)
		// The copy ends with EIO when the child exits and the slave side
		// closes. That is normal PTY teardown, not an error.
		io.Copy(io.MultiWriter(&output, cfg.stdoutWriter), stream)
	}()

	if !cfg.promptAsArg {
		// EOT marks end of input for line-reading agents.
		_, _ = io.WriteString(stream, prompt+"\x04")
	}

	waitErr := cmd.Wait()
	stream.Close()
	<-done

	exitCode := 0
	if waitErr != nil {
		exitErr, ok := waitErr.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("failed to run agent: %w", waitErr)
		}
		exitCode = exitErr.ExitCode()
	}

	return &Result{
		ExitCode: exitCode,
		Stdout:   output.String(),
	}, nil
}
