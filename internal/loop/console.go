package loop

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"ralph/internal/checkpoint"
	"ralph/internal/event"
)

// Color constants
const (
	colorPrimary = "39"  // blue
	colorSuccess = "42"  // green
	colorWarning = "214" // orange
	colorError   = "196" // red
	colorMuted   = "245" // gray
)

// Styles contains the console styles for run progress and inspection output.
type Styles struct {
	Title   lipgloss.Style
	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Muted   lipgloss.Style
}

// DefaultStyles returns the default console styles.
func DefaultStyles() Styles {
	return Styles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color(colorPrimary)),
		Success: lipgloss.NewStyle().
			Foreground(lipgloss.Color(colorSuccess)),
		Error: lipgloss.NewStyle().
			Foreground(lipgloss.Color(colorError)),
		Warning: lipgloss.NewStyle().
			Foreground(lipgloss.Color(colorWarning)),
		Muted: lipgloss.NewStyle().
			Foreground(lipgloss.Color(colorMuted)),
	}
}

// Status icons
const (
	iconRunning = "●"
	iconSuccess = "✓"
	iconFailed  = "✗"
	iconTimeout = "⏱"
	iconAborted = "⊘"
)

// OutcomeIcon returns the icon for an iteration outcome.
func OutcomeIcon(o checkpoint.Outcome) string {
	switch o {
	case checkpoint.OutcomeSuccess:
		return iconSuccess
	case checkpoint.OutcomeTimedOut:
		return iconTimeout
	default:
		return iconFailed
	}
}

// OutcomeStyle returns the style for an iteration outcome.
func (s Styles) OutcomeStyle(o checkpoint.Outcome) lipgloss.Style {
	switch o {
	case checkpoint.OutcomeSuccess:
		return s.Success
	case checkpoint.OutcomeTimedOut:
		return s.Warning
	default:
		return s.Error
	}
}

// StatusIcon returns the icon for a run status.
func StatusIcon(st checkpoint.RunStatus) string {
	switch st {
	case checkpoint.StatusSucceeded:
		return iconSuccess
	case checkpoint.StatusFailed:
		return iconFailed
	case checkpoint.StatusAborted:
		return iconAborted
	default:
		return iconRunning
	}
}

// StatusStyle returns the style for a run status.
func (s Styles) StatusStyle(st checkpoint.RunStatus) lipgloss.Style {
	switch st {
	case checkpoint.StatusSucceeded:
		return s.Success
	case checkpoint.StatusFailed:
		return s.Error
	case checkpoint.StatusAborted:
		return s.Warning
	default:
		return s.Muted
	}
}

// ConsoleObserver prints per-iteration progress lines and a final run
// summary to a writer.
type ConsoleObserver struct {
	w       io.Writer
	styles  Styles
	verbose bool
}

// Ensure ConsoleObserver implements Observer.
var _ Observer = (*ConsoleObserver)(nil)

// NewConsoleObserver returns a console observer writing to w. In verbose
// mode raw agent output streams separately, so failure tails are omitted.
func NewConsoleObserver(w io.Writer, verbose bool) *ConsoleObserver {
	return &ConsoleObserver{w: w, styles: DefaultStyles(), verbose: verbose}
}

// OnRunStart prints the run header.
func (c *ConsoleObserver) OnRunStart(state *checkpoint.RunState) {
	task := truncate(firstLine(state.Task), 60)
	fmt.Fprintf(c.w, "%s %s %s\n",
		c.styles.Title.Render("▶ ralph"),
		shortID(state.RunID),
		c.styles.Muted.Render(task))
	if len(state.Records) > 0 {
		fmt.Fprintln(c.w, c.styles.Muted.Render(
			fmt.Sprintf("resuming at iteration %d (%d attempts so far)", state.Iteration, len(state.Records))))
	}
}

// OnIterationStart prints the in-progress marker for an attempt.
func (c *ConsoleObserver) OnIterationStart(index, attempt int) {
	line := fmt.Sprintf("%s iteration %d", iconRunning, index)
	if attempt > 1 {
		line += fmt.Sprintf(" (attempt %d)", attempt)
	}
	fmt.Fprintln(c.w, c.styles.Muted.Render(line))
}

// OnIterationComplete prints the outcome line for an attempt, with a short
// output tail on failure.
func (c *ConsoleObserver) OnIterationComplete(rec checkpoint.IterationRecord, events []event.Event) {
	line := fmt.Sprintf("%s iteration %d", OutcomeIcon(rec.Outcome), rec.Index)
	if rec.Attempt > 1 {
		line += fmt.Sprintf(" (attempt %d)", rec.Attempt)
	}
	line += " " + rec.Outcome.String()
	if rec.Outcome != checkpoint.OutcomeSuccess && rec.ExitCode != 0 {
		line += fmt.Sprintf(" (exit %d)", rec.ExitCode)
	}

	detail := fmt.Sprintf("in %s · %d lines", FormatDuration(rec.EndedAt.Sub(rec.StartedAt)), rec.OutputLines)
	if n := len(events); n > 0 {
		detail += fmt.Sprintf(" · %d events", n)
	}
	out := fmt.Sprintf("%s %s",
		c.styles.OutcomeStyle(rec.Outcome).Render(line),
		c.styles.Muted.Render(detail))
	if ev, ok := buildEvidence(events); ok {
		if ev.AllPassed() {
			out += " " + c.styles.Success.Render("checks ✓")
		} else {
			out += " " + c.styles.Warning.Render("checks ✗")
		}
	}
	fmt.Fprintln(c.w, out)

	if rec.Outcome != checkpoint.OutcomeSuccess && !c.verbose {
		for _, l := range lastLines(rec.Summary, 3) {
			fmt.Fprintf(c.w, "  %s\n", c.styles.Muted.Render("│ "+l))
		}
	}
}

// OnRunEnd prints the final summary line.
func (c *ConsoleObserver) OnRunEnd(state *checkpoint.RunState) {
	line := fmt.Sprintf("%s %s", StatusIcon(state.Status), state.Status)
	if state.StopReason != "" {
		line += fmt.Sprintf(" (%s)", state.StopReason)
	}
	detail := fmt.Sprintf("%d iterations · %d attempts · %s",
		state.CountOutcome(checkpoint.OutcomeSuccess),
		len(state.Records),
		FormatDuration(state.UpdatedAt.Sub(state.StartedAt)))
	fmt.Fprintf(c.w, "%s %s\n",
		c.styles.StatusStyle(state.Status).Render(line),
		c.styles.Muted.Render(detail))
}

// FormatDuration renders a duration at second precision, dropping units
// that would read as zero ("2h15m", "1m30s", "3s").
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// buildEvidence returns the check evidence from the first build.done event
// that carries any.
func buildEvidence(events []event.Event) (event.Evidence, bool) {
	for _, ev := range events {
		if ev.Topic != "build.done" {
			continue
		}
		if res, ok := event.ParseBackpressure(ev.Payload); ok {
			return res, true
		}
	}
	return event.Evidence{}, false
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

// lastLines returns up to n trailing non-empty lines of s.
func lastLines(s string, n int) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
