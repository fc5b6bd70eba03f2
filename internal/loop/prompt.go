package loop

import (
	"fmt"
	"strings"
)

// BuildPrompt renders the prompt handed to the agent each iteration. The
// agent starts with fresh context every time; the scratchpad file is the
// memory that carries across iterations, and the completion promise is how
// the agent ends the run.
func BuildPrompt(task, scratchpad, events, promise string) string {
	var b strings.Builder

	b.WriteString("Fresh context each iteration. The scratchpad is shared state; it is your memory.\n\n")

	b.WriteString("### TASK\n")
	b.WriteString(strings.TrimSpace(task))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "### SCRATCHPAD\nStudy `%s` before doing anything else.\n\n", scratchpad)
	b.WriteString("Task markers:\n- `[ ]` pending\n- `[x]` done\n- `[~]` cancelled (with reason)\n\n")

	b.WriteString("### WORKFLOW\n")
	b.WriteString("1. Compare the task against the current state of the working tree.\n")
	fmt.Fprintf(&b, "2. Update `%s` with prioritized tasks.\n", scratchpad)
	b.WriteString("3. Pick ONE task and implement it.\n")
	b.WriteString("4. Capture the why, not just the what. Mark `[x]` in the scratchpad.\n\n")

	b.WriteString("### EVENTS\n")
	fmt.Fprintf(&b, "Announce milestones as `<event topic=\"impl.done\">...</event>` blocks in your output; they are archived to `%s`.\n", events)
	b.WriteString("Report verification in a `<event topic=\"build.done\">` block, one check per line: `tests: pass|fail`, `lint: pass|fail`, `typecheck: pass|fail`.\n\n")

	b.WriteString("### DONE\n")
	fmt.Fprintf(&b, "Output %s (outside any event block) when all tasks are complete.\n", promise)

	return b.String()
}
