// Package event extracts structured events from agent output.
//
// Agents embed XML-style tags in their output:
//
//	<event topic="impl.done">payload</event>
//	<event topic="handoff" target="reviewer">payload</event>
//
// Everything outside event blocks is the agent's final output, which is the
// only place a completion promise is recognized.
package event

import "strings"

const (
	openPrefix = "<event "
	closeTag   = "</event>"
)

// Event is one structured message extracted from agent output.
type Event struct {
	Topic   Topic  `json:"topic"`
	Target  string `json:"target,omitempty"`
	Payload string `json:"payload"`
}

// Parse extracts all well-formed event blocks from output, in order.
// Blocks missing a topic attribute or a closing tag are skipped.
func Parse(output string) []Event {
	var events []Event
	remaining := output

	for {
		start := strings.Index(remaining, openPrefix)
		if start < 0 {
			break
		}
		afterStart := remaining[start:]

		tagEnd := strings.IndexByte(afterStart, '>')
		if tagEnd < 0 {
			remaining = remaining[start+len(openPrefix):]
			continue
		}
		openingTag := afterStart[:tagEnd+1]

		topic, ok := extractAttr(openingTag, "topic")
		if !ok {
			remaining = remaining[start+tagEnd+1:]
			continue
		}
		target, _ := extractAttr(openingTag, "target")

		content := afterStart[tagEnd+1:]
		closeIdx := strings.Index(content, closeTag)
		if closeIdx < 0 {
			remaining = remaining[start+tagEnd+1:]
			continue
		}

		events = append(events, Event{
			Topic:   Topic(topic),
			Target:  target,
			Payload: strings.TrimSpace(content[:closeIdx]),
		})
		remaining = content[closeIdx+len(closeTag):]
	}

	return events
}

// extractAttr pulls a quoted attribute value out of an opening tag.
func extractAttr(tag, attr string) (string, bool) {
	pattern := attr + `="`
	start := strings.Index(tag, pattern)
	if start < 0 {
		return "", false
	}
	rest := tag[start+len(pattern):]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

// StripEvents removes every well-formed event block from output, leaving the
// surrounding text untouched. An unclosed block stops stripping; the
// remainder is kept verbatim.
func StripEvents(output string) string {
	var b strings.Builder
	b.Grow(len(output))
	remaining := output

	for {
		start := strings.Index(remaining, openPrefix)
		if start < 0 {
			break
		}
		b.WriteString(remaining[:start])

		afterStart := remaining[start:]
		closeIdx := strings.Index(afterStart, closeTag)
		if closeIdx < 0 {
			b.WriteString(afterStart)
			return b.String()
		}
		remaining = afterStart[closeIdx+len(closeTag):]
	}

	b.WriteString(remaining)
	return b.String()
}

// ContainsPromise reports whether the completion promise appears in the
// agent's final output. Event blocks are stripped first, so a promise quoted
// inside an event payload does not count as completion.
func ContainsPromise(output, promise string) bool {
	return strings.Contains(StripEvents(output), promise)
}

// Evidence summarizes the check results reported in a build.done payload.
type Evidence struct {
	TestsPassed     bool
	LintPassed      bool
	TypecheckPassed bool
}

// AllPassed reports whether every check passed.
func (e Evidence) AllPassed() bool {
	return e.TestsPassed && e.LintPassed && e.TypecheckPassed
}

// ParseBackpressure extracts check evidence from an event payload.
// The expected payload format is one check per line:
//
//	tests: pass
//	lint: pass
//	typecheck: pass
//
// The second return value is false when the payload mentions none of the
// check families.
func ParseBackpressure(payload string) (Evidence, bool) {
	mentioned := strings.Contains(payload, "tests:") ||
		strings.Contains(payload, "lint:") ||
		strings.Contains(payload, "typecheck:")
	if !mentioned {
		return Evidence{}, false
	}
	return Evidence{
		TestsPassed:     strings.Contains(payload, "tests: pass"),
		LintPassed:      strings.Contains(payload, "lint: pass"),
		TypecheckPassed: strings.Contains(payload, "typecheck: pass"),
	}, true
}
