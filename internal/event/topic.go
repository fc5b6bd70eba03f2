package event

import "strings"

// Topic is a routing key for events, either concrete ("impl.done") or a
// pattern ("impl.*"). Patterns are "."-separated segments where "*" matches
// exactly one segment; a bare "*" matches every topic.
type Topic string

func (t Topic) String() string { return string(t) }

// IsGlobalWildcard reports whether the topic is the bare "*" pattern.
// Global wildcards are fallback routes with lower priority than specific
// subscriptions.
func (t Topic) IsGlobalWildcard() bool { return t == "*" }

// Matches reports whether the pattern t matches topic. Segment counts must
// be equal, so "impl.*" matches "impl.done" but not "impl.sub.done".
func (t Topic) Matches(topic Topic) bool {
	pattern := string(t)
	target := string(topic)

	if pattern == "*" || pattern == target {
		return true
	}

	patternParts := strings.Split(pattern, ".")
	targetParts := strings.Split(target, ".")
	if len(patternParts) != len(targetParts) {
		return false
	}
	for i, p := range patternParts {
		if p != "*" && p != targetParts[i] {
			return false
		}
	}
	return true
}
