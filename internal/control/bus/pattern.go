package bus

import (
	"strings"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
)

// matches reports whether an event type satisfies a subscription pattern.
// Three forms are supported, per spec.md §4.3 ("typed via dotted-prefix
// patterns; wildcards matched longest-prefix wins"):
//
//   - exact:   "healing.incident.resolved"
//   - prefix:  "healing."       matches anything starting with "healing."
//   - glob:    "healing.*.resolved" matched via go-wildcard
func matches(pattern, typ string) bool {
	if pattern == "" {
		return false
	}
	if pattern == typ {
		return true
	}
	if strings.HasSuffix(pattern, ".") {
		return strings.HasPrefix(typ, pattern)
	}
	if strings.ContainsAny(pattern, "*?") {
		return wildcard.Match(pattern, typ)
	}
	return false
}

// specificity scores a matching pattern so longest-prefix-wins tie-breaks
// can be computed by callers that need to pick a single winning route
// (trigger mesh, kernel registry) rather than fan out to every match.
func specificity(pattern string) int {
	if i := strings.IndexAny(pattern, "*?"); i >= 0 {
		return i
	}
	return len(pattern)
}

// LongestMatch returns the pattern in patterns with the highest specificity
// that matches typ, and whether any pattern matched at all.
func LongestMatch(patterns []string, typ string) (string, bool) {
	best := ""
	bestScore := -1
	found := false
	for _, p := range patterns {
		if !matches(p, typ) {
			continue
		}
		found = true
		if s := specificity(p); s > bestScore {
			bestScore = s
			best = p
		}
	}
	return best, found
}
