package governance

import "strings"

// DenyPatterns is the canonical list of action/resource substrings that
// are refused outright regardless of tier or trust score (spec.md §4.4,
// "anything matching deny list ... deny"). Reused verbatim in spirit from
// the teacher's internal/ai/safety.BlockedCommands: a single source-of-
// truth substring list shared across every caller that needs to refuse a
// dangerous operation, generalized here from shell commands to arbitrary
// action_type/resource strings.
var DenyPatterns = []string{
	"rm -rf",
	"rm -r /",
	"dd if=",
	"mkfs",
	"wipefs",
	"DROP DATABASE",
	"DROP TABLE",
	"TRUNCATE",
	"eval(",
	"exec(untrusted",
	"format c:",
	"shutdown -h now",
}

// IsDenied reports whether action_type or resource contains any deny
// pattern (case-insensitive substring match).
func IsDenied(a Action) bool {
	haystack := strings.ToLower(a.ActionType + " " + a.Resource)
	for _, p := range DenyPatterns {
		if strings.Contains(haystack, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
