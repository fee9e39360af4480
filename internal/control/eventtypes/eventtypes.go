// Package eventtypes defines the leaf vocabulary shared by every control
// plane component: severities and the dotted event-type taxonomy.
package eventtypes

import "strings"

// Severity ranks an Event/Trigger by operational urgency.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return rank(s) >= rank(other)
}

func rank(s Severity) int {
	switch s {
	case SeverityDebug:
		return 0
	case SeverityInfo:
		return 1
	case SeverityWarn:
		return 2
	case SeverityError:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 1
	}
}

// Reserved top-level prefixes from spec.md §6. New event types must fall
// under one of these, or under the ext.* extension namespace.
var reservedPrefixes = []string{
	"boot.", "guardian.", "healing.", "governance.", "htm.task.",
	"audit.", "config.", "kernel.", "bus.", "meta.", "system.", "ext.",
}

// ValidType reports whether typ belongs to the closed taxonomy (or the
// reserved ext.* extension point). Components validate on ingress; the
// bus itself accepts any non-empty string (spec.md §9).
func ValidType(typ string) bool {
	if typ == "" {
		return false
	}
	for _, p := range reservedPrefixes {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}
