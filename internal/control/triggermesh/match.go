package triggermesh

import (
	"strings"

	"github.com/aaron031291/grace-controlplane/internal/control/playbook"
)

// matchesPrefix reports whether typ satisfies a playbook's triggers_on
// entry: exact match or dotted-prefix match (mirrors bus.matches'
// prefix/exact forms; playbooks don't use glob wildcards since
// triggers_on is author-facing YAML, not a subscription pattern).
func matchesPrefix(prefix, typ string) bool {
	if prefix == typ {
		return true
	}
	if strings.HasSuffix(prefix, ".") {
		return strings.HasPrefix(typ, prefix)
	}
	return strings.HasPrefix(typ, prefix+".")
}

// evalPredicate evaluates a simple equality/range predicate against an
// event payload (spec.md §4.6, "payload predicates (simple
// equality/range)").
func evalPredicate(p playbook.Predicate, payload map[string]interface{}) bool {
	v, ok := payload[p.Field]
	if !ok {
		return false
	}
	if p.Equals != nil {
		return v == p.Equals
	}
	n, ok := toFloat(v)
	if !ok {
		return false
	}
	if p.Min != nil && n < *p.Min {
		return false
	}
	if p.Max != nil && n > *p.Max {
		return false
	}
	return true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
