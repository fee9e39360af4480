// Package healing implements the Healing Orchestrator (C12): it binds
// detections to governance, playbooks, and HTM tasks, and folds the
// outcome back into the incident log (spec.md §4.7).
//
// Grounded on the teacher's internal/ai/investigation/orchestrator.go
// (Orchestrator/NewOrchestrator, running-investigation tracking,
// shutdown draining) generalized from a chat-driven investigation
// lifecycle to a detect -> governance -> playbook -> HTM task ->
// verify flow.
package healing

const (
	defaultMaxAttempts = 3
	defaultSLAms       = 30_000
)

// StatsProvider supplies historical playbook performance for selection
// among multiple candidates matching the same failure mode (spec.md
// §4.7, "prefer ... highest historical success rate (from C13)"). With
// a nil StatsProvider the first matching playbook that Registry.All
// returns is used; that order is not defined.
type StatsProvider interface {
	SuccessRate(playbookID string) float64
}

// priorityForRisk maps a playbook's declared risk to an HTM dispatch
// priority: higher-risk remediation is not inherently more urgent, but
// critical-risk playbooks are rare enough in practice that letting
// them jump the queue reduces the time a system spends in a dangerous
// state.
func priorityForRisk(risk string) int {
	switch risk {
	case "critical":
		return 3
	case "high":
		return 2
	case "medium":
		return 1
	default:
		return 0
	}
}
