package guardian

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/aaron031291/grace-controlplane/internal/control/eventtypes"
	"github.com/aaron031291/grace-controlplane/internal/control/governance"
	"github.com/aaron031291/grace-controlplane/internal/control/playbook"
	"github.com/aaron031291/grace-controlplane/internal/control/publisher"
)

// DirectExecutor lets Guardian bypass the Healing Orchestrator for the
// narrow class of playbooks it is explicitly trusted to run on its own:
// risk_level=low, autonomy_tier=1 (spec.md §4.2, "Guardian may directly
// execute playbooks classified risk_level=low, autonomy_tier=1; others
// are proposed via C12"). Anything else detected by the watchdog still
// only reaches the bus as guardian.issue.detected and is picked up by
// the Trigger Mesh / Healing Orchestrator path like any other incident
// source. Bypassing C12's approval round-trip does not mean bypassing
// governance itself: every execution still goes through
// governance.Gatekeeper.Evaluate so an audited governance.decision
// precedes the state change, same as a Healing Orchestrator-routed one
// (spec.md §8 Testable Property 6).
type DirectExecutor struct {
	registry *playbook.Registry
	gate     *governance.Gatekeeper
	pub      *publisher.Publisher
	act      playbook.ActionFunc
	verify   playbook.VerifyFunc
}

// NewDirectExecutor returns a DirectExecutor bound to registry for
// playbook lookup, gate for the pre-execution governance check, and
// act/verify for step execution.
func NewDirectExecutor(registry *playbook.Registry, gate *governance.Gatekeeper, pub *publisher.Publisher, act playbook.ActionFunc, verify playbook.VerifyFunc) *DirectExecutor {
	return &DirectExecutor{registry: registry, gate: gate, pub: pub, act: act, verify: verify}
}

// TryExecute looks up playbookID and runs it immediately if, and only
// if, it is classified risk_level=low and autonomy_tier=1 and
// governance auto-approves it. Returns false without executing
// anything otherwise, leaving the issue to flow through the normal
// Trigger Mesh / Healing Orchestrator path.
func (d *DirectExecutor) TryExecute(ctx context.Context, playbookID string) (playbook.ExecutionResult, bool) {
	pb, ok := d.registry.Get(playbookID)
	if !ok {
		return playbook.ExecutionResult{}, false
	}
	if pb.RiskLevel != playbook.RiskLow || pb.AutonomyTier != playbook.AutonomyFull {
		return playbook.ExecutionResult{}, false
	}

	decision := d.gate.Evaluate(governance.Action{
		ActionType:           "playbook_execution",
		Actor:                "guardian-direct-executor",
		Resource:             pb.ID,
		PlaybookRiskLevel:    string(pb.RiskLevel),
		PlaybookAutonomyTier: int(pb.AutonomyTier),
	})
	if decision.Decision != governance.DecisionAutoApprove {
		// risk_low/autonomy_full always classifies to auto_approve
		// (governance.playbookTier), so this only trips if that
		// classification ever changes underneath this playbook; fail
		// safe to the Healing Orchestrator path rather than execute
		// ungoverned.
		log.Warn().Str("playbook_id", pb.ID).Str("decision", string(decision.Decision)).Msg("guardian.direct_execute: governance did not auto-approve, deferring to healing orchestrator")
		return playbook.ExecutionResult{}, false
	}

	result := playbook.Execute(ctx, pb, d.act, d.verify)
	log.Info().Str("playbook_id", pb.ID).Bool("succeeded", result.Succeeded).Msg("guardian.direct_execute")

	d.pub.Publish("healing.playbook.executed", map[string]interface{}{
		"playbook_id": pb.ID,
		"succeeded":   result.Succeeded,
		"direct":      true,
		"decision_id": decision.ID,
	}, "guardian", "", eventtypes.SeverityInfo)

	return result, true
}

// TryExecuteForCategory takes the first playbook whose FailureMode
// matches category, in Registry.All's order (which is not defined when
// several match), and attempts to run it directly. It
// returns false without executing anything if no playbook matches
// category, or if the matching playbook isn't classified
// risk_level=low/autonomy_tier=1 — in which case the caller is expected
// to fall back to the Healing Orchestrator path.
func (d *DirectExecutor) TryExecuteForCategory(ctx context.Context, category string) (playbook.ExecutionResult, bool) {
	for _, pb := range d.registry.All() {
		if pb.FailureMode == category {
			return d.TryExecute(ctx, pb.ID)
		}
	}
	return playbook.ExecutionResult{}, false
}
