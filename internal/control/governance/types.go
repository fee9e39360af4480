// Package governance implements the Governance Gate (C4): classifies a
// proposed action into a risk tier and yields an auto/user/admin/deny
// decision, auditing every decision it makes.
package governance

import "time"

// Tier is the governance risk tier, T0 (no gate) through T3 (admin only).
type Tier string

const (
	TierT0 Tier = "T0"
	TierT1 Tier = "T1"
	TierT2 Tier = "T2"
	TierT3 Tier = "T3"
)

// Decision is the terminal verdict of the gate.
type Decision string

const (
	DecisionAutoApprove   Decision = "auto_approve"
	DecisionUserApproval  Decision = "user_approval"
	DecisionAdminApproval Decision = "admin_approval"
	DecisionDeny          Decision = "deny"
)

// Action is the input to the gate: a proposed change with enough context
// to classify it (spec.md §4.4).
type Action struct {
	ActionType string
	Actor      string
	Resource   string
	Context    map[string]interface{}

	// RiskLevel, when non-empty, escalates the computed tier by one
	// (spec.md §4.4 "risk_level escalates tier by +1"). This is the
	// generic context-modifier risk, separate from a playbook's own
	// declared risk_level below — do not set both for the same action.
	RiskLevel string
	// TrustScore, when >= trustRelaxThreshold, may relax T2 to T1 for
	// actions in the relaxable whitelist.
	TrustScore float64

	// PlaybookRiskLevel and PlaybookAutonomyTier classify
	// ActionType="playbook_execution" directly from the playbook's own
	// risk_level/autonomy_tier (spec.md §4.6: "governance tier derived
	// from the playbook's risk_level and autonomy_tier"), the same rule
	// the Trigger Mesh uses to annotate playbook.proposed events.
	PlaybookRiskLevel   string
	PlaybookAutonomyTier int
}

// GovernanceDecision is the gate's output, ready to be audited and,
// for non-terminal decisions, tracked for expiry.
type GovernanceDecision struct {
	ID                string
	Decision          Decision
	Tier              Tier
	Reason            string
	ExpiresAt         time.Time
	ApproversRequired int
}
