package governance

import (
	"time"

	"github.com/google/uuid"
)

const trustRelaxThreshold = 0.9

// defaultApprovalTTL is how long a user_approval/admin_approval decision
// stays pending before it resolves to deny (spec.md §4.4).
const defaultApprovalTTL = 15 * time.Minute

// t1Whitelist lists idempotent config toggles eligible for auto_approve
// at T1 (spec.md §4.4 table, row 2).
var t1Whitelist = map[string]bool{
	"config.toggle.log_level":        true,
	"config.toggle.feature_flag":     true,
	"config.toggle.playbook_enabled": true,
}

// trustRelaxWhitelist lists T2 action_types eligible for relaxation to T1
// when the caller's trust score clears trustRelaxThreshold (spec.md §4.4
// "high trust_score of caller may relax T2->T1 only for whitelisted
// action_types").
var trustRelaxWhitelist = map[string]bool{
	"network_egress": true,
}

func classifyBaseTier(a Action) (Tier, bool) {
	switch a.ActionType {
	case "read", "search", "inspect", "stats":
		return TierT0, true
	case "config_toggle":
		if t1Whitelist[a.Resource] {
			return TierT1, true
		}
		// a non-whitelisted toggle is classified T2 here, the same tier
		// as a generic config/file write.
		return TierT2, true
	case "file_write", "file_delete", "code_execution", "network_egress":
		return TierT2, true
	case "system_command", "database_schema_change", "secret_access", "cross_tenant_op":
		return TierT3, true
	case "playbook_execution":
		return playbookTier(a.PlaybookRiskLevel, a.PlaybookAutonomyTier), true
	default:
		return "", false
	}
}

// playbookTier mirrors triggermesh's governanceTierFor: a fully
// autonomous, low-risk playbook only needs the T1 auto-approve band
// (spec.md §8 scenario S1, "governed T1 auto"); everything else is
// tiered up by risk level (spec.md §4.6).
func playbookTier(riskLevel string, autonomyTier int) Tier {
	if autonomyTier == 1 && riskLevel == "low" {
		return TierT1
	}
	switch riskLevel {
	case "low":
		return TierT1
	case "medium":
		return TierT2
	default:
		return TierT3
	}
}

func escalate(t Tier) Tier {
	switch t {
	case TierT0:
		return TierT1
	case TierT1:
		return TierT2
	case TierT2:
		return TierT3
	default:
		return TierT3
	}
}

func decisionForTier(t Tier) Decision {
	switch t {
	case TierT0, TierT1:
		return DecisionAutoApprove
	case TierT2:
		return DecisionUserApproval
	default:
		return DecisionAdminApproval
	}
}

// Classify applies the classification table (exhaustive, first match
// wins), the deny list, and the context modifiers (risk escalation,
// trust-score relaxation) to produce a GovernanceDecision. now is
// injected for CI_MODE determinism.
func Classify(a Action, now time.Time) GovernanceDecision {
	if IsDenied(a) {
		return GovernanceDecision{
			ID:       uuid.NewString(),
			Decision: DecisionDeny,
			Reason:   "matched deny list",
		}
	}

	tier, matched := classifyBaseTier(a)
	if !matched {
		// Unrecognized action kinds default to the most conservative tier
		// rather than silently auto-approving (spec.md §7, fail-closed).
		tier = TierT3
	}

	if a.RiskLevel != "" {
		tier = escalate(tier)
	}

	if tier == TierT2 && a.TrustScore >= trustRelaxThreshold && trustRelaxWhitelist[a.ActionType] {
		tier = TierT1
	}

	decision := decisionForTier(tier)
	gd := GovernanceDecision{
		ID:       uuid.NewString(),
		Decision: decision,
		Tier:     tier,
		Reason:   "classified " + string(tier),
	}
	if decision == DecisionUserApproval {
		gd.ApproversRequired = 1
		gd.ExpiresAt = now.Add(defaultApprovalTTL)
	} else if decision == DecisionAdminApproval {
		gd.ApproversRequired = 1
		gd.ExpiresAt = now.Add(defaultApprovalTTL)
	}
	return gd
}
