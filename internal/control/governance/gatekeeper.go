package governance

import (
	"time"

	"github.com/aaron031291/grace-controlplane/internal/control/eventtypes"
	"github.com/aaron031291/grace-controlplane/internal/control/publisher"
)

// Gatekeeper wires Classify to the bus/audit plumbing: every decision it
// produces is published as governance.decision so C1 picks it up through
// the normal audit subscription (spec.md §4.4 "Every decision is
// audited").
type Gatekeeper struct {
	pub         *publisher.Publisher
	tracker     *Tracker
	clock       func() time.Time
	approvalTTL time.Duration
}

// NewGatekeeper returns a Gatekeeper publishing through pub.
func NewGatekeeper(pub *publisher.Publisher, clock func() time.Time) *Gatekeeper {
	if clock == nil {
		clock = time.Now
	}
	return &Gatekeeper{pub: pub, tracker: NewTracker(clock), clock: clock, approvalTTL: defaultApprovalTTL}
}

// SetApprovalTTL overrides the pending-approval expiry window (the
// control plane's GOVERNANCE_APPROVAL_TIMEOUT_MS tunable); zero restores
// Classify's built-in default.
func (g *Gatekeeper) SetApprovalTTL(d time.Duration) {
	if d <= 0 {
		d = defaultApprovalTTL
	}
	g.approvalTTL = d
}

// Evaluate classifies a and publishes the resulting decision. Non-terminal
// decisions (user_approval, admin_approval) are additionally tracked for
// expiry-to-deny.
func (g *Gatekeeper) Evaluate(a Action) GovernanceDecision {
	d := Classify(a, g.clock())
	if !d.ExpiresAt.IsZero() && g.approvalTTL != defaultApprovalTTL {
		d.ExpiresAt = g.clock().Add(g.approvalTTL)
	}

	if d.Decision == DecisionUserApproval || d.Decision == DecisionAdminApproval {
		g.tracker.Track(d, a)
	}

	g.pub.Publish("governance.decision", map[string]interface{}{
		"decision_id": d.ID,
		"decision":    string(d.Decision),
		"tier":        string(d.Tier),
		"reason":      d.Reason,
		"action_type": a.ActionType,
		"actor":       a.Actor,
		"resource":    a.Resource,
	}, "governance", "", eventtypes.SeverityInfo)

	return d
}

// SweepExpired resolves timed-out approvals to deny and publishes a
// decision event for each.
func (g *Gatekeeper) SweepExpired() {
	for _, id := range g.tracker.SweepExpired() {
		g.pub.Publish("governance.decision", map[string]interface{}{
			"decision_id": id,
			"decision":    string(DecisionDeny),
			"reason":      "approval_expired",
		}, "governance", "", eventtypes.SeverityWarn)
	}
}

// Resolve records a human verdict for a tracked decision.
func (g *Gatekeeper) Resolve(decisionID string, approved bool, decidedBy string) bool {
	return g.tracker.Resolve(decisionID, approved, decidedBy)
}
