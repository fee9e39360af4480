package governance

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// PendingApproval tracks a user_approval/admin_approval decision awaiting
// a human verdict. Grounded on the teacher's internal/ai/approval.Store
// (ApprovalRequest.ExpiresAt / StatusExpired): a map of in-flight requests
// swept periodically for expiry, generalized here from a fixed timeout
// constant to the per-decision ExpiresAt computed by Classify.
type PendingApproval struct {
	Decision  GovernanceDecision
	Action    Action
	Resolved  bool
	Approved  bool
	DecidedBy string
}

// Tracker holds pending approvals and resolves expired ones to deny.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]*PendingApproval
	clock   func() time.Time
}

// NewTracker creates a Tracker. clock defaults to time.Now; tests inject a
// deterministic clock for CI_MODE reproducibility.
func NewTracker(clock func() time.Time) *Tracker {
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{pending: make(map[string]*PendingApproval), clock: clock}
}

// Track registers a pending decision for later resolution.
func (t *Tracker) Track(d GovernanceDecision, a Action) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[d.ID] = &PendingApproval{Decision: d, Action: a}
}

// Resolve records a human verdict for a pending decision. Returns false if
// the decision id is unknown or was already resolved (single-use, mirrors
// ApprovalRequest.Consumed).
func (t *Tracker) Resolve(decisionID string, approved bool, decidedBy string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[decisionID]
	if !ok || p.Resolved {
		return false
	}
	p.Resolved = true
	p.Approved = approved
	p.DecidedBy = decidedBy
	return true
}

// SweepExpired resolves every pending decision whose ExpiresAt has passed
// without a verdict to deny, returning the decision ids that expired.
func (t *Tracker) SweepExpired() []string {
	now := t.clock()
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []string
	for id, p := range t.pending {
		if p.Resolved {
			continue
		}
		if !p.Decision.ExpiresAt.IsZero() && now.After(p.Decision.ExpiresAt) {
			p.Resolved = true
			p.Approved = false
			p.DecidedBy = "system:expiry"
			expired = append(expired, id)
			log.Info().Str("decision_id", id).Msg("governance.approval.expired")
		}
	}
	return expired
}

// Get returns the pending approval for a decision id, if tracked.
func (t *Tracker) Get(decisionID string) (*PendingApproval, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[decisionID]
	return p, ok
}
