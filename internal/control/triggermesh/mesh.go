// Package triggermesh implements the Trigger Mesh (C6): routes external
// and internal trigger events to playbooks, deriving a governance tier
// from each candidate playbook's risk_level/autonomy_tier.
//
// Grounded on the teacher's internal/ai/routing.go (routeToAgent):
// ordered matching steps each producing a RoutingResult or falling
// through to the next, with an explicit error (never a silent wrong
// match) when nothing matches. Generalized here from agent/host routing
// to event-type-prefix + payload-predicate playbook routing.
package triggermesh

import (
	"github.com/aaron031291/grace-controlplane/internal/control/bus"
	"github.com/aaron031291/grace-controlplane/internal/control/eventtypes"
	"github.com/aaron031291/grace-controlplane/internal/control/playbook"
	"github.com/aaron031291/grace-controlplane/internal/control/publisher"
)

// Mesh subscribes to the bus and proposes playbooks for matching events.
type Mesh struct {
	registry *playbook.Registry
	pub      *publisher.Publisher
	sub      bus.Subscription
}

// New returns a Mesh that will route events through registry once
// Start is called.
func New(registry *playbook.Registry, pub *publisher.Publisher) *Mesh {
	return &Mesh{registry: registry, pub: pub}
}

// Start subscribes to every event type on b, matching each against the
// registry (spec.md §4.6, "mesh subscribes to the bus"). The mesh needs
// the full event stream since a playbook's triggers_on prefixes are only
// known at match time, so it subscribes with the glob wildcard rather
// than a dotted prefix.
func (m *Mesh) Start(b *bus.Bus) {
	m.sub = b.Subscribe("*", func(e bus.Event) {
		m.handle(e)
	})
}

// Stop unsubscribes the mesh from the bus.
func (m *Mesh) Stop(b *bus.Bus) {
	b.Unsubscribe(m.sub)
}

func (m *Mesh) handle(e bus.Event) {
	for _, pb := range m.registry.All() {
		if !m.matchesTrigger(pb, e) {
			continue
		}
		tier := governanceTierFor(pb)
		m.pub.Publish("playbook.proposed", map[string]interface{}{
			"playbook_id":      pb.ID,
			"triggering_event": e.ID,
			"event_type":       e.Type,
			"governance_tier":  tier,
			"risk_level":       string(pb.RiskLevel),
			"autonomy_tier":    int(pb.AutonomyTier),
		}, "triggermesh", e.CorrelationID, eventtypes.SeverityInfo)
	}
}

func (m *Mesh) matchesTrigger(pb playbook.Playbook, e bus.Event) bool {
	typeMatched := false
	for _, prefix := range pb.TriggersOn {
		if matchesPrefix(prefix, e.Type) {
			typeMatched = true
			break
		}
	}
	if !typeMatched {
		return false
	}
	for _, pred := range pb.Predicates {
		if !evalPredicate(pred, e.Payload) {
			return false
		}
	}
	return true
}

// governanceTierFor derives a governance tier string from a playbook's
// risk_level/autonomy_tier (spec.md §4.6, "each matched playbook...
// carrying required governance tier derived from the playbook's
// risk_level and autonomy_tier"). A fully-autonomous, low-risk playbook
// sits in the T1 auto-approve band, the same tier governance's
// playbookTier assigns it; everything else is tiered up by risk level.
func governanceTierFor(pb playbook.Playbook) string {
	if pb.AutonomyTier == playbook.AutonomyFull && pb.RiskLevel == playbook.RiskLow {
		return "T1"
	}
	switch pb.RiskLevel {
	case playbook.RiskLow:
		return "T1"
	case playbook.RiskMedium:
		return "T2"
	default:
		return "T3"
	}
}
