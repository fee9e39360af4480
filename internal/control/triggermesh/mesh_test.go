package triggermesh

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aaron031291/grace-controlplane/internal/control/bus"
	"github.com/aaron031291/grace-controlplane/internal/control/playbook"
	"github.com/aaron031291/grace-controlplane/internal/control/publisher"
)

func TestMesh_MatchesPrefixAndPredicateAndProposes(t *testing.T) {
	b := bus.New()
	defer b.Shutdown()
	pub := publisher.New(b)

	reg := playbook.New()
	require.NoError(t, reg.Register(playbook.Playbook{
		ID:         "port_conflict.reclaim",
		TriggersOn: []string{"guardian.issue.detected"},
		Predicates: []playbook.Predicate{{Field: "category", Equals: "port_conflict"}},
		Steps:      []playbook.Step{{Name: "s1", Action: "a1", Verify: "v1"}},
		RiskLevel:  playbook.RiskMedium,
	}))

	mesh := New(reg, pub)
	mesh.Start(b)
	defer mesh.Stop(b)

	var mu sync.Mutex
	var proposed []bus.Event
	b.Subscribe("playbook.proposed", func(e bus.Event) {
		mu.Lock()
		proposed = append(proposed, e)
		mu.Unlock()
	})

	pub.Publish("guardian.issue.detected", map[string]interface{}{"category": "port_conflict"}, "guardian", "", "")
	pub.Publish("guardian.issue.detected", map[string]interface{}{"category": "dns_resolution"}, "guardian", "", "")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(proposed) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "port_conflict.reclaim", proposed[0].Payload["playbook_id"])
	require.Equal(t, "T2", proposed[0].Payload["governance_tier"])
}

func TestGovernanceTierFor_FullAutonomyLowRiskIsT1(t *testing.T) {
	tier := governanceTierFor(playbook.Playbook{RiskLevel: playbook.RiskLow, AutonomyTier: playbook.AutonomyFull})
	require.Equal(t, "T1", tier)
}

func TestGovernanceTierFor_CriticalRiskIsT3(t *testing.T) {
	tier := governanceTierFor(playbook.Playbook{RiskLevel: playbook.RiskCritical, AutonomyTier: playbook.AutonomyGatedAlways})
	require.Equal(t, "T3", tier)
}
