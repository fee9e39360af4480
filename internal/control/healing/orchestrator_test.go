package healing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aaron031291/grace-controlplane/internal/control/bus"
	"github.com/aaron031291/grace-controlplane/internal/control/governance"
	"github.com/aaron031291/grace-controlplane/internal/control/htm"
	"github.com/aaron031291/grace-controlplane/internal/control/incident"
	"github.com/aaron031291/grace-controlplane/internal/control/kernel"
	"github.com/aaron031291/grace-controlplane/internal/control/playbook"
	"github.com/aaron031291/grace-controlplane/internal/control/publisher"
)

func testPlaybook(id, failureMode string) playbook.Playbook {
	return playbook.Playbook{
		ID:           id,
		TriggersOn:   []string{"guardian.issue.detected"},
		FailureMode:  failureMode,
		RiskLevel:    playbook.RiskLow,
		AutonomyTier: playbook.AutonomyFull,
		Steps: []playbook.Step{
			{Name: "fix", Action: "test.fix", Verify: "test.verify"},
		},
	}
}

func setup(t *testing.T) (*Orchestrator, *bus.Bus, string) {
	t.Helper()
	dir := t.TempDir()
	incLog, err := incident.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { incLog.Close() })

	pbReg := playbook.New()
	require.NoError(t, pbReg.Register(testPlaybook("pb.fix_it", "port_conflict")))

	b := bus.New()
	pub := publisher.New(b)
	gate := governance.NewGatekeeper(pub, nil)

	kReg := kernel.New()

	sched := htm.NewScheduler(2, pub)

	orch := NewOrchestrator(incLog, pbReg, gate, sched, kReg, pub, nil)
	orch.Start(b)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sched.Run(ctx)

	return orch, b, dir
}

func registerFixKernel(kReg *kernel.Registry, succeed bool) {
	kReg.Register(
		kernel.Descriptor{Name: "test-kernel", Domain: kernel.DomainInfrastructure, IntentPatterns: []string{"test."}},
		func(ctx context.Context, intent string, args map[string]interface{}) (interface{}, error) {
			if intent == "test.verify" {
				return succeed, nil
			}
			return "done", nil
		},
		nil,
	)
}

func waitForStatus(t *testing.T, orch *Orchestrator, id string, want incident.Status) incident.Incident {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cur, err := orch.incidents.Current(id)
		if err == nil && cur.Status == want {
			return cur
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Fail(t, "incident did not reach expected status", "want=%s", want)
	return incident.Incident{}
}

func TestOrchestrator_SuccessfulPlaybookResolvesIncident(t *testing.T) {
	orch, _, _ := setup(t)
	registerFixKernel(orch.kernels, true)

	orch.HandleGuardianIssue(context.Background(), "port_conflict", map[string]interface{}{"severity": "warn"})

	id := findAnyIncidentID(t, orch)
	cur := waitForStatus(t, orch, id, incident.StatusResolved)
	require.Equal(t, incident.StatusResolved, cur.Status)
	require.NotNil(t, cur.MTTRSeconds)
}

func findAnyIncidentID(t *testing.T, orch *Orchestrator) string {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		records, err := orch.incidents.Query(incident.QueryFilter{})
		if err == nil && len(records) > 0 {
			return records[0].IncidentID
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Fail(t, "no incident recorded")
	return ""
}

func TestOrchestrator_NoPlaybookEscalatesImmediately(t *testing.T) {
	orch, _, _ := setup(t)

	orch.HandleGuardianIssue(context.Background(), "unmapped_failure", nil)

	id := findAnyIncidentID(t, orch)
	cur := waitForStatus(t, orch, id, incident.StatusEscalated)
	require.Equal(t, incident.StatusEscalated, cur.Status)
}

func TestOrchestrator_FailingVerificationFailsAfterRetriesExhausted(t *testing.T) {
	orch, _, _ := setup(t)
	registerFixKernel(orch.kernels, false)

	orch.HandleGuardianIssue(context.Background(), "port_conflict", nil)

	id := findAnyIncidentID(t, orch)
	cur := waitForStatus(t, orch, id, incident.StatusFailed)
	require.Equal(t, incident.StatusFailed, cur.Status)
}

func TestSelectPlaybook_PrefersHigherSuccessRate(t *testing.T) {
	pbReg := playbook.New()
	require.NoError(t, pbReg.Register(testPlaybook("pb.a", "dns_failure")))
	require.NoError(t, pbReg.Register(testPlaybook("pb.b", "dns_failure")))

	stats := fakeStats{"pb.a": 0.2, "pb.b": 0.9}
	orch := &Orchestrator{playbooks: pbReg, stats: stats}

	pb, ok := orch.selectPlaybook("dns_failure")
	require.True(t, ok)
	require.Equal(t, "pb.b", pb.ID)
}

type fakeStats map[string]float64

func (f fakeStats) SuccessRate(id string) float64 { return f[id] }
