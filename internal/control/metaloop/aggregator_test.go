package metaloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aaron031291/grace-controlplane/internal/control/bus"
	"github.com/aaron031291/grace-controlplane/internal/control/governance"
	"github.com/aaron031291/grace-controlplane/internal/control/incident"
	"github.com/aaron031291/grace-controlplane/internal/control/publisher"
)

func setupMetaLoop(t *testing.T) (*MetaLoop, *incident.Log) {
	t.Helper()
	dir := t.TempDir()
	incLog, err := incident.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { incLog.Close() })

	b := bus.New()
	pub := publisher.New(b)
	gate := governance.NewGatekeeper(pub, nil)

	return New(incLog, gate, pub, time.Minute, t.TempDir()), incLog
}

func TestAggregate_ComputesSuccessRateAndMTTR(t *testing.T) {
	m, incLog := setupMetaLoop(t)

	id1, err := incLog.Detect("port_conflict", "warn", nil)
	require.NoError(t, err)
	require.NoError(t, incLog.Transition(id1, incident.StatusResolved, nil, "pb.reclaim"))

	id2, err := incLog.Detect("port_conflict", "warn", nil)
	require.NoError(t, err)
	require.NoError(t, incLog.Transition(id2, incident.StatusFailed, nil, "pb.reclaim"))

	m.Aggregate()

	stats, ok := m.Stats("pb.reclaim")
	require.True(t, ok)
	require.Equal(t, 2, stats.TotalExecutions)
	require.Equal(t, 1, stats.SuccessCount)
	require.Equal(t, 1, stats.FailureCount)
	require.InDelta(t, 0.5, stats.SuccessRate(), 0.001)
}

func TestSuccessRate_UnknownPlaybookIsZero(t *testing.T) {
	m, _ := setupMetaLoop(t)
	require.Equal(t, 0.0, m.SuccessRate("nonexistent"))
}

func TestProposeRevision_WhitelistedResourceAutoApprovedAndVersioned(t *testing.T) {
	m, _ := setupMetaLoop(t)

	rev := m.ProposeRevision("config.toggle.playbook_enabled", "disable flaky playbook", map[string]interface{}{"enabled": false})
	require.NotEmpty(t, rev.Version)
	require.NotNil(t, rev.AppliedAt)
	require.Len(t, m.Revisions(), 1)
}

func TestProposeRevision_NonWhitelistedResourceRequiresApprovalAndIsNotApplied(t *testing.T) {
	m, _ := setupMetaLoop(t)

	rev := m.ProposeRevision("config.retry_cap", "tune retry cap", map[string]interface{}{"retry_cap": 5})
	require.Empty(t, rev.Version)
	require.Nil(t, rev.AppliedAt)
	require.Empty(t, m.Revisions())
}

func TestRevert_ProducesGovernedRevertRevision(t *testing.T) {
	m, _ := setupMetaLoop(t)

	rev := m.ProposeRevision("config.toggle.feature_flag", "enable experimental path", map[string]interface{}{"enabled": true})
	require.NotNil(t, rev.AppliedAt)

	reverted, err := m.Revert(rev.Version, "experimental path caused regressions")
	require.NoError(t, err)
	require.True(t, reverted.IsRevert)
	require.NotNil(t, reverted.AppliedAt)

	revisions := m.Revisions()
	require.Len(t, revisions, 2)
	require.True(t, revisions[0].Reverted)
}

func TestRevert_UnknownVersionErrors(t *testing.T) {
	m, _ := setupMetaLoop(t)
	_, err := m.Revert("v99999999.000000", "doesn't exist")
	require.Error(t, err)
}
