package governance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestClassify_T0ReadIsAutoApprove(t *testing.T) {
	d := Classify(Action{ActionType: "read", Resource: "incident/123"}, fixedNow)
	require.Equal(t, DecisionAutoApprove, d.Decision)
	require.Equal(t, TierT0, d.Tier)
}

func TestClassify_T1WhitelistedToggleIsAutoApprove(t *testing.T) {
	d := Classify(Action{ActionType: "config_toggle", Resource: "config.toggle.log_level"}, fixedNow)
	require.Equal(t, DecisionAutoApprove, d.Decision)
	require.Equal(t, TierT1, d.Tier)
}

func TestClassify_T2FileWriteRequiresUserApproval(t *testing.T) {
	d := Classify(Action{ActionType: "file_write", Resource: "/etc/hosts"}, fixedNow)
	require.Equal(t, DecisionUserApproval, d.Decision)
	require.Equal(t, TierT2, d.Tier)
	require.True(t, d.ExpiresAt.After(fixedNow))
}

func TestClassify_T3SystemCommandRequiresAdminApproval(t *testing.T) {
	d := Classify(Action{ActionType: "system_command", Resource: "systemctl restart nginx"}, fixedNow)
	require.Equal(t, DecisionAdminApproval, d.Decision)
	require.Equal(t, TierT3, d.Tier)
}

func TestClassify_DenyListWins(t *testing.T) {
	d := Classify(Action{ActionType: "file_delete", Resource: "rm -rf /"}, fixedNow)
	require.Equal(t, DecisionDeny, d.Decision)
}

func TestClassify_PlaybookExecutionFullyAutonomousLowRiskIsAutoApproveT1(t *testing.T) {
	d := Classify(Action{
		ActionType:           "playbook_execution",
		Resource:             "zombie_process.kill_and_release",
		PlaybookRiskLevel:    "low",
		PlaybookAutonomyTier: 1,
	}, fixedNow)
	require.Equal(t, DecisionAutoApprove, d.Decision)
	require.Equal(t, TierT1, d.Tier)
}

func TestClassify_PlaybookExecutionMediumRiskRequiresUserApproval(t *testing.T) {
	d := Classify(Action{
		ActionType:           "playbook_execution",
		Resource:             "port_conflict.reclaim",
		PlaybookRiskLevel:    "medium",
		PlaybookAutonomyTier: 1,
	}, fixedNow)
	require.Equal(t, DecisionUserApproval, d.Decision)
	require.Equal(t, TierT2, d.Tier)
}

func TestClassify_PlaybookExecutionHighRiskRequiresAdminApproval(t *testing.T) {
	d := Classify(Action{
		ActionType:           "playbook_execution",
		Resource:             "dangerous.playbook",
		PlaybookRiskLevel:    "high",
		PlaybookAutonomyTier: 2,
	}, fixedNow)
	require.Equal(t, DecisionAdminApproval, d.Decision)
	require.Equal(t, TierT3, d.Tier)
}

func TestClassify_RiskLevelEscalatesTier(t *testing.T) {
	d := Classify(Action{ActionType: "read", Resource: "x", RiskLevel: "high"}, fixedNow)
	require.Equal(t, TierT1, d.Tier)
	require.Equal(t, DecisionAutoApprove, d.Decision)
}

func TestClassify_TrustScoreRelaxesT2ToT1(t *testing.T) {
	d := Classify(Action{ActionType: "network_egress", Resource: "api.example.com", TrustScore: 0.95}, fixedNow)
	require.Equal(t, TierT1, d.Tier)
	require.Equal(t, DecisionAutoApprove, d.Decision)
}

func TestClassify_LowTrustScoreDoesNotRelax(t *testing.T) {
	d := Classify(Action{ActionType: "network_egress", Resource: "api.example.com", TrustScore: 0.1}, fixedNow)
	require.Equal(t, TierT2, d.Tier)
}

func TestTracker_SweepExpiredResolvesToDeny(t *testing.T) {
	now := fixedNow
	tr := NewTracker(func() time.Time { return now })

	d := Classify(Action{ActionType: "file_write", Resource: "/etc/hosts"}, now)
	tr.Track(d, Action{ActionType: "file_write"})

	now = now.Add(20 * time.Minute)
	expired := tr.SweepExpired()
	require.Contains(t, expired, d.ID)

	p, ok := tr.Get(d.ID)
	require.True(t, ok)
	require.True(t, p.Resolved)
	require.False(t, p.Approved)
}

func TestTracker_ResolveBeforeExpiryPreventsAutoDeny(t *testing.T) {
	now := fixedNow
	tr := NewTracker(func() time.Time { return now })

	d := Classify(Action{ActionType: "system_command", Resource: "x"}, now)
	tr.Track(d, Action{ActionType: "system_command"})

	require.True(t, tr.Resolve(d.ID, true, "admin"))
	require.False(t, tr.Resolve(d.ID, true, "admin"))

	now = now.Add(20 * time.Minute)
	expired := tr.SweepExpired()
	require.NotContains(t, expired, d.ID)
}
