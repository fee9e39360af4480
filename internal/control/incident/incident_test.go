package incident

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLog_DetectAndResolveComputesMTTR(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	defer l.Close()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := start
	l.SetClock(func() time.Time { return tick })

	id, err := l.Detect("port_in_use", "warn", []string{"evt-1"})
	require.NoError(t, err)

	require.NoError(t, l.Transition(id, StatusInProgress, []string{"terminate_port_holder"}, "port_conflict.reclaim"))

	tick = start.Add(45 * time.Second)
	require.NoError(t, l.Transition(id, StatusResolved, []string{"verified"}, "port_conflict.reclaim"))

	current, err := l.Current(id)
	require.NoError(t, err)
	require.Equal(t, StatusResolved, current.Status)
	require.NotNil(t, current.MTTRSeconds)
	require.InDelta(t, 45.0, *current.MTTRSeconds, 0.001)
	require.Contains(t, current.ActionsTaken, "terminate_port_holder")
	require.Contains(t, current.ActionsTaken, "verified")
}

func TestLog_TerminalStatusNeverReopens(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	defer l.Close()

	id, err := l.Detect("zombie_process", "info", nil)
	require.NoError(t, err)
	require.NoError(t, l.Transition(id, StatusResolved, nil, "zombie_process.kill_and_release"))
	require.Error(t, l.Transition(id, StatusInProgress, nil, ""))

	current, err := l.Current(id)
	require.NoError(t, err)
	require.Equal(t, StatusResolved, current.Status)
	require.True(t, current.Status.IsTerminal())
}

func TestLog_QueryFiltersByStatus(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	defer l.Close()

	id1, err := l.Detect("dns_failure", "warn", nil)
	require.NoError(t, err)
	_, err = l.Detect("zombie_process", "info", nil)
	require.NoError(t, err)
	require.NoError(t, l.Transition(id1, StatusResolved, nil, "dns_failure.flush_resolve"))

	resolved, err := l.Query(QueryFilter{Status: StatusResolved})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	require.Equal(t, id1, resolved[0].IncidentID)

	detected, err := l.Query(QueryFilter{Status: StatusDetected})
	require.NoError(t, err)
	require.Len(t, detected, 1)
}

func TestFold_AccumulatesActionsAndUsesLatestStatus(t *testing.T) {
	detected := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	resolved := detected.Add(time.Minute)
	mttr := 60.0
	records := []Record{
		{IncidentID: "i1", Status: StatusDetected, DetectedAt: detected, FailureMode: "port_in_use"},
		{IncidentID: "i1", Status: StatusInProgress, ActionsTaken: []string{"a1"}},
		{IncidentID: "i1", Status: StatusResolved, ActionsTaken: []string{"a2"}, ResolvedAt: &resolved, MTTRSeconds: &mttr},
	}
	inc := Fold(records)
	require.Equal(t, StatusResolved, inc.Status)
	require.Equal(t, []string{"a1", "a2"}, inc.ActionsTaken)
	require.Equal(t, detected, inc.DetectedAt)
	require.Equal(t, &mttr, inc.MTTRSeconds)
}
