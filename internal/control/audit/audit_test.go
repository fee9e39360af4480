package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aaron031291/grace-controlplane/internal/control/eventtypes"
)

func newTestEvent(id, typ string) Event {
	return Event{
		ID:        id,
		Type:      typ,
		Source:    "test",
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Severity:  eventtypes.SeverityInfo,
	}
}

func TestLog_AppendAndVerifyChain(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	defer l.Close()
	require.False(t, l.Degraded())

	for i := 0; i < 5; i++ {
		_, err := l.Append(newTestEvent("", "boot.phase.ok"))
		require.NoError(t, err)
	}

	records, err := ReadAll(logPath(dir))
	require.NoError(t, err)
	require.Len(t, records, 5)
	require.Equal(t, -1, VerifyChain(l.signer, records))
}

func TestLog_TamperDetected(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	_, err = l.Append(newTestEvent("evt-1", "audit.test"))
	require.NoError(t, err)
	_, err = l.Append(newTestEvent("evt-2", "audit.test"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	records, err := ReadAll(logPath(dir))
	require.NoError(t, err)
	records[0].ThisHash = "tampered"

	l2, err := Open(dir)
	require.NoError(t, err)
	defer l2.Close()

	require.Equal(t, 0, VerifyChain(l2.signer, []Record{records[0], records[1]}))
}

func TestLog_QueryByType(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Append(newTestEvent("", "healing.incident.resolved"))
	require.NoError(t, err)
	_, err = l.Append(newTestEvent("", "governance.decision"))
	require.NoError(t, err)

	events, err := l.Query(QueryFilter{Type: "healing."})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "healing.incident.resolved", events[0].Type)

	count, err := l.Count(QueryFilter{})
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestSigner_DeterministicAcrossReload(t *testing.T) {
	dir := t.TempDir()
	s1, err := NewSigner(dir)
	require.NoError(t, err)
	s2, err := NewSigner(dir)
	require.NoError(t, err)

	e := newTestEvent("evt-x", "audit.test")
	require.Equal(t, s1.Sign(e), s2.Sign(e))
}

func TestSigner_DisabledWithoutDir(t *testing.T) {
	s, err := NewSigner("")
	require.NoError(t, err)
	require.False(t, s.SigningEnabled())
	require.Equal(t, "", s.Sign(newTestEvent("e", "audit.test")))
}
