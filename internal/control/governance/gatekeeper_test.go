package governance

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aaron031291/grace-controlplane/internal/control/bus"
	"github.com/aaron031291/grace-controlplane/internal/control/publisher"
)

func TestGatekeeper_EveryDecisionIsAudited(t *testing.T) {
	b := bus.New()
	defer b.Shutdown()
	pub := publisher.New(b)

	var mu sync.Mutex
	var seen []bus.Event
	b.Subscribe("governance.decision", func(e bus.Event) {
		mu.Lock()
		seen = append(seen, e)
		mu.Unlock()
	})

	gk := NewGatekeeper(pub, func() time.Time { return fixedNow })
	gk.Evaluate(Action{ActionType: "read", Resource: "x"})
	gk.Evaluate(Action{ActionType: "file_write", Resource: "/etc/hosts"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, time.Millisecond)
}

func TestGatekeeper_SetApprovalTTLOverridesExpiry(t *testing.T) {
	b := bus.New()
	defer b.Shutdown()
	pub := publisher.New(b)

	now := fixedNow
	gk := NewGatekeeper(pub, func() time.Time { return now })
	gk.SetApprovalTTL(time.Second)

	d := gk.Evaluate(Action{ActionType: "database_schema_change", Resource: "orders"})
	require.Equal(t, DecisionAdminApproval, d.Decision)
	require.Equal(t, now.Add(time.Second), d.ExpiresAt)

	now = now.Add(1100 * time.Millisecond)
	expired := gk.tracker.SweepExpired()
	require.Contains(t, expired, d.ID)
}

func TestGatekeeper_SetApprovalTTLZeroRestoresDefault(t *testing.T) {
	b := bus.New()
	defer b.Shutdown()
	pub := publisher.New(b)

	gk := NewGatekeeper(pub, func() time.Time { return fixedNow })
	gk.SetApprovalTTL(time.Second)
	gk.SetApprovalTTL(0)

	d := gk.Evaluate(Action{ActionType: "system_command", Resource: "reboot"})
	require.Equal(t, fixedNow.Add(defaultApprovalTTL), d.ExpiresAt)
}
