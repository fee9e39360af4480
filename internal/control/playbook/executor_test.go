package playbook

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_RejectsStepWithoutVerification(t *testing.T) {
	r := New()
	err := r.Register(Playbook{
		ID:    "bad",
		Steps: []Step{{Name: "s1", Action: "noop"}},
	})
	require.Error(t, err)
}

func TestRegisterBuiltins_AllValid(t *testing.T) {
	r := New()
	require.NoError(t, RegisterBuiltins(r))
	require.Len(t, r.All(), 4)

	pb, ok := r.Get("port_conflict.reclaim")
	require.True(t, ok)
	require.True(t, pb.HasRollback())
}

func TestExecute_AllStepsSucceed(t *testing.T) {
	pb := Playbook{
		ID: "p1",
		Steps: []Step{
			{Name: "s1", Action: "a1", Verify: "v1"},
			{Name: "s2", Action: "a2", Verify: "v2"},
		},
	}
	act := func(ctx context.Context, action string, inputs map[string]interface{}) (interface{}, error) {
		return action, nil
	}
	verify := func(ctx context.Context, predicate string, result interface{}) (bool, error) {
		return true, nil
	}
	result := Execute(context.Background(), pb, act, verify)
	require.True(t, result.Succeeded)
	require.False(t, result.RolledBack)
	require.Len(t, result.Steps, 2)
}

func TestExecute_FailureTriggersRollbackInReverseOrder(t *testing.T) {
	pb := Playbook{
		ID:       "p2",
		Rollback: true,
		Steps: []Step{
			{Name: "s1", Action: "a1", Verify: "v1", CompensateAction: "undo1"},
			{Name: "s2", Action: "a2", Verify: "v2", CompensateAction: "undo2"},
			{Name: "s3", Action: "a3", Verify: "v3", CompensateAction: "undo3"},
		},
	}
	var compensated []string
	act := func(ctx context.Context, action string, inputs map[string]interface{}) (interface{}, error) {
		if action == "a3" {
			return nil, errors.New("boom")
		}
		if action == "undo1" || action == "undo2" || action == "undo3" {
			compensated = append(compensated, action)
		}
		return action, nil
	}
	verify := func(ctx context.Context, predicate string, result interface{}) (bool, error) {
		return true, nil
	}
	result := Execute(context.Background(), pb, act, verify)
	require.False(t, result.Succeeded)
	require.True(t, result.RolledBack)
	require.Equal(t, []string{"undo2", "undo1"}, compensated, "the failed step (s3) never completed, so its own compensate must not run")
	require.False(t, result.Steps[2].Compensated, "failed step itself is not marked compensated")
}

func TestExecute_FailedVerificationStopsWithoutRollbackIfDisabled(t *testing.T) {
	pb := Playbook{
		ID: "p3",
		Steps: []Step{
			{Name: "s1", Action: "a1", Verify: "v1"},
		},
	}
	act := func(ctx context.Context, action string, inputs map[string]interface{}) (interface{}, error) {
		return nil, nil
	}
	verify := func(ctx context.Context, predicate string, result interface{}) (bool, error) {
		return false, nil
	}
	result := Execute(context.Background(), pb, act, verify)
	require.False(t, result.Succeeded)
	require.False(t, result.RolledBack)
}
