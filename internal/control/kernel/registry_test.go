package kernel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func noopHandler(ctx context.Context, intent string, args map[string]interface{}) (interface{}, error) {
	return intent, nil
}

func TestRegistry_RouteLongestPrefixWins(t *testing.T) {
	r := New()
	r.Register(Descriptor{Name: "infra-generic", Domain: DomainInfrastructure, IntentPatterns: []string{"infra."}}, noopHandler, nil)
	r.Register(Descriptor{Name: "infra-k8s", Domain: DomainInfrastructure, IntentPatterns: []string{"infra.k8s."}}, noopHandler, nil)

	_, name, err := r.Route("infra.k8s.pod.restart", false)
	require.NoError(t, err)
	require.Equal(t, "infra-k8s", name)

	_, name, err = r.Route("infra.docker.restart", false)
	require.NoError(t, err)
	require.Equal(t, "infra-generic", name)
}

func TestRegistry_SkipsDownKernelsUnlessForced(t *testing.T) {
	r := New()
	r.Register(Descriptor{Name: "k1", IntentPatterns: []string{"x."}}, noopHandler, nil)
	r.SetHealth("k1", HealthDown)

	_, _, err := r.Route("x.y", false)
	require.Error(t, err)

	_, name, err := r.Route("x.y", true)
	require.NoError(t, err)
	require.Equal(t, "k1", name)
}

func TestRegistry_HealthyBeatsDegradedOnTie(t *testing.T) {
	r := New()
	r.Register(Descriptor{Name: "degraded-one", IntentPatterns: []string{"x."}}, noopHandler, nil)
	r.Register(Descriptor{Name: "healthy-one", IntentPatterns: []string{"x."}}, noopHandler, nil)
	r.SetHealth("degraded-one", HealthDegraded)

	_, name, err := r.Route("x.y", false)
	require.NoError(t, err)
	require.Equal(t, "healthy-one", name)
}

func TestRegistry_HigherVersionBeatsLowerOnTie(t *testing.T) {
	r := New()
	r.Register(Descriptor{Name: "v1", Version: "1.0.0", IntentPatterns: []string{"x."}}, noopHandler, nil)
	r.Register(Descriptor{Name: "v2", Version: "2.0.0", IntentPatterns: []string{"x."}}, noopHandler, nil)

	_, name, err := r.Route("x.y", false)
	require.NoError(t, err)
	require.Equal(t, "v2", name)
}

func TestRegistry_VersionTieBreakIsSemverAware(t *testing.T) {
	r := New()
	r.Register(Descriptor{Name: "v1-9", Version: "1.9.0", IntentPatterns: []string{"x."}}, noopHandler, nil)
	r.Register(Descriptor{Name: "v1-10", Version: "1.10.0", IntentPatterns: []string{"x."}}, noopHandler, nil)

	_, name, err := r.Route("x.y", false)
	require.NoError(t, err)
	require.Equal(t, "v1-10", name, "1.10.0 must outrank 1.9.0 under semver, not lexicographic, comparison")
}

func TestRegistry_LexicographicTieBreakAsLastResort(t *testing.T) {
	r := New()
	r.Register(Descriptor{Name: "bbb", IntentPatterns: []string{"x."}}, noopHandler, nil)
	r.Register(Descriptor{Name: "aaa", IntentPatterns: []string{"x."}}, noopHandler, nil)

	_, name, err := r.Route("x.y", false)
	require.NoError(t, err)
	require.Equal(t, "aaa", name)
}

func TestRegistry_DeregisterRemovesFromRouting(t *testing.T) {
	r := New()
	r.Register(Descriptor{Name: "k1", IntentPatterns: []string{"x."}}, noopHandler, nil)
	r.Deregister("k1")

	_, _, err := r.Route("x.y", false)
	require.Error(t, err)
}

func TestRegistry_RefreshHealthRunsProbes(t *testing.T) {
	r := New()
	r.Register(Descriptor{Name: "k1", IntentPatterns: []string{"x."}}, noopHandler, func(ctx context.Context) Health {
		return HealthDegraded
	})
	r.RefreshHealth(context.Background())
	require.Equal(t, HealthDegraded, r.Health()["k1"])
}
