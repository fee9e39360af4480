package kernel

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/aaron031291/grace-controlplane/internal/control/bus"
)

// registration bundles a Descriptor, its Handler and current health.
// Grounded on the teacher's internal/ai/tools.ToolRegistry
// (RegisteredTool bundling a Definition with its Handler, preserved
// registration order, RWMutex-guarded map) generalized from a flat
// name->tool map to health-gated, intent-routed kernel descriptors.
type registration struct {
	desc    Descriptor
	handler Handler
	probe   HealthProbe
	health  Health
}

// Registry is the C5 component.
type Registry struct {
	mu    sync.RWMutex
	byName map[string]*registration
	order  []string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{byName: make(map[string]*registration)}
}

// Register adds (or replaces) a kernel. A replacing Register call keeps
// the original registration order slot, mirroring ToolRegistry.Register's
// append-only-if-new-name behavior.
func (r *Registry) Register(desc Descriptor, handler Handler, probe HealthProbe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[desc.Name]; !exists {
		r.order = append(r.order, desc.Name)
	}
	r.byName[desc.Name] = &registration{desc: desc, handler: handler, probe: probe, health: HealthHealthy}
}

// Deregister removes a kernel. Kernels are deregistered only at shutdown
// (spec.md §3).
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byName, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// SetHealth overrides a kernel's health directly (used by probes or
// manual operator intervention).
func (r *Registry) SetHealth(name string, h Health) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.byName[name]; ok {
		reg.health = h
	}
}

// RefreshHealth runs every registered HealthProbe and updates health.
func (r *Registry) RefreshHealth(ctx context.Context) {
	r.mu.RLock()
	regs := make([]*registration, 0, len(r.byName))
	for _, reg := range r.byName {
		regs = append(regs, reg)
	}
	r.mu.RUnlock()

	for _, reg := range regs {
		if reg.probe == nil {
			continue
		}
		h := reg.probe(ctx)
		r.mu.Lock()
		reg.health = h
		r.mu.Unlock()
	}
}

// Health returns the current health snapshot for every registered kernel.
func (r *Registry) Health() map[string]Health {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Health, len(r.byName))
	for name, reg := range r.byName {
		out[name] = reg.health
	}
	return out
}

// candidate is a kernel eligible to serve an intent, scored for
// tie-breaking.
type candidate struct {
	name       string
	specificity int
	health      Health
	version     string
	handler     Handler
}

func healthRank(h Health) int {
	switch h {
	case HealthHealthy:
		return 2
	case HealthDegraded:
		return 1
	default:
		return 0
	}
}

// versionGreater reports whether a outranks b as a kernel version,
// comparing as semver when both parse (so "1.10.0" beats "1.9.0") and
// falling back to lexicographic comparison for non-semver version strings.
func versionGreater(a, b string) bool {
	av, aerr := semver.NewVersion(a)
	bv, berr := semver.NewVersion(b)
	if aerr == nil && berr == nil {
		return av.GreaterThan(bv)
	}
	return a > b
}

// Route selects the handler whose intent_patterns yield the longest
// specific match for intent, breaking ties by (1) healthy > degraded,
// (2) higher version, (3) lexicographic name (spec.md §4.5). Unhealthy
// (down) kernels are skipped unless force is true.
func (r *Registry) Route(intent string, force bool) (Handler, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []candidate
	for _, name := range r.order {
		reg := r.byName[name]
		if reg.health == HealthDown && !force {
			continue
		}
		pattern, ok := bus.LongestMatch(reg.desc.IntentPatterns, intent)
		if !ok {
			continue
		}
		candidates = append(candidates, candidate{
			name:        name,
			specificity: len(pattern),
			health:      reg.health,
			version:     reg.desc.Version,
			handler:     reg.handler,
		})
	}
	if len(candidates) == 0 {
		return nil, "", fmt.Errorf("kernel: no kernel registered for intent %q", intent)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.specificity != b.specificity {
			return a.specificity > b.specificity
		}
		if healthRank(a.health) != healthRank(b.health) {
			return healthRank(a.health) > healthRank(b.health)
		}
		if a.version != b.version {
			return versionGreater(a.version, b.version)
		}
		return a.name < b.name
	})

	winner := candidates[0]
	return winner.handler, winner.name, nil
}

// Descriptor returns the registered descriptor for name, if present.
func (r *Registry) Descriptor(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byName[name]
	if !ok {
		return Descriptor{}, false
	}
	return reg.desc, true
}
