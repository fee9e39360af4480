package metaloop

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aaron031291/grace-controlplane/internal/control/eventtypes"
	"github.com/aaron031291/grace-controlplane/internal/control/governance"
	"github.com/aaron031291/grace-controlplane/internal/control/incident"
	"github.com/aaron031291/grace-controlplane/internal/control/publisher"
)

const defaultInterval = 5 * time.Minute

// MetaLoop is the C13 component: it periodically folds incident
// history into per-playbook statistics and proposes governed
// ConfigRevisions from what it learns.
type MetaLoop struct {
	mu sync.RWMutex

	incidents *incident.Log
	gate      *governance.Gatekeeper
	pub       *publisher.Publisher
	interval  time.Duration
	dataDir   string
	clock     func() time.Time

	stats     map[string]*PlaybookStats
	revisions []ConfigRevision
	dirty     bool
}

// New returns a MetaLoop aggregating interval-ly (0 uses the 5 minute
// default). dataDir, if non-empty, persists revision history as JSON.
func New(incidents *incident.Log, gate *governance.Gatekeeper, pub *publisher.Publisher, interval time.Duration, dataDir string) *MetaLoop {
	if interval <= 0 {
		interval = defaultInterval
	}
	m := &MetaLoop{
		incidents: incidents,
		gate:      gate,
		pub:       pub,
		interval:  interval,
		dataDir:   dataDir,
		clock:     time.Now,
		stats:     make(map[string]*PlaybookStats),
	}
	if dataDir != "" {
		if err := m.loadFromDisk(); err != nil {
			log.Warn().Err(err).Msg("metaloop: failed to load revision history from disk")
		}
	}
	return m
}

// SetClock overrides the meta-loop's time source (CI_MODE determinism).
func (m *MetaLoop) SetClock(fn func() time.Time) {
	if fn == nil {
		fn = time.Now
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = fn
}

// Run ticks Aggregate on the configured interval until ctx is done.
func (m *MetaLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Aggregate()
		}
	}
}

// Aggregate folds every current incident into per-playbook statistics:
// execution, success, failure and escalation counts and total MTTR.
// Audit records are not read, statistics are per playbook only (not per
// component), and no false-positive rate is computed.
func (m *MetaLoop) Aggregate() {
	incidents, err := m.incidents.Query(incident.QueryFilter{})
	if err != nil {
		log.Error().Err(err).Msg("metaloop: failed to query incidents for aggregation")
		return
	}

	now := m.now()
	fresh := make(map[string]*PlaybookStats)
	for _, inc := range incidents {
		if inc.PlaybookID == "" {
			continue
		}
		s, ok := fresh[inc.PlaybookID]
		if !ok {
			s = &PlaybookStats{PlaybookID: inc.PlaybookID}
			fresh[inc.PlaybookID] = s
		}
		s.TotalExecutions++
		s.LastUpdated = now
		switch inc.Status {
		case incident.StatusResolved:
			s.SuccessCount++
			if inc.MTTRSeconds != nil {
				s.TotalMTTR += *inc.MTTRSeconds
			}
		case incident.StatusFailed:
			s.FailureCount++
		case incident.StatusEscalated:
			s.EscalatedCount++
		}
	}

	m.mu.Lock()
	m.stats = fresh
	m.mu.Unlock()
}

// SuccessRate satisfies healing.StatsProvider: the per-playbook success
// rate the Healing Orchestrator uses to break ties between playbooks
// matching the same failure mode.
func (m *MetaLoop) SuccessRate(playbookID string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stats[playbookID]
	if !ok {
		return 0
	}
	return s.SuccessRate()
}

// Stats returns a snapshot of a playbook's aggregated statistics.
func (m *MetaLoop) Stats(playbookID string) (PlaybookStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stats[playbookID]
	if !ok {
		return PlaybookStats{}, false
	}
	return *s, true
}

func (m *MetaLoop) now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.clock != nil {
		return m.clock()
	}
	return time.Now()
}

func monotonicVersion(t time.Time) string {
	return fmt.Sprintf("v%s", t.Format("20060102.150405"))
}

// ProposeRevision routes a config change through governance as a T1/T2
// config_toggle action (spec.md §4.9: "Each proposal is a T1/T2 action
// routed through C4"): resource is the governance-whitelisted config
// key being changed (e.g. "config.toggle.playbook_enabled"); a
// resource outside that whitelist classifies at T2 and returns
// unapplied pending approval rather than being auto-approved. Denied
// proposals are likewise returned unapplied (AppliedAt nil); approved
// proposals get a monotonic version stamped and are persisted
// immediately.
func (m *MetaLoop) ProposeRevision(resource, reason string, changes map[string]interface{}) ConfigRevision {
	now := m.now()
	rev := ConfigRevision{
		PreviousVersion: m.currentVersion(),
		Resource:        resource,
		ProposedAt:      now,
		Reason:          reason,
		Changes:         changes,
	}

	decision := m.gate.Evaluate(governance.Action{
		ActionType: "config_toggle",
		Actor:      "meta-loop",
		Resource:   resource,
		Context:    changes,
	})

	m.pub.Publish("meta.revision.proposed", map[string]interface{}{
		"reason":      reason,
		"decision":    string(decision.Decision),
		"decision_id": decision.ID,
	}, "metaloop", "", eventtypes.SeverityInfo)

	if decision.Decision != governance.DecisionAutoApprove {
		return rev
	}

	rev.Version = monotonicVersion(now)
	applied := now
	rev.AppliedAt = &applied

	m.mu.Lock()
	m.revisions = append(m.revisions, rev)
	m.dirty = true
	m.mu.Unlock()

	m.pub.Publish("meta.revision.applied", map[string]interface{}{
		"version":  rev.Version,
		"reason":   reason,
	}, "metaloop", "", eventtypes.SeverityInfo)

	m.saveIfDirty()
	return rev
}

// Revert proposes (and, if approved, applies) a reverting
// ConfigRevision for version (spec.md §4.9: "Reverts are themselves
// governed").
func (m *MetaLoop) Revert(version, reason string) (ConfigRevision, error) {
	m.mu.Lock()
	var target *ConfigRevision
	for i := range m.revisions {
		if m.revisions[i].Version == version {
			target = &m.revisions[i]
			break
		}
	}
	m.mu.Unlock()
	if target == nil {
		return ConfigRevision{}, fmt.Errorf("metaloop: unknown revision %q", version)
	}

	rev := m.ProposeRevision(target.Resource, fmt.Sprintf("revert %s: %s", version, reason), target.Changes)
	rev.IsRevert = true
	if rev.AppliedAt != nil {
		m.mu.Lock()
		for i := range m.revisions {
			if m.revisions[i].Version == version {
				m.revisions[i].Reverted = true
			}
		}
		m.mu.Unlock()
	}
	return rev, nil
}

func (m *MetaLoop) currentVersion() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.revisions) == 0 {
		return ""
	}
	return m.revisions[len(m.revisions)-1].Version
}

// Revisions returns a snapshot of every revision applied so far.
func (m *MetaLoop) Revisions() []ConfigRevision {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ConfigRevision, len(m.revisions))
	copy(out, m.revisions)
	return out
}

func (m *MetaLoop) saveIfDirty() {
	m.mu.Lock()
	if !m.dirty || m.dataDir == "" {
		m.mu.Unlock()
		return
	}
	m.dirty = false
	revisions := make([]ConfigRevision, len(m.revisions))
	copy(revisions, m.revisions)
	m.mu.Unlock()

	if err := m.saveToDisk(revisions); err != nil {
		log.Warn().Err(err).Msg("metaloop: failed to save revision history")
		m.mu.Lock()
		m.dirty = true
		m.mu.Unlock()
	}
}

func (m *MetaLoop) saveToDisk(revisions []ConfigRevision) error {
	data, err := json.MarshalIndent(revisions, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(m.dataDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(m.dataDir, "meta_revisions.json")
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func (m *MetaLoop) loadFromDisk() error {
	path := filepath.Join(m.dataDir, "meta_revisions.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var revisions []ConfigRevision
	if err := json.Unmarshal(data, &revisions); err != nil {
		return err
	}
	m.revisions = revisions
	return nil
}
