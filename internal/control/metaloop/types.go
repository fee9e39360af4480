// Package metaloop implements the Meta-Loop / Learning Integration
// (C13): periodic aggregation of incident history into per-playbook
// statistics, and governed config revisions proposed from those
// statistics (spec.md §4.9).
//
// Grounded on the teacher's internal/ai/learning.LearningStore
// (resourcePreferences/categoryPreferences aggregated from
// FeedbackRecord, dirty-flag atomic JSON persistence) generalized from
// per-resource/per-category user-feedback aggregation to
// per-playbook incident-outcome aggregation, and on
// internal/ai/patterns.Detector's periodic-scan shape for the
// aggregation cadence.
package metaloop

import "time"

// PlaybookStats is the aggregated outcome history for one playbook,
// the basis for healing.StatsProvider.SuccessRate and for selection
// re-weighting proposals.
type PlaybookStats struct {
	PlaybookID      string
	TotalExecutions int
	SuccessCount    int
	FailureCount    int
	EscalatedCount  int
	TotalMTTR       float64
	LastUpdated     time.Time
}

// SuccessRate is successes over terminal outcomes. An unexecuted
// playbook has no track record, which selectPlaybook in the Healing
// Orchestrator treats the same as any other zero-value rate.
func (s PlaybookStats) SuccessRate() float64 {
	total := s.SuccessCount + s.FailureCount + s.EscalatedCount
	if total == 0 {
		return 0
	}
	return float64(s.SuccessCount) / float64(total)
}

// AvgMTTR is the mean resolution time in seconds across successful
// executions only (an unresolved incident has no MTTR to average in).
func (s PlaybookStats) AvgMTTR() float64 {
	if s.SuccessCount == 0 {
		return 0
	}
	return s.TotalMTTR / float64(s.SuccessCount)
}

// ConfigRevision is a governed, versioned, revertible change to
// runtime configuration (spec.md §4.9: "Applied revisions are
// versioned monotonically ... and are revertible. Reverts are
// themselves governed").
type ConfigRevision struct {
	Version         string
	PreviousVersion string
	Resource        string
	ProposedAt      time.Time
	AppliedAt       *time.Time
	Reason          string
	Changes         map[string]interface{}
	Reverted        bool
	IsRevert        bool
}
