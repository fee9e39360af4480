// Package incident implements the Incident Log (C10): a durable,
// append-update record of detected/resolved incidents with MTTR
// computation (spec.md §3, §4.10).
package incident

import "time"

// Status is the incident lifecycle state (spec.md §4.11).
type Status string

const (
	StatusDetected   Status = "detected"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusFailed     Status = "failed"
	StatusEscalated  Status = "escalated"
)

// IsTerminal reports whether s is one of the lifecycle's terminal
// states, which never mutate once reached.
func (s Status) IsTerminal() bool {
	return s == StatusResolved || s == StatusFailed || s == StatusEscalated
}

// Record is one line of the incident log: either the initial detection
// or a later status transition sharing the same IncidentID (spec.md
// §4.10, "resolution is appended as a new record sharing incident_id").
type Record struct {
	IncidentID   string
	Status       Status
	DetectedAt   time.Time
	ResolvedAt   *time.Time
	FailureMode  string
	Severity     string
	ActionsTaken []string
	MTTRSeconds  *float64
	PlaybookID   string
	RelatedEvents []string
}

// Incident is the folded, current-state view of all records sharing an
// IncidentID (spec.md §4.10, "readers must reduce by id to obtain
// current status").
type Incident struct {
	IncidentID   string
	DetectedAt   time.Time
	ResolvedAt   *time.Time
	Status       Status
	FailureMode  string
	Severity     string
	ActionsTaken []string
	MTTRSeconds  *float64
	PlaybookID   string
	RelatedEvents []string
}

// Fold reduces an ordered (by append order) list of records sharing one
// IncidentID into its current Incident view: the earliest record
// supplies DetectedAt/FailureMode, the latest record supplies Status, the
// latest terminal record supplies ResolvedAt/MTTR, and ActionsTaken
// accumulates across all
// records (spec.md §4.10 fold contract).
func Fold(records []Record) Incident {
	if len(records) == 0 {
		return Incident{}
	}
	first := records[0]
	inc := Incident{
		IncidentID:  first.IncidentID,
		DetectedAt:  first.DetectedAt,
		FailureMode: first.FailureMode,
		Severity:    first.Severity,
		Status:      first.Status,
		PlaybookID:  first.PlaybookID,
	}
	for _, r := range records {
		inc.ActionsTaken = append(inc.ActionsTaken, r.ActionsTaken...)
		inc.RelatedEvents = append(inc.RelatedEvents, r.RelatedEvents...)
		inc.Status = r.Status
		if r.PlaybookID != "" {
			inc.PlaybookID = r.PlaybookID
		}
		if r.Status.IsTerminal() {
			inc.ResolvedAt = r.ResolvedAt
			inc.MTTRSeconds = r.MTTRSeconds
		}
	}
	return inc
}

// ComputeMTTR returns resolvedAt - detectedAt in seconds, satisfying the
// invariant resolved_at >= detected_at (spec.md §3).
func ComputeMTTR(detectedAt, resolvedAt time.Time) float64 {
	return resolvedAt.Sub(detectedAt).Seconds()
}
