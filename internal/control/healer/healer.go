// Package healer implements the continuous scan-loop driver (C9): it
// runs Guardian's watchdog and, for detections Guardian isn't trusted to
// fix on its own, hands them to the Healing Orchestrator (C12) as
// incidents.
//
// The spec's control-flow narrative (spec.md §2) folds C9's actual
// detect/execute logic into the Healing Orchestrator; this package is
// deliberately thin, existing as its own compilation unit only to keep
// the component table's C8/C9 split intact while both share Guardian's
// scan implementation and the Orchestrator's incident intake.
package healer

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/aaron031291/grace-controlplane/internal/control/guardian"
	"github.com/aaron031291/grace-controlplane/internal/control/incident"
)

// IncidentIntake is the subset of the Healing Orchestrator's API the
// healer loop needs: turning a detected issue into an incident. Defined
// here (rather than importing the healing package directly) to avoid a
// healer<->healing import cycle, since healing itself may want to
// reference healer's scan cadence in future wiring.
type IncidentIntake interface {
	HandleGuardianIssue(ctx context.Context, category string, detail map[string]interface{})
}

// Healer drives Guardian's watchdog and Guardian's own direct-execution
// authority, routing anything left over to an IncidentIntake.
type Healer struct {
	watchdog  *guardian.Watchdog
	direct    *guardian.DirectExecutor
	intake    IncidentIntake
	incidents *incident.Log
}

// New returns a Healer wiring watchdog scans to direct execution first,
// falling back to intake for anything Guardian can't fix on its own.
// The Incident Log is attached separately via WithIncidents and may be
// left unset in tests that don't exercise direct execution; when set, it
// gives every direct-executed detection the same
// detected/resolved incident record C12 would have produced, so C10's
// MTTR bookkeeping stays uniform regardless of which path handled a
// detection (spec.md §8 scenario S1).
func New(watchdog *guardian.Watchdog, direct *guardian.DirectExecutor, intake IncidentIntake) *Healer {
	return &Healer{watchdog: watchdog, direct: direct, intake: intake}
}

// WithIncidents attaches the Incident Log so direct-executed detections
// are recorded and resolved the same way Healing Orchestrator-routed
// ones are.
func (h *Healer) WithIncidents(incidents *incident.Log) *Healer {
	h.incidents = incidents
	return h
}

// Run ticks the watchdog until ctx is cancelled. Detections are
// published onto the bus by the watchdog itself (guardian.issue.detected);
// Run does not forward them. A bus subscription calling HandleDetection
// is what hands each detection to direct execution or intake.
func (h *Healer) Run(ctx context.Context) {
	log.Info().Msg("healer.loop.started")
	h.watchdog.Run(ctx)
	log.Info().Msg("healer.loop.stopped")
}

// HandleDetection is the bridge a bus subscription calls on every
// guardian.issue.detected event: try Guardian's own low-risk playbook
// authority first (spec.md §4.2, "Guardian may directly execute
// playbooks classified risk_level=low, autonomy_tier=1; others are
// proposed via C12"), else hand the detection to the Healing
// Orchestrator.
func (h *Healer) HandleDetection(ctx context.Context, category string, detail map[string]interface{}) {
	if h.direct != nil {
		if result, handled := h.direct.TryExecuteForCategory(ctx, category); handled {
			h.recordDirectIncident(category, detail, result.PlaybookID, result.Succeeded)
			return
		}
	}
	h.intake.HandleGuardianIssue(ctx, category, detail)
}

// recordDirectIncident folds a Guardian direct-execution outcome into
// the Incident Log so resolved/failed status and MTTR are tracked the
// same way a Healing Orchestrator-routed incident would be, even though
// direct execution skips C12 (DirectExecutor still runs its own
// Gatekeeper.Evaluate).
func (h *Healer) recordDirectIncident(category string, detail map[string]interface{}, playbookID string, succeeded bool) {
	if h.incidents == nil {
		return
	}
	severity, _ := detail["severity"].(string)
	if severity == "" {
		severity = "warn"
	}
	var relatedEvents []string
	if ev, ok := detail["event_id"].(string); ok && ev != "" {
		relatedEvents = []string{ev}
	}

	incidentID, err := h.incidents.Detect(category, severity, relatedEvents)
	if err != nil {
		log.Error().Err(err).Str("category", category).Msg("healer: failed to record direct-execution incident")
		return
	}
	status := incident.StatusResolved
	if !succeeded {
		status = incident.StatusFailed
	}
	if err := h.incidents.Transition(incidentID, status, []string{"guardian direct execution"}, playbookID); err != nil {
		log.Error().Err(err).Str("incident_id", incidentID).Msg("healer: failed to resolve direct-execution incident")
	}
}
