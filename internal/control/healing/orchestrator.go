package healing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aaron031291/grace-controlplane/internal/control/bus"
	"github.com/aaron031291/grace-controlplane/internal/control/eventtypes"
	"github.com/aaron031291/grace-controlplane/internal/control/governance"
	"github.com/aaron031291/grace-controlplane/internal/control/htm"
	"github.com/aaron031291/grace-controlplane/internal/control/incident"
	"github.com/aaron031291/grace-controlplane/internal/control/kernel"
	"github.com/aaron031291/grace-controlplane/internal/control/playbook"
	"github.com/aaron031291/grace-controlplane/internal/control/publisher"
)

const playbookTaskKind = "healing.playbook"

// taskContext links a dispatched HTM task back to the incident and
// playbook it serves, since the scheduler only knows task ids.
type taskContext struct {
	incidentID string
	playbookID string
}

// Orchestrator is the C12 component: it consumes detections and drives
// them through governance, playbook execution, and incident resolution.
type Orchestrator struct {
	incidents *incident.Log
	playbooks *playbook.Registry
	gate      *governance.Gatekeeper
	scheduler *htm.Scheduler
	kernels   *kernel.Registry
	pub       *publisher.Publisher
	stats     StatsProvider
	clock     func() time.Time

	mu    sync.Mutex
	tasks map[string]taskContext
}

// NewOrchestrator wires the full detect -> resolve pipeline. stats may
// be nil (selection then takes the first matching playbook in
// Registry.All's order, which is not defined).
func NewOrchestrator(
	incidents *incident.Log,
	playbooks *playbook.Registry,
	gate *governance.Gatekeeper,
	scheduler *htm.Scheduler,
	kernels *kernel.Registry,
	pub *publisher.Publisher,
	stats StatsProvider,
) *Orchestrator {
	o := &Orchestrator{
		incidents: incidents,
		playbooks: playbooks,
		gate:      gate,
		scheduler: scheduler,
		kernels:   kernels,
		pub:       pub,
		stats:     stats,
		clock:     time.Now,
		tasks:     make(map[string]taskContext),
	}
	scheduler.RegisterWorker(playbookTaskKind, o.runPlaybook)
	return o
}

// SetClock overrides the orchestrator's time source (CI_MODE determinism).
func (o *Orchestrator) SetClock(fn func() time.Time) {
	if fn == nil {
		fn = time.Now
	}
	o.clock = fn
}

// SetStatsProvider wires the stats source used to break ties between
// playbooks matching the same failure mode (spec.md §4.7). The boot
// orchestrator calls this once the Meta-Loop (C13) is constructed, since
// phase ordering (§4.1: Healing Orchestrator starts before Meta-Loop)
// means no StatsProvider exists yet when NewOrchestrator runs.
func (o *Orchestrator) SetStatsProvider(stats StatsProvider) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stats = stats
}

// Start subscribes to htm.task.update so the orchestrator learns when
// a dispatched playbook task reaches a terminal state.
func (o *Orchestrator) Start(b *bus.Bus) {
	b.Subscribe("htm.task.update", func(e bus.Event) {
		o.onTaskUpdate(e)
	})
}

// HandleGuardianIssue satisfies healer.IncidentIntake: it is the single
// entry point for both Guardian detections and operator-triggered
// incidents (spec.md §4.7, "consumes guardian.issue.detected, metric
// threshold breaches, and explicit operator triggers").
func (o *Orchestrator) HandleGuardianIssue(ctx context.Context, category string, detail map[string]interface{}) {
	severity, _ := detail["severity"].(string)
	if severity == "" {
		severity = "warn"
	}
	var relatedEvents []string
	if ev, ok := detail["event_id"].(string); ok && ev != "" {
		relatedEvents = []string{ev}
	}

	incidentID, err := o.incidents.Detect(category, severity, relatedEvents)
	if err != nil {
		log.Error().Err(err).Str("category", category).Msg("healing: failed to record incident")
		return
	}

	pb, ok := o.selectPlaybook(category)
	if !ok {
		o.escalate(incidentID, "", "no playbook matches failure mode")
		return
	}

	decision := o.gate.Evaluate(governance.Action{
		ActionType:           "playbook_execution",
		Actor:                "healing-orchestrator",
		Resource:             pb.ID,
		PlaybookRiskLevel:    string(pb.RiskLevel),
		PlaybookAutonomyTier: int(pb.AutonomyTier),
		Context:              detail,
	})
	if decision.Decision == governance.DecisionDeny {
		o.escalate(incidentID, pb.ID, "governance denied: "+decision.Reason)
		return
	}
	if decision.Decision != governance.DecisionAutoApprove {
		// Non-terminal decisions (user/admin approval) leave the incident
		// in_progress. The orchestrator does not poll, and a later
		// governance.Resolve call does not resume it: it only acts once
		// auto-approved.
		_ = o.incidents.Transition(incidentID, incident.StatusInProgress, []string{"awaiting approval: " + string(decision.Decision)}, pb.ID)
		return
	}

	if err := o.incidents.Transition(incidentID, incident.StatusInProgress, []string{"playbook selected: " + pb.ID}, pb.ID); err != nil {
		log.Error().Err(err).Str("incident_id", incidentID).Msg("healing: failed to transition incident")
		return
	}

	taskID := o.scheduler.Submit(
		playbookTaskKind,
		map[string]interface{}{"playbook_id": pb.ID},
		"",
		htm.Priority(priorityForRisk(string(pb.RiskLevel))),
		defaultSLAms,
		incidentID,
	)

	o.mu.Lock()
	o.tasks[taskID] = taskContext{incidentID: incidentID, playbookID: pb.ID}
	o.mu.Unlock()
}

// selectPlaybook finds playbooks whose FailureMode matches category,
// preferring the one with the highest historical success rate when
// stats are available (spec.md §4.7).
func (o *Orchestrator) selectPlaybook(category string) (playbook.Playbook, bool) {
	var candidates []playbook.Playbook
	for _, pb := range o.playbooks.All() {
		if pb.FailureMode == category {
			candidates = append(candidates, pb)
		}
	}
	if len(candidates) == 0 {
		return playbook.Playbook{}, false
	}

	o.mu.Lock()
	stats := o.stats
	o.mu.Unlock()

	if stats == nil || len(candidates) == 1 {
		return candidates[0], true
	}

	best := candidates[0]
	bestRate := stats.SuccessRate(best.ID)
	for _, pb := range candidates[1:] {
		rate := stats.SuccessRate(pb.ID)
		if rate > bestRate {
			best, bestRate = pb, rate
		}
	}
	return best, true
}

// runPlaybook is the HTM Worker bound to playbookTaskKind: it executes
// the playbook's steps against the kernel registry and returns a
// *htm.TaskError{Retryable: true} on a non-terminal failure so the
// scheduler retries with backoff (spec.md §4.7 step 6).
func (o *Orchestrator) runPlaybook(ctx context.Context, task htm.Task) (interface{}, error) {
	playbookID, _ := task.Payload["playbook_id"].(string)
	pb, ok := o.playbooks.Get(playbookID)
	if !ok {
		return nil, &htm.TaskError{Err: fmt.Errorf("healing: unknown playbook %q", playbookID), Retryable: false}
	}

	act := func(ctx context.Context, action string, inputs map[string]interface{}) (interface{}, error) {
		handler, _, err := o.kernels.Route(action, false)
		if err != nil {
			return nil, err
		}
		return handler(ctx, action, inputs)
	}
	verify := func(ctx context.Context, predicate string, result interface{}) (bool, error) {
		if predicate == "" {
			return false, fmt.Errorf("healing: empty verification predicate")
		}
		handler, _, err := o.kernels.Route(predicate, false)
		if err != nil {
			return false, err
		}
		out, err := handler(ctx, predicate, map[string]interface{}{"result": result})
		if err != nil {
			return false, err
		}
		return interpretVerification(out), nil
	}

	result := playbook.Execute(ctx, pb, act, verify)
	if result.Succeeded {
		return result, nil
	}
	// A rolled-back playbook is considered a recoverable failure worth
	// retrying (the compensating actions already restored prior state);
	// an unrolled-back failure still gets the same retry budget since
	// the underlying fault may be transient (e.g. a flaky kernel call).
	return result, &htm.TaskError{Err: fmt.Errorf("healing: playbook %q failed", pb.ID), Retryable: true}
}

func interpretVerification(out interface{}) bool {
	switch v := out.(type) {
	case bool:
		return v
	case map[string]interface{}:
		if ok, present := v["ok"].(bool); present {
			return ok
		}
	}
	return out != nil
}

// onTaskUpdate is the htm.task.update subscriber: it folds a playbook
// task's terminal state back into the incident it serves.
func (o *Orchestrator) onTaskUpdate(e bus.Event) {
	taskID, _ := e.Payload["task_id"].(string)
	state, _ := e.Payload["state"].(string)

	o.mu.Lock()
	tc, ok := o.tasks[taskID]
	if ok && htm.State(state).IsTerminal() {
		delete(o.tasks, taskID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	switch htm.State(state) {
	case htm.StateSucceeded:
		if err := o.incidents.Transition(tc.incidentID, incident.StatusResolved, []string{"playbook succeeded: " + tc.playbookID}, tc.playbookID); err != nil {
			log.Error().Err(err).Str("incident_id", tc.incidentID).Msg("healing: failed to resolve incident")
		}
		o.pub.Publish("healing.resolved", map[string]interface{}{
			"incident_id": tc.incidentID,
			"playbook_id": tc.playbookID,
		}, "healing", tc.incidentID, eventtypes.SeverityInfo)
	case htm.StateFailed, htm.StateTimedOut, htm.StateCancelled:
		errMsg, _ := e.Payload["error"].(string)
		o.fail(tc.incidentID, tc.playbookID, errMsg)
	}
}

// fail marks an incident failed once the scheduler has exhausted its
// retry budget (spec.md §4.7 step 6, "otherwise mark failed and emit
// healing.failed"). Distinct from escalate: failed means the playbook
// ran out of attempts, escalated means no playbook ever ran at all (no
// match, or governance denied it) (spec.md §4.11's three-way terminal
// split).
func (o *Orchestrator) fail(incidentID, playbookID, reason string) {
	if err := o.incidents.Transition(incidentID, incident.StatusFailed, []string{reason}, playbookID); err != nil {
		log.Error().Err(err).Str("incident_id", incidentID).Msg("healing: failed to mark incident failed")
	}
	o.pub.Publish("healing.failed", map[string]interface{}{
		"incident_id": incidentID,
		"playbook_id": playbookID,
		"reason":      reason,
	}, "healing", incidentID, eventtypes.SeverityError)
}

// escalate marks an incident escalated: governance denied the proposed
// playbook, or no playbook matched the failure mode at all (spec.md
// §4.7 step 3, §4.11).
func (o *Orchestrator) escalate(incidentID, playbookID, reason string) {
	if err := o.incidents.Transition(incidentID, incident.StatusEscalated, []string{reason}, playbookID); err != nil {
		log.Error().Err(err).Str("incident_id", incidentID).Msg("healing: failed to escalate incident")
	}
	o.pub.Publish("healing.escalated", map[string]interface{}{
		"incident_id": incidentID,
		"playbook_id": playbookID,
		"reason":      reason,
	}, "healing", incidentID, eventtypes.SeverityError)
}
