// Package boot implements the Boot Orchestrator (C14): a phased startup
// state machine wiring every other component into a single composition
// root, with a health predicate per phase and a degraded-boot fallback
// (spec.md §4.1).
//
// Grounded on cmd/pulse/main.go's runServer() sequencing (logger init ->
// config load -> subsystem init in dependency order -> listen), turned
// from an implicit function-call order into an explicit []Phase slice so
// each phase can be named, logged, and reported on independently.
package boot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aaron031291/grace-controlplane/internal/control/audit"
	"github.com/aaron031291/grace-controlplane/internal/control/bus"
	"github.com/aaron031291/grace-controlplane/internal/control/errs"
	"github.com/aaron031291/grace-controlplane/internal/control/eventtypes"
	"github.com/aaron031291/grace-controlplane/internal/control/governance"
	"github.com/aaron031291/grace-controlplane/internal/control/guardian"
	"github.com/aaron031291/grace-controlplane/internal/control/healer"
	"github.com/aaron031291/grace-controlplane/internal/control/healing"
	"github.com/aaron031291/grace-controlplane/internal/control/htm"
	"github.com/aaron031291/grace-controlplane/internal/control/incident"
	"github.com/aaron031291/grace-controlplane/internal/control/kernel"
	"github.com/aaron031291/grace-controlplane/internal/control/metaloop"
	"github.com/aaron031291/grace-controlplane/internal/control/playbook"
	"github.com/aaron031291/grace-controlplane/internal/control/publisher"
	"github.com/aaron031291/grace-controlplane/internal/control/triggermesh"
)

// Exit codes for the process running the control plane (spec.md §6).
const (
	ExitOK                  = 0
	ExitConfigError         = 2
	ExitBootGateFailed      = 3
	ExitAuditChainBroken    = 4
	ExitFatalHTMInconsistent = 5
)

// Phase is one named, independently health-checked boot step. Phases are
// data, not control flow (spec.md §9): the Orchestrator's phase list can
// be inspected, logged, and iterated without any phase function needing
// to know its position in the sequence.
type Phase struct {
	Name string
	Run  func(ctx context.Context) error
}

// Orchestrator is the C14 component: it owns every other component's
// construction and start/stop lifecycle.
type Orchestrator struct {
	Cfg Config

	Bus       *bus.Bus
	Pub       *publisher.Publisher
	Audit     *audit.Log
	Incidents *incident.Log
	Kernels   *kernel.Registry
	Playbooks *playbook.Registry
	Gate      *governance.Gatekeeper
	Scheduler *htm.Scheduler
	Mesh      *triggermesh.Mesh
	BootGatePort int
	Watchdog  *guardian.Watchdog
	Direct    *guardian.DirectExecutor
	Healer    *healer.Healer
	Healing   *healing.Orchestrator
	MetaLoop  *metaloop.MetaLoop

	clock func() time.Time

	mu              sync.Mutex
	phases          []Phase
	completed       []string
	degraded        bool
	degradedPhase   string
	exitCode        int
	stopFns         []func()
	wg              sync.WaitGroup
}

// New returns an Orchestrator configured from cfg. Call Boot to run the
// phase sequence.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{Cfg: cfg, clock: time.Now}
}

// SetClock overrides every wired component's time source (CI_MODE
// determinism, property 7 — "two boots with identical configuration and
// identical deterministic-clock input yield identical boot.* event
// sequences up to timestamp").
func (o *Orchestrator) SetClock(fn func() time.Time) {
	o.clock = fn
	publisher.SetClock(fn)
}

// Degraded reports whether boot entered degraded mode, and at which
// phase.
func (o *Orchestrator) Degraded() (bool, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.degraded, o.degradedPhase
}

// ExitCode returns the process exit code boot decided on (0 if Boot
// succeeded and was never called with a fatal failure).
func (o *Orchestrator) ExitCode() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.exitCode
}

// Boot runs every phase in order (spec.md §4.1). A phase failure halts
// all subsequent phases, publishes boot.degraded naming the failing
// phase and the phases that were skipped (only once the publisher
// exists, so an audit_log failure publishes nothing), and returns the
// failure's error. A full run publishes system.ready exactly once and returns nil.
func (o *Orchestrator) Boot(ctx context.Context) error {
	o.phases = []Phase{
		{"audit_log", o.phaseAuditLog},
		{"bus_publisher", o.phaseBusPublisher},
		{"guardian", o.phaseGuardian},
		{"kernel_registry", o.phaseKernelRegistry},
		{"trigger_mesh_playbooks", o.phaseTriggerMeshPlaybooks},
		{"htm_scheduler", o.phaseHTMScheduler},
		{"healing_orchestrator", o.phaseHealingOrchestrator},
		{"meta_loop", o.phaseMetaLoop},
	}

	for i, p := range o.phases {
		log.Info().Str("phase", p.Name).Msg("boot.phase.starting")
		if err := p.Run(ctx); err != nil {
			o.mu.Lock()
			o.degraded = true
			o.degradedPhase = p.Name
			o.exitCode = exitCodeFor(err)
			o.mu.Unlock()

			skipped := make([]string, 0, len(o.phases)-i-1)
			for _, rest := range o.phases[i+1:] {
				skipped = append(skipped, rest.Name)
			}

			if o.Pub != nil {
				o.Pub.Publish("boot.phase.failed", map[string]interface{}{
					"phase": p.Name,
					"error": err.Error(),
				}, "boot", "", eventtypes.SeverityError)
				o.Pub.Publish("boot.degraded", map[string]interface{}{
					"failing_phase":   p.Name,
					"skipped_phases":  skipped,
					"error":           err.Error(),
				}, "boot", "", eventtypes.SeverityCritical)
			}
			log.Error().Str("phase", p.Name).Err(err).Msg("boot.degraded")
			return err
		}
		o.mu.Lock()
		o.completed = append(o.completed, p.Name)
		o.mu.Unlock()
		log.Info().Str("phase", p.Name).Msg("boot.phase.completed")
	}

	o.Pub.Publish("system.ready", map[string]interface{}{
		"phases": o.completed,
	}, "boot", "", eventtypes.SeverityInfo)
	log.Info().Msg("system.ready")
	return nil
}

// exitCodeFor maps a phase failure to the process exit code spec.md §6
// names. A plain (non-ControlError) failure (the guardian phase's
// AllocatePort error, or a builtin playbook registration error in the
// trigger_mesh_playbooks phase) falls through to the boot-gate code.
func exitCodeFor(err error) int {
	if ce, ok := errs.As(err); ok {
		switch ce.Kind {
		case errs.KindConfiguration:
			return ExitConfigError
		case errs.KindIntegrity:
			return ExitAuditChainBroken
		case errs.KindFatal:
			return ExitFatalHTMInconsistent
		}
	}
	return ExitBootGateFailed
}

// Stop drains every running component. Grace bounds how long stop waits
// for in-flight work (htm task cancellation grace, scanner loop exit)
// before returning regardless (spec.md §5's 5s cancellation grace).
func (o *Orchestrator) Stop(grace time.Duration) {
	o.mu.Lock()
	fns := make([]func(), len(o.stopFns))
	copy(fns, o.stopFns)
	o.mu.Unlock()

	for _, fn := range fns {
		fn()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		log.Warn().Msg("boot.stop.grace_exceeded")
	}
}

func (o *Orchestrator) onStop(fn func()) {
	o.mu.Lock()
	o.stopFns = append(o.stopFns, fn)
	o.mu.Unlock()
}

func (o *Orchestrator) phaseAuditLog(ctx context.Context) error {
	auditDir := o.Cfg.LogDir + "/audit"
	a, err := audit.Open(auditDir)
	if err != nil {
		return errs.New(errs.KindConfiguration, fmt.Errorf("boot: open audit log: %w", err))
	}
	if a.Degraded() {
		if !o.Cfg.AllowDegradedStart {
			return errs.New(errs.KindIntegrity, fmt.Errorf("boot: audit chain broken at %s (set ALLOW_DEGRADED_START=true to continue degraded)", auditDir))
		}
		o.mu.Lock()
		o.degraded = true
		o.degradedPhase = "audit_log"
		o.mu.Unlock()
		log.Warn().Msg("audit.chain.broken: continuing in degraded mode (ALLOW_DEGRADED_START=true)")
	}
	o.Audit = a
	return nil
}

func (o *Orchestrator) phaseBusPublisher(ctx context.Context) error {
	o.Bus = bus.New()
	o.Pub = publisher.New(o.Bus)
	publisher.SetClock(o.clock)

	// The Audit Log is the single durable subscriber of record: every
	// event that crosses the bus is appended to the chain (spec.md
	// §4.10's "every decision is audited" generalizes to every event).
	o.Bus.Subscribe("*", func(e bus.Event) {
		rec := audit.Event{
			ID:            e.ID,
			Type:          e.Type,
			Source:        e.Source,
			CorrelationID: e.CorrelationID,
			Payload:       e.Payload,
			Timestamp:     e.Timestamp,
			Severity:      e.Severity,
		}
		if _, err := o.Audit.Append(rec); err != nil {
			log.Error().Err(err).Str("event_type", e.Type).Msg("audit.append.failed")
		}
	})

	incDir := o.Cfg.LogDir + "/incidents"
	incLog, err := incident.Open(incDir)
	if err != nil {
		return errs.New(errs.KindConfiguration, fmt.Errorf("boot: open incident log: %w", err))
	}
	incLog.SetClock(o.clock)
	o.Incidents = incLog
	o.Gate = governance.NewGatekeeper(o.Pub, o.clock)
	sweepEvery := time.Second
	if o.Cfg.GovernanceApprovalMs > 0 {
		ttl := time.Duration(o.Cfg.GovernanceApprovalMs) * time.Millisecond
		o.Gate.SetApprovalTTL(ttl)
		if ttl/10 < sweepEvery {
			sweepEvery = ttl / 10
		}
		if sweepEvery <= 0 {
			sweepEvery = time.Millisecond
		}
	}
	o.startApprovalSweeper(sweepEvery)
	return nil
}

// startApprovalSweeper polls pending governance approvals for expiry so a
// never-resolved user_approval/admin_approval decision is forced to deny
// once its ExpiresAt passes (spec.md §4.4, scenario S2).
func (o *Orchestrator) startApprovalSweeper(every time.Duration) {
	sweepCtx, cancel := context.WithCancel(context.Background())
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				o.Gate.SweepExpired()
			}
		}
	}()
	o.onStop(cancel)
}

func (o *Orchestrator) phaseGuardian(ctx context.Context) error {
	port, err := guardian.AllocatePort()
	if err != nil {
		return fmt.Errorf("boot: guardian boot-gate: %w", err)
	}
	o.BootGatePort = port

	o.Watchdog = guardian.NewWatchdog(o.Pub, port, "")
	if o.Cfg.GuardianScanInterval > 0 {
		o.Watchdog = o.Watchdog.WithInterval(o.Cfg.GuardianScanInterval)
	}
	return nil
}

func (o *Orchestrator) phaseKernelRegistry(ctx context.Context) error {
	o.Kernels = kernel.New()

	if dk, err := kernel.NewDockerKernel("1.0.0"); err != nil {
		log.Warn().Err(err).Msg("kernel: docker kernel unavailable, skipping")
	} else {
		o.Kernels.Register(dk.Descriptor(), dk.Handle, dk.Probe)
	}

	if kk, err := kernel.NewKubernetesKernel("1.0.0"); err != nil {
		log.Warn().Err(err).Msg("kernel: kubernetes kernel unavailable, skipping")
	} else {
		o.Kernels.Register(kk.Descriptor(), kk.Handle, kk.Probe)
	}

	return nil
}

func (o *Orchestrator) phaseTriggerMeshPlaybooks(ctx context.Context) error {
	o.Playbooks = playbook.New()
	for _, pb := range playbook.Builtin() {
		if err := o.Playbooks.Register(pb); err != nil {
			return fmt.Errorf("boot: register builtin playbook %s: %w", pb.ID, err)
		}
	}

	catalog := o.Cfg.LogDir + "/playbooks/catalog.yaml"
	if err := o.Playbooks.LoadFile(catalog); err != nil {
		log.Debug().Err(err).Str("path", catalog).Msg("playbook: no operator catalog file, using builtins only")
	}

	o.Mesh = triggermesh.New(o.Playbooks, o.Pub)
	o.Mesh.Start(o.Bus)
	o.onStop(func() { o.Mesh.Stop(o.Bus) })
	return nil
}

func (o *Orchestrator) phaseHTMScheduler(ctx context.Context) error {
	if o.Cfg.HTMMaxWorkers <= 0 {
		return errs.New(errs.KindFatal, fmt.Errorf("boot: HTM_MAX_WORKERS must be positive"))
	}
	o.Scheduler = htm.NewScheduler(o.Cfg.HTMMaxWorkers, o.Pub)
	o.Scheduler.SetClock(o.clock)

	schedCtx, cancel := context.WithCancel(context.Background())
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.Scheduler.Run(schedCtx)
	}()
	o.onStop(cancel)
	return nil
}

func (o *Orchestrator) phaseHealingOrchestrator(ctx context.Context) error {
	o.Healing = healing.NewOrchestrator(o.Incidents, o.Playbooks, o.Gate, o.Scheduler, o.Kernels, o.Pub, nil)
	o.Healing.Start(o.Bus)

	o.Direct = guardian.NewDirectExecutor(o.Playbooks, o.Gate, o.Pub, o.kernelAction, o.kernelVerify)
	o.Healer = healer.New(o.Watchdog, o.Direct, o.Healing).WithIncidents(o.Incidents)

	// guardian.issue.detected is published by the watchdog itself;
	// bridging it to the Healer here (rather than inside the healer
	// package) keeps Healer's own dependency on the bus optional.
	o.Bus.Subscribe("guardian.issue.detected", func(e bus.Event) {
		category, _ := e.Payload["category"].(string)
		if category == "" {
			return
		}
		detail := map[string]interface{}{"event_id": e.ID}
		for k, v := range e.Payload {
			detail[k] = v
		}
		o.Healer.HandleDetection(context.Background(), category, detail)
	})

	watchdogCtx, cancel := context.WithCancel(context.Background())
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.Healer.Run(watchdogCtx)
	}()
	o.onStop(cancel)
	return nil
}

func (o *Orchestrator) phaseMetaLoop(ctx context.Context) error {
	dataDir := o.Cfg.LogDir + "/config/revisions"
	ml := metaloop.New(o.Incidents, o.Gate, o.Pub, o.Cfg.MetaLoopInterval, dataDir)
	ml.SetClock(o.clock)
	o.MetaLoop = ml
	o.Healing.SetStatsProvider(ml)

	loopCtx, cancel := context.WithCancel(context.Background())
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ml.Run(loopCtx)
	}()
	o.onStop(cancel)
	return nil
}

// kernelAction adapts the Kernel Registry's intent routing to
// guardian.DirectExecutor's playbook.ActionFunc shape.
func (o *Orchestrator) kernelAction(ctx context.Context, action string, inputs map[string]interface{}) (interface{}, error) {
	h, _, err := o.Kernels.Route(action, false)
	if err != nil {
		return nil, err
	}
	return h(ctx, action, inputs)
}

// kernelVerify adapts the Kernel Registry's intent routing to
// playbook.VerifyFunc, interpreting a boolean or truthy result the same
// way healing.Orchestrator's interpretVerification does.
func (o *Orchestrator) kernelVerify(ctx context.Context, predicate string, result interface{}) (bool, error) {
	h, _, err := o.Kernels.Route(predicate, false)
	if err != nil {
		return false, err
	}
	out, err := h(ctx, predicate, map[string]interface{}{"result": result})
	if err != nil {
		return false, err
	}
	if b, ok := out.(bool); ok {
		return b, nil
	}
	return out != nil, nil
}
