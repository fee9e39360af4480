package guardian

import (
	"context"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"

	"github.com/aaron031291/grace-controlplane/internal/control/eventtypes"
	"github.com/aaron031291/grace-controlplane/internal/control/publisher"
)

const defaultScanInterval = 30 * time.Second

// Watchdog runs the eight periodic scanners and publishes
// guardian.issue.detected{category} for each finding (spec.md §4.2).
type Watchdog struct {
	pub      *publisher.Publisher
	interval time.Duration
	flapDet  *InterfaceFlapDetector
	resolver *dnscache.Resolver
	ownPort  int
	probeDNS string
}

// NewWatchdog returns a Watchdog publishing detections through pub.
// ownPort is the port AllocatePort returned at boot (used by
// ScanPortConflict); probeDNSHost is a known-good hostname probed for
// DNS health (defaults to a well-known resolver target if empty).
func NewWatchdog(pub *publisher.Publisher, ownPort int, probeDNSHost string) *Watchdog {
	if probeDNSHost == "" {
		probeDNSHost = "cloudflare.com"
	}
	return &Watchdog{
		pub:      pub,
		interval: defaultScanInterval,
		flapDet:  NewInterfaceFlapDetector(),
		resolver: &dnscache.Resolver{},
		ownPort:  ownPort,
		probeDNS: probeDNSHost,
	}
}

// WithInterval overrides the default 30s scan period (spec.md §4.2,
// "periodic, default 30 s").
func (w *Watchdog) WithInterval(d time.Duration) *Watchdog {
	w.interval = d
	return w
}

// Run scans once per tick until ctx is cancelled. Intended to be run in
// its own goroutine by the boot orchestrator.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ScanOnce()
		}
	}
}

// ScanOnce runs every scanner a single time, publishing a
// guardian.issue.detected event per finding. Scanner errors are logged
// and skipped rather than aborting the remaining scans.
func (w *Watchdog) ScanOnce() {
	type scan struct {
		name string
		fn   func() ([]Issue, error)
	}
	scans := []scan{
		{"port_conflict", func() ([]Issue, error) { return ScanPortConflict(w.ownPort) }},
		{"time_wait_buildup", ScanTimeWaitBuildup},
		{"ephemeral_port_exhaustion", ScanEphemeralPortExhaustion},
		{"zombie_process", ScanZombieProcesses},
		{"close_wait_leak", ScanCloseWaitLeak},
		{"fd_pressure", ScanFileDescriptorPressure},
		{"interface_flap", w.flapDet.Scan},
		{"dns_resolution", func() ([]Issue, error) { return ScanDNSResolution(w.resolver, w.probeDNS) }},
	}

	for _, s := range scans {
		issues, err := s.fn()
		if err != nil {
			log.Warn().Err(err).Str("scanner", s.name).Msg("guardian.scan.error")
			continue
		}
		for _, issue := range issues {
			w.publish(issue)
		}
	}
}

func (w *Watchdog) publish(issue Issue) {
	payload := map[string]interface{}{"category": string(issue.Category)}
	for k, v := range issue.Detail {
		payload[k] = v
	}
	w.pub.Publish("guardian.issue.detected", payload, "guardian", "", eventtypes.SeverityWarn)
}
