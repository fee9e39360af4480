package guardian

import (
	"context"
	"os"
	"time"

	"github.com/rs/dnscache"
	gopsnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

const (
	timeWaitThreshold     = 2000
	closeWaitThreshold    = 500
	fdPressureRatioAlert  = 0.9
	ephemeralLowWatermark = 1000
)

// ScanPortConflict reports whether the control plane's own allocated
// port is still bound to it, catching the case where another process
// grabbed the port out from under a running instance (e.g. after a crash
// and fast restart raced a competing service).
func ScanPortConflict(ownPort int) ([]Issue, error) {
	if portFree(ownPort) {
		// Nothing is listening at all — not a conflict, just idle;
		// the caller is responsible for re-binding if it owns the port.
		return nil, nil
	}
	conns, err := gopsnet.Connections("tcp")
	if err != nil {
		return nil, err
	}
	ownPID := int32(os.Getpid())
	for _, c := range conns {
		if int(c.Laddr.Port) == ownPort && c.Pid != ownPID && c.Pid != 0 {
			return []Issue{{Category: CategoryPortConflict, Detail: map[string]interface{}{
				"port": ownPort, "holder_pid": c.Pid,
			}}}, nil
		}
	}
	return nil, nil
}

// ScanTimeWaitBuildup counts TCP connections in TIME_WAIT across the
// host. Uses gopsutil's connection table rather than shelling out to ss
// or netstat, mirroring the teacher's own host-metrics collection style
// (cmd/pulse-agent/main.go uses gopsutil for host facts).
func ScanTimeWaitBuildup() ([]Issue, error) {
	conns, err := gopsnet.Connections("tcp")
	if err != nil {
		return nil, err
	}
	count := 0
	for _, c := range conns {
		if c.Status == "TIME_WAIT" {
			count++
		}
	}
	if count < timeWaitThreshold {
		return nil, nil
	}
	return []Issue{{Category: CategoryTimeWaitBuildup, Detail: map[string]interface{}{"count": count}}}, nil
}

// ScanCloseWaitLeak counts connections stuck in CLOSE_WAIT, which
// indicates an application failing to close its end of a socket.
func ScanCloseWaitLeak() ([]Issue, error) {
	conns, err := gopsnet.Connections("tcp")
	if err != nil {
		return nil, err
	}
	count := 0
	for _, c := range conns {
		if c.Status == "CLOSE_WAIT" {
			count++
		}
	}
	if count < closeWaitThreshold {
		return nil, nil
	}
	return []Issue{{Category: CategoryCloseWaitLeak, Detail: map[string]interface{}{"count": count}}}, nil
}

// ScanEphemeralPortExhaustion estimates remaining ephemeral ports by
// counting every TCP connection in the host's table, whatever its
// state, against the default ephemeral range size.
func ScanEphemeralPortExhaustion() ([]Issue, error) {
	conns, err := gopsnet.Connections("tcp")
	if err != nil {
		return nil, err
	}
	used := len(conns)
	remaining := 28232 - used // default net.ipv4.ip_local_port_range span (32768-60999)
	if remaining > ephemeralLowWatermark {
		return nil, nil
	}
	return []Issue{{Category: CategoryEphemeralExhaustion, Detail: map[string]interface{}{"remaining_estimate": remaining}}}, nil
}

// ScanZombieProcesses finds processes in zombie state via gopsutil's
// process snapshot.
func ScanZombieProcesses() ([]Issue, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}
	var issues []Issue
	for _, p := range procs {
		status, err := p.Status()
		if err != nil {
			continue
		}
		for _, s := range status {
			if s == "Z" || s == "zombie" {
				issues = append(issues, Issue{
					Category: CategoryZombieProcess,
					Detail:   map[string]interface{}{"pid": p.Pid},
				})
				break
			}
		}
	}
	return issues, nil
}

// ScanFileDescriptorPressure compares open file descriptors for the
// control plane's own process against its rlimit.
func ScanFileDescriptorPressure() ([]Issue, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	rlimits, err := p.RlimitUsage(true)
	if err != nil {
		return nil, err
	}
	for _, r := range rlimits {
		if r.Resource != process.RLIMIT_NOFILE {
			continue
		}
		if r.Soft == 0 {
			continue
		}
		ratio := float64(r.Used) / float64(r.Soft)
		if ratio >= fdPressureRatioAlert {
			return []Issue{{Category: CategoryFileDescriptorPressure, Detail: map[string]interface{}{
				"used": r.Used, "soft_limit": r.Soft, "ratio": ratio,
			}}}, nil
		}
	}
	return nil, nil
}

// InterfaceFlapDetector compares the current interface set against the
// previous scan's set, reporting any interface that went down or
// disappeared. Stateful across calls, so it is a method on a small
// tracker rather than a free function like the others.
type InterfaceFlapDetector struct {
	lastUp map[string]bool
}

// NewInterfaceFlapDetector returns a detector with no prior baseline; its
// first Scan never reports flaps (nothing to compare against yet).
func NewInterfaceFlapDetector() *InterfaceFlapDetector {
	return &InterfaceFlapDetector{lastUp: make(map[string]bool)}
}

func (d *InterfaceFlapDetector) Scan() ([]Issue, error) {
	ifaces, err := gopsnet.Interfaces()
	if err != nil {
		return nil, err
	}
	var issues []Issue
	current := make(map[string]bool, len(ifaces))
	for _, iface := range ifaces {
		up := containsFlag(iface.Flags, "up")
		current[iface.Name] = up
		if wasUp, tracked := d.lastUp[iface.Name]; tracked && wasUp && !up {
			issues = append(issues, Issue{Category: CategoryInterfaceFlap, Detail: map[string]interface{}{"interface": iface.Name}})
		}
	}
	d.lastUp = current
	return issues, nil
}

func containsFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

// ScanDNSResolution checks that a known-good hostname still resolves,
// using the same dnscache.Resolver the rest of the control plane's
// outbound HTTP clients share (so a DNS scan failure reflects what
// production traffic would actually see).
func ScanDNSResolution(resolver *dnscache.Resolver, probeHost string) ([]Issue, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := resolver.LookupHost(ctx, probeHost)
	if err != nil {
		return []Issue{{Category: CategoryDNSResolution, Detail: map[string]interface{}{"host": probeHost, "error": err.Error()}}}, nil
	}
	return nil, nil
}
