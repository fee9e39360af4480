// Package guardian implements the Guardian (C8): a boot-gate (synchronous
// port allocation) and a watchdog (periodic scan of eight issue
// categories), running before any other component depends on network
// state.
package guardian

// Category is one of the eight watchdog scan categories (spec.md §4.2).
type Category string

const (
	CategoryPortConflict         Category = "port_conflict"
	CategoryTimeWaitBuildup      Category = "time_wait_buildup"
	CategoryEphemeralExhaustion  Category = "ephemeral_port_exhaustion"
	CategoryZombieProcess        Category = "zombie_process"
	CategoryCloseWaitLeak        Category = "close_wait_leak"
	CategoryFileDescriptorPressure Category = "fd_pressure"
	CategoryInterfaceFlap        Category = "interface_flap"
	CategoryDNSResolution        Category = "dns_resolution"
)

// Issue is one detection surfaced by a watchdog scan.
type Issue struct {
	Category Category
	Detail   map[string]interface{}
}

// Scanner probes one category and reports any issues found. Implementing
// as small, independently testable functions keeps each category's
// /proc or syscall dependency isolated (spec.md §4.2 names eight
// categories; not every host surface needs every scanner wired at once).
type Scanner func() ([]Issue, error)
