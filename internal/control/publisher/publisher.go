// Package publisher implements the Unified Publisher (C3): the single
// entry point every component uses to put an event onto the bus, stamping
// identity and provenance fields so callers never have to.
//
// Grounded on the teacher's package-level convenience-function pattern in
// pkg/audit (a package-level Log wrapping an instance so call sites don't
// thread a logger through every function signature) generalized here to a
// package-level Publisher wrapping a bus.Bus.
package publisher

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/aaron031291/grace-controlplane/internal/control/bus"
	"github.com/aaron031291/grace-controlplane/internal/control/eventtypes"
)

// Publisher stamps and forwards events onto a bus.Bus. It holds no
// business logic: its only job is deriving ID/Timestamp/Severity defaults
// (spec.md §4.2) so every other component gets a uniform event shape.
type Publisher struct {
	bus *bus.Bus
}

// New returns a Publisher fronting b.
func New(b *bus.Bus) *Publisher {
	return &Publisher{bus: b}
}

// Publish stamps and emits an event. correlationID and severity are
// optional: an empty correlationID is left blank (root of a new causal
// chain) and an empty severity defaults to info.
//
// Publish does not check typ against the reserved event-type taxonomy
// (spec.md §3): any type, recognized or not, is emitted unchanged and
// nothing is logged. Rejecting a publish outright would violate the
// non-blocking contract.
func (p *Publisher) Publish(typ string, payload map[string]interface{}, source, correlationID string, severity eventtypes.Severity) string {
	if severity == "" {
		severity = eventtypes.SeverityInfo
	}
	id := ulid.Make().String()
	p.bus.Publish(bus.Event{
		ID:            id,
		Type:          typ,
		Source:        source,
		CorrelationID: correlationID,
		Payload:       payload,
		Timestamp:     now(),
		Severity:      severity,
	})
	return id
}

var nowMu sync.Mutex
var nowFn = time.Now

// now is indirected so tests needing deterministic timestamps can override
// it via SetClock without touching every call site.
func now() time.Time {
	nowMu.Lock()
	defer nowMu.Unlock()
	return nowFn()
}

// SetClock overrides the time source used for Timestamp stamping. Intended
// for CI_MODE determinism (spec.md §9); passing nil restores time.Now.
func SetClock(fn func() time.Time) {
	nowMu.Lock()
	defer nowMu.Unlock()
	if fn == nil {
		nowFn = time.Now
		return
	}
	nowFn = fn
}

// ValidType reports whether typ matches one of the reserved event-type
// prefixes (spec.md §3). Exposed so callers can validate before
// publishing if they want hard failure instead of Publish's passthrough.
func ValidType(typ string) bool {
	return eventtypes.ValidType(typ)
}
