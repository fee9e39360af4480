// Package bus implements the in-process event bus (C2): typed pub/sub with
// at-least-once delivery, a bounded queue per subscriber, and one delivery
// goroutine per subscriber.
package bus

import (
	"time"

	"github.com/aaron031291/grace-controlplane/internal/control/eventtypes"
)

// Event is the value object carried on the bus. Once published it is
// immutable (spec.md §3).
type Event struct {
	ID            string
	Type          string
	Source        string
	CorrelationID string
	Payload       map[string]interface{}
	Timestamp     time.Time
	Severity      eventtypes.Severity
}

// Handler processes a delivered Event. Handlers must be idempotent on
// Event.ID since delivery is at-least-once (spec.md §3, §8 property 5).
type Handler func(Event)

// Subscription identifies a registered handler for later Unsubscribe.
type Subscription struct {
	id      uint64
	pattern string
}
