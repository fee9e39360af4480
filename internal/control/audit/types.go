// Package audit implements the immutable, hash-chained audit log (C1).
//
// Every component publishes audit records through this package's Log type;
// records are append-only JSONL on disk with an HMAC-SHA256 chain hash, and
// a SQLite side index supports fast queries without re-walking the file.
package audit

import (
	"time"

	"github.com/aaron031291/grace-controlplane/internal/control/eventtypes"
)

// Event is the immutable record an audit entry wraps. It mirrors the
// control plane's Event shape (spec.md §3) rather than a single login
// record, generalized from the teacher's pkg/audit.Event.
type Event struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Source        string                 `json:"source"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Severity      eventtypes.Severity    `json:"severity"`
}

// Record is the persisted audit line: the event plus its chain links.
type Record struct {
	Event     Event  `json:"event"`
	PrevHash  string `json:"prev_hash"`
	ThisHash  string `json:"this_hash"`
	Signer    string `json:"signer"`
	Signature string `json:"signature,omitempty"`
}

// QueryFilter narrows Query results. Zero-value selects everything.
type QueryFilter struct {
	ID            string
	Type          string
	Source        string
	CorrelationID string
	Since         time.Time
	Until         time.Time
	Limit         int
}
