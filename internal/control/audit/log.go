package audit

import (
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/aaron031291/grace-controlplane/internal/control/eventtypes"
)

func severityFromString(s string) eventtypes.Severity {
	switch eventtypes.Severity(s) {
	case eventtypes.SeverityDebug, eventtypes.SeverityInfo, eventtypes.SeverityWarn,
		eventtypes.SeverityError, eventtypes.SeverityCritical:
		return eventtypes.Severity(s)
	default:
		return eventtypes.SeverityInfo
	}
}

var (
	metricRecordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grace_audit_records_total",
		Help: "Total audit records appended to the chain.",
	})
	metricChainBroken = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "grace_audit_chain_broken",
		Help: "1 if the audit chain has been detected as tampered, 0 otherwise.",
	})
)

func init() {
	prometheus.MustRegister(metricRecordsTotal, metricChainBroken)
}

// Log is the single writer of the immutable audit chain (C1). It owns
// appending to the JSONL file, signing each record, maintaining the SQLite
// query index, and raising the degraded "chain broken" flag on tamper
// detection (spec.md §4.10, §7).
type Log struct {
	mu       sync.Mutex
	store    *jsonlStore
	index    *sqliteIndex
	signer   *Signer
	lastHash string
	degraded bool
}

// Open loads (or creates) the audit log rooted at dir, verifying the
// existing chain. If verification fails, Open still returns a usable Log
// (writes continue per spec.md §7) but Degraded() reports true — the
// boot orchestrator is responsible for turning that into exit code 4
// unless ALLOW_DEGRADED_START=true.
func Open(dir string) (*Log, error) {
	signer, err := NewSigner(dir)
	if err != nil {
		return nil, err
	}
	store, err := newJSONLStore(logPath(dir))
	if err != nil {
		return nil, err
	}
	index, err := newSQLiteIndex(dir)
	if err != nil {
		store.Close()
		return nil, err
	}

	l := &Log{store: store, index: index, signer: signer}

	records, err := ReadAll(logPath(dir))
	if err != nil {
		log.Error().Err(err).Msg("audit: failed to read existing chain")
		l.degraded = true
		metricChainBroken.Set(1)
		return l, nil
	}

	if broken := VerifyChain(signer, records); broken >= 0 {
		log.Error().Int("record_index", broken).Msg("audit.chain.broken")
		l.degraded = true
		metricChainBroken.Set(1)
	}
	if len(records) > 0 {
		l.lastHash = records[len(records)-1].ThisHash
	}
	for _, rec := range records {
		if err := index.Index(rec); err != nil {
			log.Warn().Err(err).Msg("audit: failed to rebuild index entry")
		}
	}
	return l, nil
}

func logPath(dir string) string {
	return dir + "/immutable_audit.jsonl"
}

// Degraded reports whether the chain failed verification at open time.
func (l *Log) Degraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.degraded
}

// Append records event, computing the chain hash over the previous record.
// Appending never blocks on anything but the local write and buffer flush;
// fsync happens only through the store's Sync (spec.md §5).
func (l *Log) Append(event Event) (Record, error) {
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := Record{
		Event:    event,
		PrevHash: l.lastHash,
		Signer:   "audit",
	}
	rec.ThisHash = l.signer.HashChain(rec.PrevHash, event)
	rec.Signature = l.signer.Sign(event)

	if err := l.store.Append(rec); err != nil {
		return Record{}, fmt.Errorf("audit: append: %w", err)
	}
	if err := l.index.Index(rec); err != nil {
		log.Warn().Err(err).Msg("audit: failed to update query index")
	}
	l.lastHash = rec.ThisHash
	metricRecordsTotal.Inc()
	return rec, nil
}

// Query answers filtered reads from the side index.
func (l *Log) Query(filter QueryFilter) ([]Event, error) {
	return l.index.Query(filter)
}

// Count answers filtered counts from the side index.
func (l *Log) Count(filter QueryFilter) (int, error) {
	return l.index.Count(filter)
}

// Sync forces an fsync of the underlying JSONL file.
func (l *Log) Sync() error {
	return l.store.Sync()
}

// Close releases the log's file handles.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.index.Close(); err != nil {
		log.Warn().Err(err).Msg("audit: failed to close sqlite index")
	}
	return l.store.Close()
}
