package incident

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// jsonlRecord is the on-disk shape of one Record line.
type jsonlRecord struct {
	IncidentID    string    `json:"incident_id"`
	Status        Status    `json:"status"`
	DetectedAt    time.Time `json:"detected_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	FailureMode   string    `json:"failure_mode"`
	Severity      string    `json:"severity"`
	ActionsTaken  []string  `json:"actions_taken,omitempty"`
	MTTRSeconds   *float64  `json:"mttr_seconds,omitempty"`
	PlaybookID    string    `json:"playbook_id,omitempty"`
	RelatedEvents []string  `json:"related_events,omitempty"`
}

func toRecord(jr jsonlRecord) Record {
	return Record{
		IncidentID: jr.IncidentID, Status: jr.Status, DetectedAt: jr.DetectedAt,
		ResolvedAt: jr.ResolvedAt, FailureMode: jr.FailureMode, Severity: jr.Severity,
		ActionsTaken: jr.ActionsTaken, MTTRSeconds: jr.MTTRSeconds, PlaybookID: jr.PlaybookID,
		RelatedEvents: jr.RelatedEvents,
	}
}

func fromRecord(r Record) jsonlRecord {
	return jsonlRecord{
		IncidentID: r.IncidentID, Status: r.Status, DetectedAt: r.DetectedAt,
		ResolvedAt: r.ResolvedAt, FailureMode: r.FailureMode, Severity: r.Severity,
		ActionsTaken: r.ActionsTaken, MTTRSeconds: r.MTTRSeconds, PlaybookID: r.PlaybookID,
		RelatedEvents: r.RelatedEvents,
	}
}

// Log is the C10 component: an append-update JSONL file plus a SQLite
// side index for fast current-status queries, mirroring the Audit Log's
// storage shape (C1) but without hash chaining — incident records fold
// by id rather than verify by chain (spec.md §4.10).
type Log struct {
	mu    sync.Mutex
	f     *os.File
	w     *bufio.Writer
	path  string
	index *sqliteIndex
	clock func() time.Time
}

// Open creates or appends to the incident log rooted at dir.
func Open(dir string) (*Log, error) {
	path := dir + "/incidents.jsonl"
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("incident: open log: %w", err)
	}
	index, err := newSQLiteIndex(dir)
	if err != nil {
		f.Close()
		return nil, err
	}
	l := &Log{f: f, w: bufio.NewWriter(f), path: path, index: index, clock: time.Now}

	existing, err := readAll(path)
	if err != nil {
		f.Close()
		return nil, err
	}
	for _, r := range existing {
		if err := index.Index(r); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// SetClock overrides the time source (CI_MODE determinism).
func (l *Log) SetClock(clock func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock = clock
}

func readAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("incident: read log: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var jr jsonlRecord
		if err := json.Unmarshal(line, &jr); err != nil {
			return nil, fmt.Errorf("incident: decode record: %w", err)
		}
		records = append(records, toRecord(jr))
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, err
	}
	return records, nil
}

// recordsFor returns every record sharing incidentID, in append order.
func (l *Log) recordsFor(incidentID string) ([]Record, error) {
	all, err := readAll(l.path)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, r := range all {
		if r.IncidentID == incidentID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Current returns the folded, current-state view of incidentID.
func (l *Log) Current(incidentID string) (Incident, error) {
	records, err := l.recordsFor(incidentID)
	if err != nil {
		return Incident{}, err
	}
	if len(records) == 0 {
		return Incident{}, fmt.Errorf("incident: unknown incident id %q", incidentID)
	}
	return Fold(records), nil
}

// Detect appends the initial detection record for a new incident,
// returning the generated incident id (spec.md §4.10, "incidents are
// initially appended as detected").
func (l *Log) Detect(failureMode, severity string, relatedEvents []string) (string, error) {
	l.mu.Lock()
	clock := l.clock
	l.mu.Unlock()

	id := uuid.NewString()
	rec := Record{
		IncidentID:    id,
		Status:        StatusDetected,
		DetectedAt:    clock(),
		FailureMode:   failureMode,
		Severity:      severity,
		RelatedEvents: relatedEvents,
	}
	return id, l.append(rec)
}

// Transition appends a status-change record for an existing incident. A
// terminal status (resolved/failed/escalated) computes and stores MTTR
// against the incident's earliest detected_at (spec.md §3 invariant,
// "mttr set exactly on transition to resolved"; generalized here to every
// terminal status so failed/escalated incidents carry a duration too).
// An incident already in a terminal status is never changed: Transition
// returns an error instead of appending.
func (l *Log) Transition(incidentID string, status Status, actionsTaken []string, playbookID string) error {
	l.mu.Lock()
	clock := l.clock
	l.mu.Unlock()

	existing, err := l.recordsFor(incidentID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		if cur := Fold(existing); cur.Status.IsTerminal() {
			return fmt.Errorf("incident: %q is already %s", incidentID, cur.Status)
		}
	}

	rec := Record{
		IncidentID:   incidentID,
		Status:       status,
		ActionsTaken: actionsTaken,
		PlaybookID:   playbookID,
	}
	if status.IsTerminal() {
		t := clock()
		rec.ResolvedAt = &t
		detected, err := l.detectedAt(incidentID)
		if err != nil {
			return err
		}
		mttr := ComputeMTTR(detected, t)
		rec.MTTRSeconds = &mttr
	}
	return l.append(rec)
}

func (l *Log) detectedAt(incidentID string) (time.Time, error) {
	records, err := l.recordsFor(incidentID)
	if err != nil {
		return time.Time{}, err
	}
	if len(records) == 0 {
		return time.Time{}, fmt.Errorf("incident: unknown incident id %q", incidentID)
	}
	return records[0].DetectedAt, nil
}

func (l *Log) append(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(fromRecord(rec))
	if err != nil {
		return fmt.Errorf("incident: marshal: %w", err)
	}
	if _, err := l.w.Write(data); err != nil {
		return fmt.Errorf("incident: write: %w", err)
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("incident: flush: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("incident: sync: %w", err)
	}
	return l.index.Index(rec)
}

// Query delegates to the SQLite side index.
func (l *Log) Query(filter QueryFilter) ([]Incident, error) {
	return l.index.Query(filter)
}

// Close releases the log's file handles.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.index.Close(); err != nil {
		return err
	}
	return l.f.Close()
}
