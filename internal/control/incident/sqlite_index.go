package incident

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// QueryFilter narrows Query results. Status and FailureMode are exact
// matches; zero values mean "don't filter on this field".
type QueryFilter struct {
	Status      Status
	FailureMode string
	Limit       int
}

// sqliteIndex is the side index over folded, current-state incidents,
// upserted one record at a time as the JSONL log grows. Grounded on the
// Audit Log's sqlite side-index shape (C1's sqlite_index.go), adapted
// here to fold-on-write instead of append-only indexing since readers
// need current status, not history.
type sqliteIndex struct {
	db *sql.DB
}

func newSQLiteIndex(dir string) (*sqliteIndex, error) {
	db, err := sql.Open("sqlite", dir+"/incidents_index.db")
	if err != nil {
		return nil, fmt.Errorf("incident: open sqlite index: %w", err)
	}
	db.SetMaxOpenConns(1)
	schema := `
CREATE TABLE IF NOT EXISTS incidents (
	incident_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	detected_at TEXT NOT NULL,
	resolved_at TEXT,
	failure_mode TEXT,
	severity TEXT,
	actions_taken TEXT,
	related_events TEXT,
	mttr_seconds REAL,
	playbook_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status);
CREATE INDEX IF NOT EXISTS idx_incidents_failure_mode ON incidents(failure_mode);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("incident: create schema: %w", err)
	}
	return &sqliteIndex{db: db}, nil
}

func (s *sqliteIndex) Close() error {
	return s.db.Close()
}

// Index folds rec into the current row for its incident id, inserting a
// new row if this is the first record seen for that id.
func (s *sqliteIndex) Index(rec Record) error {
	existing, found, err := s.get(rec.IncidentID)
	if err != nil {
		return err
	}

	var folded Incident
	if !found {
		folded = Incident{
			IncidentID:    rec.IncidentID,
			DetectedAt:    rec.DetectedAt,
			Status:        rec.Status,
			FailureMode:   rec.FailureMode,
			Severity:      rec.Severity,
			ActionsTaken:  append([]string{}, rec.ActionsTaken...),
			RelatedEvents: append([]string{}, rec.RelatedEvents...),
			PlaybookID:    rec.PlaybookID,
			ResolvedAt:    rec.ResolvedAt,
			MTTRSeconds:   rec.MTTRSeconds,
		}
	} else {
		folded = existing
		folded.Status = rec.Status
		folded.ActionsTaken = append(folded.ActionsTaken, rec.ActionsTaken...)
		folded.RelatedEvents = append(folded.RelatedEvents, rec.RelatedEvents...)
		if rec.PlaybookID != "" {
			folded.PlaybookID = rec.PlaybookID
		}
		if rec.Status.IsTerminal() {
			folded.ResolvedAt = rec.ResolvedAt
			folded.MTTRSeconds = rec.MTTRSeconds
		}
	}

	actionsJSON, _ := json.Marshal(folded.ActionsTaken)
	relatedJSON, _ := json.Marshal(folded.RelatedEvents)

	_, err = s.db.Exec(`
INSERT INTO incidents (incident_id, status, detected_at, resolved_at, failure_mode, severity, actions_taken, related_events, mttr_seconds, playbook_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(incident_id) DO UPDATE SET
	status=excluded.status, resolved_at=excluded.resolved_at, actions_taken=excluded.actions_taken,
	related_events=excluded.related_events, mttr_seconds=excluded.mttr_seconds, playbook_id=excluded.playbook_id
`,
		folded.IncidentID, string(folded.Status), folded.DetectedAt.Format(time.RFC3339Nano),
		nullableTime(folded.ResolvedAt), folded.FailureMode, folded.Severity,
		string(actionsJSON), string(relatedJSON), folded.MTTRSeconds, folded.PlaybookID,
	)
	if err != nil {
		return fmt.Errorf("incident: upsert index: %w", err)
	}
	return nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func (s *sqliteIndex) get(incidentID string) (Incident, bool, error) {
	row := s.db.QueryRow(`SELECT incident_id, status, detected_at, resolved_at, failure_mode, severity, actions_taken, related_events, mttr_seconds, playbook_id FROM incidents WHERE incident_id = ?`, incidentID)
	inc, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return Incident{}, false, nil
	}
	if err != nil {
		return Incident{}, false, err
	}
	return inc, true, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIncident(row rowScanner) (Incident, error) {
	var (
		id, status, detectedAt, failureMode, severity, actionsJSON, relatedJSON, playbookID string
		resolvedAt sql.NullString
		mttr       sql.NullFloat64
	)
	if err := row.Scan(&id, &status, &detectedAt, &resolvedAt, &failureMode, &severity, &actionsJSON, &relatedJSON, &mttr, &playbookID); err != nil {
		return Incident{}, err
	}
	inc := Incident{
		IncidentID:  id,
		Status:      Status(status),
		FailureMode: failureMode,
		Severity:    severity,
		PlaybookID:  playbookID,
	}
	if t, err := time.Parse(time.RFC3339Nano, detectedAt); err == nil {
		inc.DetectedAt = t
	}
	if resolvedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, resolvedAt.String); err == nil {
			inc.ResolvedAt = &t
		}
	}
	if mttr.Valid {
		v := mttr.Float64
		inc.MTTRSeconds = &v
	}
	_ = json.Unmarshal([]byte(actionsJSON), &inc.ActionsTaken)
	_ = json.Unmarshal([]byte(relatedJSON), &inc.RelatedEvents)
	return inc, nil
}

// Query answers filtered reads over the current-state index.
func (s *sqliteIndex) Query(filter QueryFilter) ([]Incident, error) {
	query := `SELECT incident_id, status, detected_at, resolved_at, failure_mode, severity, actions_taken, related_events, mttr_seconds, playbook_id FROM incidents WHERE 1=1`
	var args []interface{}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.FailureMode != "" {
		query += " AND failure_mode = ?"
		args = append(args, filter.FailureMode)
	}
	query += " ORDER BY detected_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("incident: query index: %w", err)
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}
