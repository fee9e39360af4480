package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteIndex is a queryable side index over the JSONL chain, grounded on
// pkg/audit/sqlite_factory_test.go and sqlite_logger_test.go's
// Log/Query/Count contract. The JSONL file remains the single source of
// truth (spec.md §6); this index exists purely to answer Query/Count
// without re-scanning the file on every call.
type sqliteIndex struct {
	db *sql.DB
}

func newSQLiteIndex(dir string) (*sqliteIndex, error) {
	dbPath := filepath.Join(dir, "audit_index.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite index: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	const schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	source TEXT NOT NULL,
	correlation_id TEXT,
	payload TEXT,
	ts TEXT NOT NULL,
	severity TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	this_hash TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_type ON audit_records(type);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_records(ts);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}
	return &sqliteIndex{db: db}, nil
}

func (s *sqliteIndex) Close() error {
	return s.db.Close()
}

func (s *sqliteIndex) Index(rec Record) error {
	var payload string
	if rec.Event.Payload != nil {
		b, err := json.Marshal(rec.Event.Payload)
		if err == nil {
			payload = string(b)
		}
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO audit_records
		 (id, type, source, correlation_id, payload, ts, severity, prev_hash, this_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Event.ID, rec.Event.Type, rec.Event.Source, rec.Event.CorrelationID,
		payload, rec.Event.Timestamp.UTC().Format(time.RFC3339Nano), string(rec.Event.Severity),
		rec.PrevHash, rec.ThisHash,
	)
	return err
}

func (s *sqliteIndex) Query(filter QueryFilter) ([]Event, error) {
	var clauses []string
	var args []interface{}

	if filter.ID != "" {
		clauses = append(clauses, "id = ?")
		args = append(args, filter.ID)
	}
	if filter.Type != "" {
		clauses = append(clauses, "type LIKE ?")
		args = append(args, filter.Type+"%")
	}
	if filter.Source != "" {
		clauses = append(clauses, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.CorrelationID != "" {
		clauses = append(clauses, "correlation_id = ?")
		args = append(args, filter.CorrelationID)
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "ts >= ?")
		args = append(args, filter.Since.UTC().Format(time.RFC3339Nano))
	}
	if !filter.Until.IsZero() {
		clauses = append(clauses, "ts <= ?")
		args = append(args, filter.Until.UTC().Format(time.RFC3339Nano))
	}

	query := "SELECT id, type, source, correlation_id, payload, ts, severity FROM audit_records"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY ts ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query index: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var corrID, payload, sev, ts string
		if err := rows.Scan(&e.ID, &e.Type, &e.Source, &corrID, &payload, &ts, &sev); err != nil {
			return nil, fmt.Errorf("audit: scan row: %w", err)
		}
		e.CorrelationID = corrID
		e.Severity = severityFromString(sev)
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = t
		}
		if payload != "" {
			_ = json.Unmarshal([]byte(payload), &e.Payload)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *sqliteIndex) Count(filter QueryFilter) (int, error) {
	events, err := s.Query(filter)
	if err != nil {
		return 0, err
	}
	return len(events), nil
}
