package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// jsonlStore is the single-writer, append-only persistence layer for the
// audit chain. Readers may snapshot (spec.md §5 "Audit Log: single writer").
type jsonlStore struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
}

func newJSONLStore(path string) (*jsonlStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	return &jsonlStore{path: path, f: f, w: bufio.NewWriter(f)}, nil
}

// Append writes rec as a single JSONL line and flushes the buffer; it does
// not fsync (spec.md §5's "audit fsync (batched)" suspension point — the
// caller decides sync cadence via Sync()).
func (s *jsonlStore) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: marshal record: %w", err)
	}
	b = append(b, '\n')
	if _, err := s.w.Write(b); err != nil {
		return fmt.Errorf("audit: write record: %w", err)
	}
	return s.w.Flush()
}

// Sync fsyncs the underlying file.
func (s *jsonlStore) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Sync()
}

// Close flushes and closes the log file.
func (s *jsonlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.f.Close()
}

// ReadAll loads every record currently on disk, in append order. Used at
// boot to verify the chain and to rebuild the SQLite index if it's stale.
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return records, fmt.Errorf("audit: corrupt line: %w", err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("audit: scan log: %w", err)
	}
	return records, nil
}

// VerifyChain re-hashes every record in records and reports the index of
// the first break, or -1 if the chain is intact (spec.md §8 property 1).
func VerifyChain(signer *Signer, records []Record) int {
	prev := ""
	for i, rec := range records {
		if rec.PrevHash != prev {
			return i
		}
		want := signer.HashChain(rec.PrevHash, rec.Event)
		if want != rec.ThisHash {
			return i
		}
		prev = rec.ThisHash
	}
	return -1
}
