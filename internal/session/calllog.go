package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"call-me/internal/domain"
)

// Record is one completed call as written to the call log.
type Record struct {
	SessionID string        `json:"session_id"`
	To        string        `json:"to"`
	From      string        `json:"from"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Machine   string        `json:"machine_result,omitempty"`
	Turns     []domain.Turn `json:"turns"`
}

// RecordOf snapshots a session into a log record.
func RecordOf(s *Session) Record {
	return Record{
		SessionID: s.ID,
		To:        s.To,
		From:      s.From,
		StartedAt: s.StartedAt,
		EndedAt:   time.Now(),
		Machine:   s.MachineResult(),
		Turns:     s.History(),
	}
}

// CallLog persists completed calls as JSON lines, one record per call. This
// is an audit trail, not session state: nothing is read back at runtime and a
// missing file is not an error.
type CallLog struct {
	mu   sync.Mutex
	path string
}

// NewCallLog creates the log directory if needed.
func NewCallLog(dir string) (*CallLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create call log dir: %w", err)
	}
	return &CallLog{path: filepath.Join(dir, "calls.jsonl")}, nil
}

// Append writes one record. Serialized: concurrent session teardowns must not
// interleave lines.
func (l *CallLog) Append(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal call record: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open call log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write call record: %w", err)
	}
	return nil
}

// Load reads all records. Corrupt lines are skipped rather than failing the
// whole read.
func (l *CallLog) Load() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open call log: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read call log: %w", err)
	}
	return records, nil
}
