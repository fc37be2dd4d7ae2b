// Package audit is the append-only, time-ordered maintenance trail. Records
// are never mutated after append.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/carebridge/carestore/internal/clock"
	"github.com/carebridge/carestore/internal/kv"
)

// RedactionMarker replaces payload contents in redacted exports. The record
// itself is kept so the event shape survives.
const RedactionMarker = "[REDACTED]"

// Record is one audit entry.
type Record struct {
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Service appends and reads audit records.
type Service struct {
	db    *sql.DB
	clock clock.Clock
}

// New creates the audit table if needed.
func New(store *kv.Store, clk clock.Clock) (*Service, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	s := &Service{db: store.Handle(), clock: clk}
	if _, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS audit_log (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	type TEXT NOT NULL,
	actor TEXT NOT NULL,
	payload TEXT,
	created_at TEXT NOT NULL
)`); err != nil {
		return nil, kv.Categorize("audit_log", err)
	}
	return s, nil
}

// Append adds one record. The payload may be nil.
func (s *Service) Append(ctx context.Context, recordType, actor string, payload any) error {
	var raw []byte
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("audit: marshal payload: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO audit_log(type, actor, payload, created_at) VALUES(?, ?, ?, ?)`,
		recordType, actor, string(raw), s.clock.Now().Format(time.RFC3339Nano))
	if err != nil {
		return kv.Categorize("audit_log", err)
	}
	return nil
}

// Tail returns the n most recent records, most recent first.
func (s *Service) Tail(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, type, actor, payload, created_at
FROM audit_log ORDER BY seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, kv.Categorize("audit_log", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Count returns the number of audit records.
func (s *Service) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM audit_log").Scan(&n); err != nil {
		return 0, kv.Categorize("audit_log", err)
	}
	return n, nil
}

// Export serializes the full log oldest-first as a JSON array. With
// redaction requested, each payload is replaced by the redaction marker —
// the record stays, only its contents are hidden.
func (s *Service) Export(ctx context.Context, redactPayloads bool) ([]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, type, actor, payload, created_at
FROM audit_log ORDER BY seq`)
	if err != nil {
		return nil, kv.Categorize("audit_log", err)
	}
	defer rows.Close()
	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if redactPayloads {
		marker, _ := json.Marshal(RedactionMarker)
		for i := range records {
			if len(records[i].Payload) > 0 {
				records[i].Payload = marker
			}
		}
	}
	if records == nil {
		records = []Record{}
	}
	return json.Marshal(records)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var (
			rec       Record
			payload   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&rec.Seq, &rec.Type, &rec.Actor, &payload, &createdAt); err != nil {
			return nil, kv.Categorize("audit_log", err)
		}
		if payload.Valid && payload.String != "" {
			rec.Payload = json.RawMessage(payload.String)
		}
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			rec.CreatedAt = ts
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, kv.Categorize("audit_log", err)
	}
	return out, nil
}
