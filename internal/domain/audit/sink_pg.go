package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGSink appends audit entries to the audit_entry table. A serial primary key
// preserves per-request append order for ListByRequest.
type PGSink struct {
	pool *pgxpool.Pool
}

// NewPGSink creates a PGSink backed by the given connection pool.
func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool}
}

func (s *PGSink) Append(ctx context.Context, entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	detailJSON, err := json.Marshal(entry.Detail)
	if err != nil {
		return fmt.Errorf("encode audit detail: %w", err)
	}

	const q = `
		INSERT INTO audit_entry (ts, component, request_id, action, outcome, detail)
		VALUES ($1,$2,$3,$4,$5,$6)`

	_, err = s.pool.Exec(ctx, q,
		entry.Timestamp, entry.Component, entry.RequestID, entry.Action, entry.Outcome, detailJSON)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (s *PGSink) ListByRequest(ctx context.Context, requestID string) ([]Entry, error) {
	const q = `
		SELECT ts, component, request_id, action, outcome, detail
		FROM audit_entry
		WHERE request_id = $1
		ORDER BY id`

	rows, err := s.pool.Query(ctx, q, requestID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			detailJSON []byte
		)
		if err := rows.Scan(&e.Timestamp, &e.Component, &e.RequestID, &e.Action, &e.Outcome, &detailJSON); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if len(detailJSON) > 0 {
			if err := json.Unmarshal(detailJSON, &e.Detail); err != nil {
				return nil, fmt.Errorf("decode audit detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
