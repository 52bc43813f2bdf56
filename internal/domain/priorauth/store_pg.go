package priorauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the Postgres-backed StatusStore. The compare-and-set contract is
// implemented as a single conditional UPDATE keyed on the stored status, so
// two concurrent writers can never both succeed against the same expected
// state.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a PGStore backed by the given connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const workflowCols = `request_id, status, risk, route, external_tracking_id,
	poll_count, consecutive_poll_errors, created_at, updated_at, history, request`

func scanWorkflow(row pgx.Row) (*WorkflowRecord, error) {
	var (
		rec         WorkflowRecord
		riskJSON    []byte
		historyJSON []byte
		requestJSON []byte
	)
	err := row.Scan(
		&rec.RequestID, &rec.Status, &riskJSON, &rec.Route, &rec.ExternalTrackingID,
		&rec.PollCount, &rec.ConsecutivePollErr, &rec.CreatedAt, &rec.UpdatedAt,
		&historyJSON, &requestJSON,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(riskJSON, &rec.Risk); err != nil {
		return nil, fmt.Errorf("decode risk snapshot: %w", err)
	}
	if err := json.Unmarshal(historyJSON, &rec.History); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	if err := json.Unmarshal(requestJSON, &rec.Request); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	return &rec, nil
}

func (s *PGStore) Create(ctx context.Context, rec *WorkflowRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	riskJSON, err := json.Marshal(rec.Risk)
	if err != nil {
		return fmt.Errorf("encode risk snapshot: %w", err)
	}
	historyJSON, err := json.Marshal(rec.History)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	requestJSON, err := json.Marshal(rec.Request)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	const q = `
		INSERT INTO workflow_record (
			request_id, status, risk, route, external_tracking_id,
			poll_count, consecutive_poll_errors, created_at, updated_at, history, request
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`

	_, err = s.pool.Exec(ctx, q,
		rec.RequestID, rec.Status, riskJSON, rec.Route, rec.ExternalTrackingID,
		rec.PollCount, rec.ConsecutivePollErr, rec.CreatedAt, rec.UpdatedAt,
		historyJSON, requestJSON,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicateRequest, rec.RequestID)
		}
		return fmt.Errorf("create workflow record: %w", err)
	}
	return nil
}

func (s *PGStore) Transition(ctx context.Context, requestID string, expected, next Status, cause string) (*WorkflowRecord, error) {
	if !CanTransition(expected, next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, expected, next)
	}

	entry := StatusTransition{From: expected, To: next, At: time.Now().UTC(), Cause: cause}
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode transition: %w", err)
	}

	// Conditional update on the stored status is the CAS. Zero rows means the
	// record is either missing or was moved by a concurrent writer.
	q := fmt.Sprintf(`
		UPDATE workflow_record
		SET status = $1,
		    history = history || $2::jsonb,
		    updated_at = $3
		WHERE request_id = $4 AND status = $5
		RETURNING %s`, workflowCols)

	rec, err := scanWorkflow(s.pool.QueryRow(ctx, q, next, entryJSON, entry.At, requestID, expected))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transition workflow record: %w", err)
	}

	current, getErr := s.Get(ctx, requestID)
	if getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("%w: expected %s, stored %s", ErrStaleTransition, expected, current.Status)
}

func (s *PGStore) Get(ctx context.Context, requestID string) (*WorkflowRecord, error) {
	q := fmt.Sprintf("SELECT %s FROM workflow_record WHERE request_id = $1", workflowCols)
	rec, err := scanWorkflow(s.pool.QueryRow(ctx, q, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, requestID)
		}
		return nil, fmt.Errorf("get workflow record: %w", err)
	}
	return rec, nil
}

func (s *PGStore) ListOpen(ctx context.Context) ([]*WorkflowRecord, error) {
	q := fmt.Sprintf(`
		SELECT %s FROM workflow_record
		WHERE status NOT IN ($1,$2,$3,$4)
		ORDER BY created_at`, workflowCols)

	rows, err := s.pool.Query(ctx, q,
		StatusApproved, StatusDenied, StatusSubmissionFailed, StatusClosed)
	if err != nil {
		return nil, fmt.Errorf("list open workflow records: %w", err)
	}
	defer rows.Close()

	var open []*WorkflowRecord
	for rows.Next() {
		rec, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow record: %w", err)
		}
		open = append(open, rec)
	}
	return open, rows.Err()
}

func (s *PGStore) SetTracking(ctx context.Context, requestID, trackingID string) error {
	const q = `
		UPDATE workflow_record
		SET external_tracking_id = $1,
		    updated_at = $2
		WHERE request_id = $3`

	tag, err := s.pool.Exec(ctx, q, trackingID, time.Now().UTC(), requestID)
	if err != nil {
		return fmt.Errorf("set tracking id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	return nil
}

func (s *PGStore) IncrementPoll(ctx context.Context, requestID string, consecutiveErrs int) error {
	const q = `
		UPDATE workflow_record
		SET poll_count = poll_count + 1,
		    consecutive_poll_errors = $1,
		    updated_at = $2
		WHERE request_id = $3`

	tag, err := s.pool.Exec(ctx, q, consecutiveErrs, time.Now().UTC(), requestID)
	if err != nil {
		return fmt.Errorf("increment poll counter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	return nil
}
