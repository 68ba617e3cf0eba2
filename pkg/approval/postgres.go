package approval

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/querypilot/querypilot/pkg/metrics"
)

// PostgresStore persists approval requests in Postgres. State transitions
// are expressed as conditional updates so the current status is checked and
// changed in one statement.
type PostgresStore struct {
	pool  *pgxpool.Pool
	clock clockwork.Clock
}

// NewPostgresStore wraps a connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, clock: clockwork.NewRealClock()}
}

// Schema is the DDL for the approval_requests table.
const Schema = `
CREATE TABLE IF NOT EXISTS approval_requests (
	id UUID PRIMARY KEY,
	requester_id TEXT NOT NULL,
	connection_id TEXT NOT NULL,
	question TEXT NOT NULL,
	query TEXT NOT NULL,
	explanation TEXT,
	intent TEXT NOT NULL,
	status TEXT NOT NULL,
	reviewer_id TEXT,
	reviewed_at TIMESTAMPTZ,
	rejection_reason TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	executed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS approval_requests_status_idx ON approval_requests (status);
CREATE INDEX IF NOT EXISTS approval_requests_requester_idx ON approval_requests (requester_id);
`

// Create inserts a new request in the PENDING state.
func (s *PostgresStore) Create(ctx context.Context, r *Request) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Status = StatusPending
	r.CreatedAt = s.clock.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO approval_requests (id, requester_id, connection_id, question, query, explanation, intent, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.RequesterID, r.ConnectionID, r.Question, r.Query, r.Explanation, r.Intent, r.Status, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create approval request: %w", err)
	}
	metrics.ApprovalTransitions.WithLabelValues(string(StatusPending)).Inc()
	return nil
}

const selectColumns = `id, requester_id, connection_id, question, query, COALESCE(explanation, ''), intent, status,
	COALESCE(reviewer_id, ''), reviewed_at, COALESCE(rejection_reason, ''), created_at, executed_at`

// Get fetches a request by ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Request, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM approval_requests WHERE id = $1`, id)
	r, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// ListPending returns all requests awaiting review, oldest first.
func (s *PostgresStore) ListPending(ctx context.Context) ([]*Request, error) {
	return s.list(ctx, `SELECT `+selectColumns+` FROM approval_requests WHERE status = $1 ORDER BY created_at`, StatusPending)
}

// ListByRequester returns a requester's requests, newest first.
func (s *PostgresStore) ListByRequester(ctx context.Context, requesterID string) ([]*Request, error) {
	return s.list(ctx, `SELECT `+selectColumns+` FROM approval_requests WHERE requester_id = $1 ORDER BY created_at DESC`, requesterID)
}

func (s *PostgresStore) list(ctx context.Context, query string, arg any) ([]*Request, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list approval requests: %w", err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Approve moves a PENDING request to APPROVED. The status guard in the
// WHERE clause makes a second review of the same request fail.
func (s *PostgresStore) Approve(ctx context.Context, id, reviewerID string) error {
	return s.review(ctx, id, reviewerID, StatusApproved, "")
}

// Reject moves a PENDING request to REJECTED with a reason.
func (s *PostgresStore) Reject(ctx context.Context, id, reviewerID, reason string) error {
	return s.review(ctx, id, reviewerID, StatusRejected, reason)
}

func (s *PostgresStore) review(ctx context.Context, id, reviewerID string, to Status, reason string) error {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if existing.RequesterID == reviewerID {
		return ErrSelfReview
	}

	now := s.clock.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE approval_requests
		SET status = $1, reviewer_id = $2, reviewed_at = $3, rejection_reason = NULLIF($4, '')
		WHERE id = $5 AND status = $6`,
		to, reviewerID, now, reason, id, StatusPending)
	if err != nil {
		return fmt.Errorf("failed to review approval request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotPending
	}
	metrics.ApprovalTransitions.WithLabelValues(string(to)).Inc()
	return nil
}

// MarkExecuted moves an APPROVED request to EXECUTED. The guard binds the
// transition to the original requester and fires at most once.
func (s *PostgresStore) MarkExecuted(ctx context.Context, id, requesterID string) error {
	now := s.clock.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE approval_requests
		SET status = $1, executed_at = $2
		WHERE id = $3 AND status = $4 AND requester_id = $5`,
		StatusExecuted, now, id, StatusApproved, requesterID)
	if err != nil {
		return fmt.Errorf("failed to mark approval request executed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotApproved
	}
	metrics.ApprovalTransitions.WithLabelValues(string(StatusExecuted)).Inc()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var r Request
	if err := row.Scan(&r.ID, &r.RequesterID, &r.ConnectionID, &r.Question, &r.Query, &r.Explanation, &r.Intent,
		&r.Status, &r.ReviewerID, &r.ReviewedAt, &r.RejectionReason, &r.CreatedAt, &r.ExecutedAt); err != nil {
		return nil, err
	}
	return &r, nil
}
