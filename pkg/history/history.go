// Package history persists a record of executed pipeline runs.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is one executed query record.
type Entry struct {
	ID           string
	ActorID      string
	ConnectionID string
	Question     string
	Query        string
	Intent       string
	Confidence   float64
	Status       string // "SUCCESS" or "FAILED"
	RowsReturned int64
	Insights     any // marshaled to JSON; nil allowed
	CreatedAt    time.Time
}

// Store persists entries in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a history store over the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Record inserts one history entry. The ID is assigned when empty.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	var insightsJSON []byte
	if e.Insights != nil {
		var err error
		insightsJSON, err = json.Marshal(e.Insights)
		if err != nil {
			return fmt.Errorf("failed to encode insights: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx, `
INSERT INTO query_history (id, actor_id, connection_id, question, query, intent, confidence, status, rows_returned, insights, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())`,
		e.ID, e.ActorID, e.ConnectionID, e.Question, e.Query, e.Intent, e.Confidence, e.Status, e.RowsReturned, insightsJSON)
	if err != nil {
		return fmt.Errorf("failed to insert history entry: %w", err)
	}
	return nil
}

// Recent returns the latest entries for an actor, newest first.
func (s *Store) Recent(ctx context.Context, actorID string, limit int) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, actor_id, connection_id, question, query, intent, confidence, status, rows_returned, created_at
FROM query_history
WHERE actor_id = $1
ORDER BY created_at DESC
LIMIT $2`, actorID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.ActorID, &e.ConnectionID, &e.Question, &e.Query, &e.Intent, &e.Confidence, &e.Status, &e.RowsReturned, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
