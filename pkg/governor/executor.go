package governor

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Result is a read result: ordered columns and generically typed rows.
type Result struct {
	Columns []string
	Rows    []map[string]any
}

// WriteResult reports the effect of a committed write.
type WriteResult struct {
	RowsAffected int64
}

// Executor runs validated query text against a target store.
type Executor interface {
	Read(ctx context.Context, query string) (Result, error)
	Write(ctx context.Context, query string) (WriteResult, error)
}

const defaultQueryTimeout = 30 * time.Second

// SQLExecutor runs queries against a relational target store.
type SQLExecutor struct {
	db      *sql.DB
	timeout time.Duration
}

// NewSQLExecutor wraps an open database handle.
func NewSQLExecutor(db *sql.DB) *SQLExecutor {
	return &SQLExecutor{db: db, timeout: defaultQueryTimeout}
}

// Read runs a SELECT and materializes all rows. Values are scanned through
// any and byte slices are converted to strings so results serialize cleanly.
func (e *SQLExecutor) Read(ctx context.Context, query string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return Result{}, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Result{}, fmt.Errorf("failed to read columns: %w", err)
	}

	out := Result{Columns: cols}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Result{}, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out.Rows = append(out.Rows, row)
	}
	return out, rows.Err()
}

// Write runs a mutation inside a transaction. On any error the transaction
// is rolled back and the raw driver error is returned so the caller can
// feed it back into repair.
func (e *SQLExecutor) Write(ctx context.Context, query string) (WriteResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return WriteResult{}, err
	}

	res, err := tx.ExecContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return WriteResult{}, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return WriteResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return WriteResult{}, err
	}
	return WriteResult{RowsAffected: affected}, nil
}
