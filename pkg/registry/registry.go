// Package registry resolves connection IDs to target-store definitions.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StoreType distinguishes relational from document targets.
type StoreType string

const (
	StoreTypeSQL      StoreType = "sql"
	StoreTypeDocument StoreType = "document"
)

// Connection describes a registered target store. The DSN never carries
// credentials; those live in the vault under CredentialsRef, and the DSN
// marks where they go with a ${credential} placeholder.
type Connection struct {
	ID             string
	Name           string
	StoreType      StoreType
	Driver         string
	DSN            string
	CredentialsRef string
}

// ErrConnectionNotFound is returned when no connection has the given ID.
var ErrConnectionNotFound = errors.New("connection not found")

// Registry looks up registered connections.
type Registry interface {
	Get(ctx context.Context, id string) (*Connection, error)
	List(ctx context.Context) ([]*Connection, error)
}

// PostgresRegistry reads connection definitions from Postgres.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

// NewPostgresRegistry wraps a connection pool.
func NewPostgresRegistry(pool *pgxpool.Pool) *PostgresRegistry {
	return &PostgresRegistry{pool: pool}
}

// Schema is the DDL for the connections table.
const Schema = `
CREATE TABLE IF NOT EXISTS connections (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	store_type TEXT NOT NULL,
	driver TEXT NOT NULL,
	dsn TEXT NOT NULL,
	credentials_ref TEXT NOT NULL DEFAULT ''
);
`

func (r *PostgresRegistry) Get(ctx context.Context, id string) (*Connection, error) {
	var c Connection
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, store_type, driver, dsn, credentials_ref FROM connections WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.StoreType, &c.Driver, &c.DSN, &c.CredentialsRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up connection: %w", err)
	}
	return &c, nil
}

func (r *PostgresRegistry) List(ctx context.Context) ([]*Connection, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, store_type, driver, dsn, credentials_ref FROM connections ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var out []*Connection
	for rows.Next() {
		var c Connection
		if err := rows.Scan(&c.ID, &c.Name, &c.StoreType, &c.Driver, &c.DSN, &c.CredentialsRef); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// StaticRegistry serves a fixed set of connections from memory. Used in
// tests and single-target deployments configured from flags.
type StaticRegistry struct {
	connections map[string]*Connection
}

// NewStaticRegistry indexes the given connections by ID.
func NewStaticRegistry(conns ...*Connection) *StaticRegistry {
	m := make(map[string]*Connection, len(conns))
	for _, c := range conns {
		m[c.ID] = c
	}
	return &StaticRegistry{connections: m}
}

func (r *StaticRegistry) Get(_ context.Context, id string) (*Connection, error) {
	c, ok := r.connections[id]
	if !ok {
		return nil, ErrConnectionNotFound
	}
	return c, nil
}

func (r *StaticRegistry) List(_ context.Context) ([]*Connection, error) {
	out := make([]*Connection, 0, len(r.connections))
	for _, c := range r.connections {
		out = append(out, c)
	}
	return out, nil
}
