package service

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx"
	_ "github.com/mattn/go-sqlite3"    // database/sql driver "sqlite3"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/querypilot/querypilot/pkg/governor"
	"github.com/querypilot/querypilot/pkg/registry"
	"github.com/querypilot/querypilot/pkg/sqlguard"
)

// StoreExecutorFactory opens target stores on first use and caches the
// handles per connection ID. Credentials references are resolved through
// the vault and appended to the DSN by the driver-specific opener.
type StoreExecutorFactory struct {
	vault registry.Vault

	mu        sync.Mutex
	executors map[string]governor.Executor
	closers   []func(context.Context) error
}

// NewStoreExecutorFactory creates a factory. A nil vault means DSNs are
// used as-is.
func NewStoreExecutorFactory(vault registry.Vault) *StoreExecutorFactory {
	if vault == nil {
		vault = registry.PlainVault{}
	}
	return &StoreExecutorFactory{vault: vault, executors: make(map[string]governor.Executor)}
}

// Executor returns the executor for a connection, opening the store on
// first use.
func (f *StoreExecutorFactory) Executor(ctx context.Context, conn *registry.Connection) (governor.Executor, sqlguard.Dialect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dialect := dialectFor(conn)
	if exec, ok := f.executors[conn.ID]; ok {
		return exec, dialect, nil
	}

	dsn, err := f.resolveDSN(conn)
	if err != nil {
		return nil, "", err
	}

	var exec governor.Executor
	switch conn.StoreType {
	case registry.StoreTypeSQL:
		db, err := sql.Open(driverName(conn), dsn)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open connection %q: %w", conn.ID, err)
		}
		f.closers = append(f.closers, func(context.Context) error { return db.Close() })
		exec = governor.NewSQLExecutor(db)
	case registry.StoreTypeDocument:
		client, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(dsn))
		if err != nil {
			return nil, "", fmt.Errorf("failed to connect to %q: %w", conn.ID, err)
		}
		f.closers = append(f.closers, client.Disconnect)
		exec = governor.NewDocumentExecutor(client.Database(conn.Name))
	default:
		return nil, "", fmt.Errorf("unknown store type %q for connection %q", conn.StoreType, conn.ID)
	}

	f.executors[conn.ID] = exec
	return exec, dialect, nil
}

// Close releases all opened store handles.
func (f *StoreExecutorFactory) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for _, closeFn := range f.closers {
		if err := closeFn(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	f.closers = nil
	f.executors = make(map[string]governor.Executor)
	return firstErr
}

// credentialPlaceholder marks where the decrypted secret goes in a DSN
// template. A plain marker keeps DSNs with literal percent signs, such as
// URL-encoded passwords or hosts, intact.
const credentialPlaceholder = "${credential}"

func (f *StoreExecutorFactory) resolveDSN(conn *registry.Connection) (string, error) {
	if conn.CredentialsRef == "" {
		return conn.DSN, nil
	}
	if !strings.Contains(conn.DSN, credentialPlaceholder) {
		return "", fmt.Errorf("connection %q has a credentials reference but its DSN is missing the %s placeholder", conn.ID, credentialPlaceholder)
	}
	secret, err := f.vault.Decrypt(conn.CredentialsRef)
	if err != nil {
		return "", fmt.Errorf("failed to resolve credentials for connection %q: %w", conn.ID, err)
	}
	return strings.ReplaceAll(conn.DSN, credentialPlaceholder, secret), nil
}

func driverName(conn *registry.Connection) string {
	if conn.Driver != "" {
		return conn.Driver
	}
	return "pgx"
}

func dialectFor(conn *registry.Connection) sqlguard.Dialect {
	switch conn.Driver {
	case "mysql":
		return sqlguard.DialectMySQL
	default:
		// Postgres and SQLite both take double-quoted identifiers.
		return sqlguard.DialectPostgres
	}
}
