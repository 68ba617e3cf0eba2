package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/querypilot/querypilot/api/server"
	"github.com/querypilot/querypilot/pkg/approval"
	"github.com/querypilot/querypilot/pkg/audit"
	"github.com/querypilot/querypilot/pkg/history"
	"github.com/querypilot/querypilot/pkg/logger"
	"github.com/querypilot/querypilot/pkg/metrics"
	"github.com/querypilot/querypilot/pkg/pipeline"
	"github.com/querypilot/querypilot/pkg/registry"
	"github.com/querypilot/querypilot/pkg/schemaindex"
	"github.com/querypilot/querypilot/pkg/service"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr      = "0.0.0.0:3020"
	defaultShutdownTimeout = 10 * time.Second
	defaultModel           = string(anthropic.ModelClaude3_5Haiku20241022)
	defaultMaxTokens       = 4096
	defaultSchemaIndexURL  = "http://localhost:8000"
	defaultSchemaCacheTTL  = 5 * time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP server listen address")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", defaultShutdownTimeout, "Server shutdown timeout")
	modelFlag := flag.String("model", defaultModel, "Anthropic model to use (or set QUERYPILOT_MODEL env var)")
	postgresURLFlag := flag.String("postgres-url", "", "Postgres URL for approvals, history and the connection registry (or set QUERYPILOT_POSTGRES_URL env var)")
	mongoURLFlag := flag.String("mongo-url", "", "MongoDB URL for the audit trail (or set QUERYPILOT_MONGO_URL env var; empty disables auditing)")
	schemaIndexURLFlag := flag.String("schema-index-url", defaultSchemaIndexURL, "Schema index base URL (or set QUERYPILOT_SCHEMA_INDEX_URL env var)")
	schemaCollectionFlag := flag.String("schema-collection", "table_schemas", "Schema index collection name")
	schemaCacheTTLFlag := flag.Duration("schema-cache-ttl", defaultSchemaCacheTTL, "TTL for cached schema lookups (0 disables the cache)")
	vaultKeyFlag := flag.String("vault-key", "", "Hex-encoded 32-byte key for connection credentials (or set QUERYPILOT_VAULT_KEY env var)")

	flag.Parse()

	// Local development convenience; missing file is fine.
	_ = godotenv.Load()

	// Override flags with environment variables if set
	if env := os.Getenv("QUERYPILOT_MODEL"); env != "" {
		*modelFlag = env
	}
	if env := os.Getenv("QUERYPILOT_POSTGRES_URL"); env != "" {
		*postgresURLFlag = env
	}
	if env := os.Getenv("QUERYPILOT_MONGO_URL"); env != "" {
		*mongoURLFlag = env
	}
	if env := os.Getenv("QUERYPILOT_SCHEMA_INDEX_URL"); env != "" {
		*schemaIndexURLFlag = env
	}
	if env := os.Getenv("QUERYPILOT_VAULT_KEY"); env != "" {
		*vaultKeyFlag = env
	}

	log := logger.New(*verboseFlag)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY must be set")
	}
	if *postgresURLFlag == "" {
		return fmt.Errorf("postgres URL must be set")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigCh
		log.Info("server: received signal", "signal", sig.String())
		cancel()
	}()

	pool, err := pgxpool.New(ctx, *postgresURLFlag)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pool.Close()

	var index schemaindex.Index = schemaindex.NewHTTPIndex(*schemaIndexURLFlag, *schemaCollectionFlag)
	if *schemaCacheTTLFlag > 0 {
		cached := schemaindex.NewCachedIndex(index, *schemaCacheTTLFlag)
		defer cached.Stop()
		index = cached
	}

	prompts, err := pipeline.LoadPrompts()
	if err != nil {
		return fmt.Errorf("failed to load prompts: %w", err)
	}

	pipe, err := pipeline.New(&pipeline.Config{
		Logger:  log,
		LLM:     pipeline.NewAnthropicLLMClient(anthropic.Model(*modelFlag), defaultMaxTokens),
		Index:   index,
		Prompts: prompts,
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	var vault registry.Vault = registry.PlainVault{}
	if *vaultKeyFlag != "" {
		key, err := hex.DecodeString(*vaultKeyFlag)
		if err != nil {
			return fmt.Errorf("invalid vault key: %w", err)
		}
		vault, err = registry.NewAESVault(key)
		if err != nil {
			return fmt.Errorf("failed to create vault: %w", err)
		}
	}

	factory := service.NewStoreExecutorFactory(vault)
	defer func() {
		if err := factory.Close(context.Background()); err != nil {
			log.Error("failed to close store handles", "error", err)
		}
	}()

	var auditSink audit.Sink = audit.NopSink{}
	if *mongoURLFlag != "" {
		client, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(*mongoURLFlag))
		if err != nil {
			return fmt.Errorf("failed to connect to mongo: %w", err)
		}
		defer func() {
			if err := client.Disconnect(context.Background()); err != nil {
				log.Error("failed to disconnect mongo", "error", err)
			}
		}()
		sink := audit.NewMongoSink(client.Database("querypilot").Collection("audit_events"), log)
		defer sink.Close()
		auditSink = sink
	}

	svc, err := service.New(&service.Config{
		Logger:    log,
		Pipeline:  pipe,
		Registry:  registry.NewPostgresRegistry(pool),
		Executors: factory,
		Approvals: approval.NewPostgresStore(pool),
		History:   history.NewStore(pool),
		Audit:     auditSink,
	})
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	listener, err := net.Listen("tcp", *listenAddrFlag)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", *listenAddrFlag, err)
	}

	srv, err := server.New(server.Config{
		Logger:          log,
		Service:         svc,
		Listener:        listener,
		ShutdownTimeout: *shutdownTimeoutFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Run(ctx)
}
