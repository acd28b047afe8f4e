package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresOption func(*postgresConfig)

type postgresConfig struct {
	logger   *slog.Logger
	maxConns int
}

func WithPostgresLogger(logger *slog.Logger) PostgresOption {
	return func(c *postgresConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithPostgresMaxConns(n int) PostgresOption {
	return func(c *postgresConfig) {
		if n > 0 {
			c.maxConns = n
		}
	}
}

// PostgresStore keeps event tables in PostgreSQL, for hosts that collect
// events server side. Operations are still serialized per store.
type PostgresStore struct {
	*blobStore
}

var _ Store = (*PostgresStore)(nil)

func OpenPostgres(dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}
	cfg := postgresConfig{maxConns: 4}
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.maxConns)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &PostgresStore{blobStore: newBlobStore(db, postgresDialect, cfg.logger)}, nil
}

var postgresDialect = dialect{
	name: "postgres",
	createTable: func(table string) string {
		return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id BIGSERIAL PRIMARY KEY, data BYTEA)", table)
	},
	tableExists: `SELECT COUNT(*) FROM information_schema.tables
WHERE table_schema = current_schema() AND table_name = lower($1)`,
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	withTx:      postgresTx,
}

func postgresTx(ctx context.Context, db *sql.DB, fn func(q querier) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	committed = true
	return nil
}
