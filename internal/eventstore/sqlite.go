package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	sqlite3 "modernc.org/sqlite"
)

const sqliteMemoryPath = ":memory:"

type SQLiteOption func(*sqliteConfig)

type sqliteConfig struct {
	logger      *slog.Logger
	busyTimeout int
	readOnly    bool
}

func WithSQLiteLogger(logger *slog.Logger) SQLiteOption {
	return func(c *sqliteConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSQLiteBusyTimeout sets how long, in milliseconds, a writer waits for
// another connection to the same file to release its lock.
func WithSQLiteBusyTimeout(ms int) SQLiteOption {
	return func(c *sqliteConfig) {
		if ms >= 0 {
			c.busyTimeout = ms
		}
	}
}

// WithSQLiteReadOnly opens the file with query_only enabled. Writes fail and
// are reported through completions.
func WithSQLiteReadOnly() SQLiteOption {
	return func(c *sqliteConfig) { c.readOnly = true }
}

type SQLiteStore struct {
	*blobStore
	path string
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens a store backed by the SQLite file at path. An empty path
// opens a private in-memory database; two such stores never share data.
func OpenSQLite(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	cfg := sqliteConfig{busyTimeout: 5000}
	for _, opt := range opts {
		opt(&cfg)
	}

	path = strings.TrimSpace(path)
	memory := path == "" || path == sqliteMemoryPath
	dsn := path
	if memory {
		dsn = sqliteMemoryPath
	} else {
		dir := filepath.Dir(path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection keeps an in-memory database alive and serializes writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := initSQLite(db, memory, cfg); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteStore{
		blobStore: newBlobStore(db, sqliteDialect, cfg.logger),
		path:      dsn,
	}
	return s, nil
}

func (s *SQLiteStore) Path() string { return s.path }

func initSQLite(db *sql.DB, memory bool, cfg sqliteConfig) error {
	ctx := context.Background()

	if !memory {
		var journalMode string
		if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
			return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
		}
		if strings.ToLower(journalMode) != "wal" {
			return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
		}
		if _, err := db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
			return fmt.Errorf("sqlite: set synchronous=full: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", cfg.busyTimeout)); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	if cfg.readOnly {
		if _, err := db.ExecContext(ctx, "PRAGMA query_only=1;"); err != nil {
			return fmt.Errorf("sqlite: set query_only: %w", err)
		}
	}
	return nil
}

var sqliteDialect = dialect{
	name: "sqlite",
	createTable: func(table string) string {
		return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id INTEGER PRIMARY KEY AUTOINCREMENT, data BLOB)", table)
	},
	tableExists: `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`,
	placeholder: func(int) string { return "?" },
	withTx:      sqliteTx,
}

func sqliteTx(ctx context.Context, db *sql.DB, fn func(q querier) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(ctx, "ROLLBACK;")
	}()

	if err := fn(conn); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	committed = true
	return nil
}

// IsReadOnlyError reports whether err came from writing to a database that
// refuses writes.
func IsReadOnlyError(err error) bool {
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// Extended result codes keep the primary code in the lower 8 bits.
	const sqliteReadOnlyBase = 8
	return sqliteErr.Code()&0xff == sqliteReadOnlyBase
}
