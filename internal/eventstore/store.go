// Package eventstore persists opaque event blobs in append-only tables and
// hands them back oldest first for upload.
//
// Every operation is asynchronous and runs on a single goroutine per store,
// so calls made in program order observe each other's effects.
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	ErrStoreClosed  = errors.New("eventstore: store closed")
	ErrInvalidTable = errors.New("eventstore: invalid table name")
)

// deleteChunk bounds the number of bound parameters per DELETE statement.
const deleteChunk = 500

var tableNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Store interface {
	Insert(blobs [][]byte, table string, limit int, done func(error))
	FetchBlobs(amount int, table string, done func(blobs [][]byte, ids []int64))
	DeleteBlobs(ids []int64, table string, done func(error))
	SetTerminating()
	Close() error
}

// Inspector is implemented by stores that support maintenance queries.
type Inspector interface {
	Stats(ctx context.Context, table string) (TableStats, error)
	Purge(ctx context.Context, table string) (int64, error)
}

func ValidTableName(table string) bool {
	return tableNameRE.MatchString(table)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// dialect captures the SQL differences between the supported backends.
type dialect struct {
	name        string
	createTable func(table string) string
	tableExists string
	placeholder func(n int) string
	withTx      func(ctx context.Context, db *sql.DB, fn func(q querier) error) error
}

// blobStore implements Store on top of database/sql for a given dialect.
type blobStore struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
	exec    *executor

	// tables is only touched from the executor goroutine.
	tables      map[string]struct{}
	terminating atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

func newBlobStore(db *sql.DB, d dialect, logger *slog.Logger) *blobStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &blobStore{
		db:      db,
		dialect: d,
		logger:  logger,
		exec:    newExecutor(),
		tables:  make(map[string]struct{}),
	}
}

func (s *blobStore) Insert(blobs [][]byte, table string, limit int, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	ok := s.exec.submit(func() {
		done(s.insert(context.Background(), blobs, table, limit))
	})
	if !ok {
		done(ErrStoreClosed)
	}
}

func (s *blobStore) FetchBlobs(amount int, table string, done func([][]byte, []int64)) {
	if done == nil {
		done = func([][]byte, []int64) {}
	}
	ok := s.exec.submit(func() {
		done(s.fetch(context.Background(), amount, table))
	})
	if !ok {
		done(nil, nil)
	}
}

func (s *blobStore) DeleteBlobs(ids []int64, table string, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	if s.terminating.Load() {
		s.logger.Debug("eventstore_delete_skipped_terminating", slog.String("table", table))
		done(nil)
		return
	}
	ok := s.exec.submit(func() {
		done(s.delete(context.Background(), ids, table))
	})
	if !ok {
		done(ErrStoreClosed)
	}
}

// SetTerminating tells the store the host is shutting down. From then on
// fetches never create tables and deletes are skipped.
func (s *blobStore) SetTerminating() {
	s.terminating.Store(true)
}

// Close waits for queued operations to finish and closes the database.
// It must not be called from a completion callback.
func (s *blobStore) Close() error {
	s.closeOnce.Do(func() {
		s.exec.stop()
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func (s *blobStore) insert(ctx context.Context, blobs [][]byte, table string, limit int) error {
	if !ValidTableName(table) {
		return fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	if limit < 0 {
		limit = 0
	}

	err := s.dialect.withTx(ctx, s.db, func(q querier) error {
		if _, ok := s.tables[table]; !ok {
			if _, err := q.ExecContext(ctx, s.dialect.createTable(table)); err != nil {
				return fmt.Errorf("%s: create table %s: %w", s.dialect.name, table, err)
			}
		}
		stmt := fmt.Sprintf("INSERT INTO %s (data) VALUES (%s)", table, s.dialect.placeholder(1))
		for _, blob := range blobs {
			if blob == nil {
				blob = []byte{}
			}
			if _, err := q.ExecContext(ctx, stmt, blob); err != nil {
				return fmt.Errorf("%s: insert into %s: %w", s.dialect.name, table, err)
			}
		}
		if limit > 0 {
			trim := fmt.Sprintf(
				"DELETE FROM %[1]s WHERE id NOT IN (SELECT id FROM %[1]s ORDER BY id DESC LIMIT %[2]d)",
				table, limit,
			)
			if _, err := q.ExecContext(ctx, trim); err != nil {
				return fmt.Errorf("%s: trim %s: %w", s.dialect.name, table, err)
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("eventstore_insert_failed", slog.String("table", table), slog.Any("err", err))
		return err
	}
	s.tables[table] = struct{}{}
	return nil
}

func (s *blobStore) fetch(ctx context.Context, amount int, table string) ([][]byte, []int64) {
	if amount <= 0 || s.terminating.Load() {
		return nil, nil
	}
	if !ValidTableName(table) {
		s.logger.Warn("eventstore_fetch_invalid_table", slog.String("table", table))
		return nil, nil
	}

	present, err := s.tablePresent(ctx, table)
	if err != nil {
		s.logger.Warn("eventstore_fetch_failed", slog.String("table", table), slog.Any("err", err))
		return nil, nil
	}
	if !present {
		if _, err := s.db.ExecContext(ctx, s.dialect.createTable(table)); err != nil {
			s.logger.Warn("eventstore_create_table_failed", slog.String("table", table), slog.Any("err", err))
			return nil, nil
		}
		s.tables[table] = struct{}{}
		return nil, nil
	}

	query := fmt.Sprintf("SELECT id, data FROM %s ORDER BY id ASC LIMIT %d", table, amount)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		s.logger.Warn("eventstore_fetch_failed", slog.String("table", table), slog.Any("err", err))
		return nil, nil
	}
	defer rows.Close()

	var (
		blobs [][]byte
		ids   []int64
	)
	for rows.Next() {
		var (
			id   int64
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			s.logger.Warn("eventstore_fetch_failed", slog.String("table", table), slog.Any("err", err))
			return nil, nil
		}
		if data == nil {
			data = []byte{}
		}
		blobs = append(blobs, data)
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		s.logger.Warn("eventstore_fetch_failed", slog.String("table", table), slog.Any("err", err))
		return nil, nil
	}
	return blobs, ids
}

func (s *blobStore) delete(ctx context.Context, ids []int64, table string) error {
	if len(ids) == 0 {
		return nil
	}
	if !ValidTableName(table) {
		return fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	present, err := s.tablePresent(ctx, table)
	if err != nil {
		return err
	}
	if !present {
		return nil
	}

	err = s.dialect.withTx(ctx, s.db, func(q querier) error {
		for start := 0; start < len(ids); start += deleteChunk {
			end := min(start+deleteChunk, len(ids))
			chunk := ids[start:end]
			marks := make([]string, len(chunk))
			args := make([]any, len(chunk))
			for i, id := range chunk {
				marks[i] = s.dialect.placeholder(i + 1)
				args[i] = id
			}
			stmt := fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", table, strings.Join(marks, ", "))
			if _, err := q.ExecContext(ctx, stmt, args...); err != nil {
				return fmt.Errorf("%s: delete from %s: %w", s.dialect.name, table, err)
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("eventstore_delete_failed", slog.String("table", table), slog.Any("err", err))
	}
	return err
}

func (s *blobStore) tablePresent(ctx context.Context, table string) (bool, error) {
	if _, ok := s.tables[table]; ok {
		return true, nil
	}
	var n int
	if err := s.db.QueryRowContext(ctx, s.dialect.tableExists, table).Scan(&n); err != nil {
		return false, fmt.Errorf("%s: lookup table %s: %w", s.dialect.name, table, err)
	}
	if n > 0 {
		s.tables[table] = struct{}{}
		return true, nil
	}
	return false, nil
}
