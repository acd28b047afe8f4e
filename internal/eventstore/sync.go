package eventstore

import (
	"context"
	"fmt"
)

// The helpers below block until the asynchronous operation completes. They
// are meant for tools and tests, not for hot paths.

func InsertSync(ctx context.Context, s Store, blobs [][]byte, table string, limit int) error {
	ch := make(chan error, 1)
	s.Insert(blobs, table, limit, func(err error) { ch <- err })
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type FetchResult struct {
	Blobs [][]byte
	IDs   []int64
}

func FetchSync(ctx context.Context, s Store, amount int, table string) (FetchResult, error) {
	ch := make(chan FetchResult, 1)
	s.FetchBlobs(amount, table, func(blobs [][]byte, ids []int64) {
		ch <- FetchResult{Blobs: blobs, IDs: ids}
	})
	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return FetchResult{}, ctx.Err()
	}
}

func DeleteSync(ctx context.Context, s Store, ids []int64, table string) error {
	ch := make(chan error, 1)
	s.DeleteBlobs(ids, table, func(err error) { ch <- err })
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type TableStats struct {
	Name   string `json:"name"`
	Rows   int64  `json:"rows"`
	MinID  int64  `json:"min_id,omitempty"`
	MaxID  int64  `json:"max_id,omitempty"`
	Exists bool   `json:"exists"`
}

// Stats reports row counts for table. It runs on the store's executor so it
// observes every operation submitted before it.
func (s *blobStore) Stats(ctx context.Context, table string) (TableStats, error) {
	type result struct {
		st  TableStats
		err error
	}
	ch := make(chan result, 1)
	ok := s.exec.submit(func() {
		st, err := s.stats(ctx, table)
		ch <- result{st: st, err: err}
	})
	if !ok {
		return TableStats{}, ErrStoreClosed
	}
	select {
	case r := <-ch:
		return r.st, r.err
	case <-ctx.Done():
		return TableStats{}, ctx.Err()
	}
}

func (s *blobStore) stats(ctx context.Context, table string) (TableStats, error) {
	st := TableStats{Name: table}
	if !ValidTableName(table) {
		return st, fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	present, err := s.tablePresent(ctx, table)
	if err != nil || !present {
		return st, err
	}
	st.Exists = true
	query := fmt.Sprintf("SELECT COUNT(*), COALESCE(MIN(id), 0), COALESCE(MAX(id), 0) FROM %s", table)
	if err := s.db.QueryRowContext(ctx, query).Scan(&st.Rows, &st.MinID, &st.MaxID); err != nil {
		return st, fmt.Errorf("%s: stats %s: %w", s.dialect.name, table, err)
	}
	return st, nil
}

// Purge removes every row from table without dropping it.
func (s *blobStore) Purge(ctx context.Context, table string) (int64, error) {
	type result struct {
		n   int64
		err error
	}
	ch := make(chan result, 1)
	ok := s.exec.submit(func() {
		n, err := s.purge(ctx, table)
		ch <- result{n: n, err: err}
	})
	if !ok {
		return 0, ErrStoreClosed
	}
	select {
	case r := <-ch:
		return r.n, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *blobStore) purge(ctx context.Context, table string) (int64, error) {
	if !ValidTableName(table) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	present, err := s.tablePresent(ctx, table)
	if err != nil || !present {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", table))
	if err != nil {
		return 0, fmt.Errorf("%s: purge %s: %w", s.dialect.name, table, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
