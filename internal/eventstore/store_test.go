package eventstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newMemoryStoreForTest(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite("")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func blobsN(prefix string, n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("%s-%d", prefix, i))
	}
	return out
}

func TestSQLiteStore_FetchReturnsOldestFirst(t *testing.T) {
	s := newMemoryStoreForTest(t)
	ctx := testCtx(t)

	if err := InsertSync(ctx, s, blobsN("a", 3), "events", 0); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := InsertSync(ctx, s, blobsN("b", 2), "events", 0); err != nil {
		t.Fatalf("insert: %v", err)
	}

	res, err := FetchSync(ctx, s, 4, "events")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	want := []string{"a-0", "a-1", "a-2", "b-0"}
	if len(res.Blobs) != len(want) || len(res.IDs) != len(want) {
		t.Fatalf("got %d blobs / %d ids, want %d", len(res.Blobs), len(res.IDs), len(want))
	}
	for i, w := range want {
		if string(res.Blobs[i]) != w {
			t.Fatalf("blob[%d]=%q, want %q", i, res.Blobs[i], w)
		}
		if i > 0 && res.IDs[i] <= res.IDs[i-1] {
			t.Fatalf("ids not strictly increasing: %v", res.IDs)
		}
	}
}

func TestSQLiteStore_InsertTrimsToLimit(t *testing.T) {
	cases := []struct {
		name     string
		existing int
		inserted int
		limit    int
		want     int
	}{
		{name: "under limit", existing: 2, inserted: 2, limit: 10, want: 4},
		{name: "exact limit", existing: 3, inserted: 2, limit: 5, want: 5},
		{name: "over limit", existing: 4, inserted: 3, limit: 5, want: 5},
		{name: "new rows alone exceed limit", existing: 1, inserted: 6, limit: 3, want: 3},
		{name: "unbounded", existing: 7, inserted: 7, limit: 0, want: 14},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newMemoryStoreForTest(t)
			ctx := testCtx(t)

			if tc.existing > 0 {
				if err := InsertSync(ctx, s, blobsN("old", tc.existing), "events", 0); err != nil {
					t.Fatalf("seed: %v", err)
				}
			}
			if err := InsertSync(ctx, s, blobsN("new", tc.inserted), "events", tc.limit); err != nil {
				t.Fatalf("insert: %v", err)
			}

			res, err := FetchSync(ctx, s, 100, "events")
			if err != nil {
				t.Fatalf("fetch: %v", err)
			}
			if len(res.Blobs) != tc.want {
				t.Fatalf("rows=%d, want %d", len(res.Blobs), tc.want)
			}
			// The newest row always survives the trim.
			last := string(res.Blobs[len(res.Blobs)-1])
			if want := fmt.Sprintf("new-%d", tc.inserted-1); last != want {
				t.Fatalf("last row=%q, want %q", last, want)
			}
		})
	}
}

func TestSQLiteStore_DeleteRemovesExactlyListedIDs(t *testing.T) {
	s := newMemoryStoreForTest(t)
	ctx := testCtx(t)

	if err := InsertSync(ctx, s, blobsN("x", 5), "events", 0); err != nil {
		t.Fatalf("insert: %v", err)
	}
	res, _ := FetchSync(ctx, s, 5, "events")
	if err := DeleteSync(ctx, s, []int64{res.IDs[1], res.IDs[3], 99999}, "events"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	after, _ := FetchSync(ctx, s, 10, "events")
	got := make([]string, len(after.Blobs))
	for i, b := range after.Blobs {
		got[i] = string(b)
	}
	want := []string{"x-0", "x-2", "x-4"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("remaining=%v, want %v", got, want)
	}
}

func TestSQLiteStore_DeleteDoesNotCreateTable(t *testing.T) {
	s := newMemoryStoreForTest(t)
	ctx := testCtx(t)

	if err := DeleteSync(ctx, s, []int64{1, 2}, "missing"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := DeleteSync(ctx, s, nil, "missing"); err != nil {
		t.Fatalf("delete empty: %v", err)
	}
	st, err := s.Stats(ctx, "missing")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Exists {
		t.Fatalf("delete created a missing table")
	}
}

func TestSQLiteStore_FetchZeroIsNoop(t *testing.T) {
	s := newMemoryStoreForTest(t)
	ctx := testCtx(t)

	res, err := FetchSync(ctx, s, 0, "never")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Blobs != nil || res.IDs != nil {
		t.Fatalf("fetch(0)=%v/%v, want nil/nil", res.Blobs, res.IDs)
	}
	if st, _ := s.Stats(ctx, "never"); st.Exists {
		t.Fatalf("fetch(0) created a table")
	}

	if err := InsertSync(ctx, s, blobsN("y", 2), "events", 0); err != nil {
		t.Fatalf("insert: %v", err)
	}
	res, _ = FetchSync(ctx, s, 0, "events")
	if res.Blobs != nil || res.IDs != nil {
		t.Fatalf("fetch(0) on populated table=%v/%v, want nil/nil", res.Blobs, res.IDs)
	}
}

func TestSQLiteStore_FetchCreatesMissingTable(t *testing.T) {
	s := newMemoryStoreForTest(t)
	ctx := testCtx(t)

	res, _ := FetchSync(ctx, s, 10, "lazy")
	if res.Blobs != nil || res.IDs != nil {
		t.Fatalf("expected empty result")
	}
	st, err := s.Stats(ctx, "lazy")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !st.Exists || st.Rows != 0 {
		t.Fatalf("stats=%+v, want existing empty table", st)
	}
}

func TestSQLiteStore_TerminatingSkipsFetchTableCreationAndDeletes(t *testing.T) {
	s := newMemoryStoreForTest(t)
	ctx := testCtx(t)

	if err := InsertSync(ctx, s, blobsN("z", 2), "events", 0); err != nil {
		t.Fatalf("insert: %v", err)
	}
	res, _ := FetchSync(ctx, s, 10, "events")

	s.SetTerminating()

	if got, _ := FetchSync(ctx, s, 10, "other"); got.Blobs != nil {
		t.Fatalf("unexpected rows from missing table")
	}
	if st, _ := s.Stats(ctx, "other"); st.Exists {
		t.Fatalf("fetch created a table while terminating")
	}

	if err := DeleteSync(ctx, s, res.IDs, "events"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if st, _ := s.Stats(ctx, "events"); st.Rows != 2 {
		t.Fatalf("rows=%d, want 2 (delete skipped while terminating)", st.Rows)
	}

	if got, _ := FetchSync(ctx, s, 10, "events"); got.Blobs != nil || got.IDs != nil {
		t.Fatalf("fetch returned %d rows while terminating", len(got.Blobs))
	}
	if err := InsertSync(ctx, s, blobsN("late", 1), "events", 0); err != nil {
		t.Fatalf("insert while terminating: %v", err)
	}
	if st, _ := s.Stats(ctx, "events"); st.Rows != 3 {
		t.Fatalf("rows=%d, want 3 (inserts still run while terminating)", st.Rows)
	}
}

func TestSQLiteStore_InvalidTableName(t *testing.T) {
	s := newMemoryStoreForTest(t)
	ctx := testCtx(t)

	err := InsertSync(ctx, s, blobsN("q", 1), "events; DROP TABLE x", 0)
	if !errors.Is(err, ErrInvalidTable) {
		t.Fatalf("err=%v, want ErrInvalidTable", err)
	}
	if res, _ := FetchSync(ctx, s, 1, "1bad"); res.Blobs != nil {
		t.Fatalf("expected nil result for invalid table")
	}
}

func TestSQLiteStore_EmptyPathStoresAreIndependent(t *testing.T) {
	a := newMemoryStoreForTest(t)
	b := newMemoryStoreForTest(t)
	ctx := testCtx(t)

	if err := InsertSync(ctx, a, blobsN("a", 1), "events", 0); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if res, _ := FetchSync(ctx, b, 10, "events"); res.Blobs != nil {
		t.Fatalf("second in-memory store saw first store's rows")
	}
}

func TestSQLiteStore_FileSharedBetweenConnections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "events.db")
	a, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	defer a.Close()
	b, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	defer b.Close()
	ctx := testCtx(t)

	if err := InsertSync(ctx, a, blobsN("shared", 2), "events", 0); err != nil {
		t.Fatalf("insert: %v", err)
	}
	res, err := FetchSync(ctx, b, 10, "events")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(res.Blobs) != 2 {
		t.Fatalf("rows=%d, want 2", len(res.Blobs))
	}

	var mode string
	if err := a.db.QueryRow(`PRAGMA journal_mode;`).Scan(&mode); err != nil {
		t.Fatalf("pragma: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode=%q, want wal", mode)
	}
}

func TestSQLiteStore_FailedInsertHasNoPartialEffect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	rw, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := testCtx(t)
	if err := InsertSync(ctx, rw, blobsN("keep", 3), "events", 0); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_ = rw.Close()

	ro, err := OpenSQLite(path, WithSQLiteReadOnly())
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	defer ro.Close()

	err = InsertSync(ctx, ro, blobsN("lost", 2), "events", 2)
	if err == nil {
		t.Fatalf("expected insert into read-only store to fail")
	}
	if !IsReadOnlyError(err) {
		t.Fatalf("err=%v, want read-only error", err)
	}
	res, _ := FetchSync(ctx, ro, 10, "events")
	if len(res.Blobs) != 3 || string(res.Blobs[0]) != "keep-0" {
		t.Fatalf("rows after failed insert=%d, want the 3 originals", len(res.Blobs))
	}

	res2, _ := FetchSync(ctx, ro, 10, "events")
	if err := DeleteSync(ctx, ro, res2.IDs, "events"); err == nil {
		t.Fatalf("expected delete on read-only store to fail")
	}
	if st, _ := ro.Stats(ctx, "events"); st.Rows != 3 {
		t.Fatalf("rows=%d after failed delete, want 3", st.Rows)
	}
}

func TestSQLiteStore_ProgramOrderAcrossGoroutines(t *testing.T) {
	s := newMemoryStoreForTest(t)
	ctx := testCtx(t)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if err := InsertSync(ctx, s, [][]byte{[]byte(fmt.Sprintf("%d-%d", g, i))}, "events", 0); err != nil {
					t.Errorf("insert: %v", err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	st, err := s.Stats(ctx, "events")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Rows != 200 {
		t.Fatalf("rows=%d, want 200", st.Rows)
	}
}

func TestSQLiteStore_CompletionMayChainOperations(t *testing.T) {
	s := newMemoryStoreForTest(t)

	done := make(chan []string, 1)
	s.Insert(blobsN("c", 2), "events", 0, func(err error) {
		if err != nil {
			t.Errorf("insert: %v", err)
		}
		s.FetchBlobs(10, "events", func(blobs [][]byte, _ []int64) {
			out := make([]string, len(blobs))
			for i, b := range blobs {
				out[i] = string(b)
			}
			done <- out
		})
	})

	select {
	case got := <-done:
		if len(got) != 2 {
			t.Fatalf("got %v, want two rows", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("chained fetch never completed")
	}
}

func TestSQLiteStore_ClosedStoreReportsError(t *testing.T) {
	s, err := OpenSQLite("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	ctx := testCtx(t)
	if err := InsertSync(ctx, s, blobsN("late", 1), "events", 0); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("err=%v, want ErrStoreClosed", err)
	}
	if res, _ := FetchSync(ctx, s, 1, "events"); res.Blobs != nil {
		t.Fatalf("expected nil fetch from closed store")
	}
}

func TestSQLiteStore_PurgeKeepsTable(t *testing.T) {
	s := newMemoryStoreForTest(t)
	ctx := testCtx(t)
	if err := InsertSync(ctx, s, blobsN("p", 4), "events", 0); err != nil {
		t.Fatalf("insert: %v", err)
	}
	n, err := s.Purge(ctx, "events")
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 4 {
		t.Fatalf("purged=%d, want 4", n)
	}
	st, _ := s.Stats(ctx, "events")
	if !st.Exists || st.Rows != 0 {
		t.Fatalf("stats=%+v, want existing empty table", st)
	}
}
