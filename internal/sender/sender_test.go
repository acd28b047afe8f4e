package sender

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nuetzliches/beacon/internal/eventstore"
	"github.com/nuetzliches/beacon/internal/settings"
)

type capturedRequest struct {
	Method        string
	ContentType   string
	ContentLength string
	CacheControl  string
	Cookie        string
	Body          string
}

type stubEndpoint struct {
	srv *httptest.Server

	status   atomic.Int64
	mu       sync.Mutex
	requests []capturedRequest
}

func newStubEndpoint(t *testing.T, status int) *stubEndpoint {
	t.Helper()
	e := &stubEndpoint{}
	e.status.Store(int64(status))
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		e.mu.Lock()
		e.requests = append(e.requests, capturedRequest{
			Method:        r.Method,
			ContentType:   r.Header.Get("Content-Type"),
			ContentLength: r.Header.Get("Content-Length"),
			CacheControl:  r.Header.Get("Cache-Control"),
			Cookie:        r.Header.Get("Cookie"),
			Body:          string(body),
		})
		e.mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc"})
		w.WriteHeader(int(e.status.Load()))
	}))
	t.Cleanup(e.srv.Close)
	return e
}

func (e *stubEndpoint) Requests() []capturedRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]capturedRequest(nil), e.requests...)
}

type testClock struct {
	nanos atomic.Int64
}

func newTestClock(t time.Time) *testClock {
	c := &testClock{}
	c.nanos.Store(t.UnixNano())
	return c
}

func (c *testClock) Now() time.Time            { return time.Unix(0, c.nanos.Load()) }
func (c *testClock) Advance(d time.Duration) { c.nanos.Add(int64(d)) }

func newStoreForTest(t *testing.T) *eventstore.SQLiteStore {
	t.Helper()
	s, err := eventstore.OpenSQLite("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newSenderForTest(t *testing.T, store eventstore.Store, endpoint string, opts ...Option) *Sender {
	t.Helper()
	s, err := New(store, "events", endpoint, opts...)
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}

func waitOutcome(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatalf("no upload outcome received")
	}
	return Outcome{}
}

func rowCount(t *testing.T, store *eventstore.SQLiteStore) int64 {
	t.Helper()
	st, err := store.Stats(context.Background(), "events")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	return st.Rows
}

func TestSender_SendUploadsAndDeletes(t *testing.T) {
	endpoint := newStubEndpoint(t, http.StatusOK)
	store := newStoreForTest(t)
	s := newSenderForTest(t, store, endpoint.srv.URL)
	outcomes := s.Notifications().AddListener()

	s.Send(map[string]any{"key": "value"})

	o := waitOutcome(t, outcomes)
	if o.Kind != UploadSuccess {
		t.Fatalf("outcome=%v err=%v, want success", o.Kind, o.Err)
	}
	if len(o.Records) != 1 || o.Records[0]["key"] != "value" {
		t.Fatalf("records=%v, want [{key:value}]", o.Records)
	}
	waitFor(t, 5*time.Second, func() bool { return rowCount(t, store) == 0 }, "row deleted after upload")

	reqs := endpoint.Requests()
	if len(reqs) != 1 {
		t.Fatalf("requests=%d, want 1", len(reqs))
	}
	req := reqs[0]
	if req.Method != http.MethodPost {
		t.Fatalf("method=%s, want POST", req.Method)
	}
	if req.ContentType != "text/plain" {
		t.Fatalf("content-type=%q, want text/plain", req.ContentType)
	}
	if want := strconv.Itoa(len(req.Body)); req.ContentLength != want {
		t.Fatalf("content-length=%q, want %s", req.ContentLength, want)
	}
	if req.CacheControl != "no-cache" {
		t.Fatalf("cache-control=%q, want no-cache", req.CacheControl)
	}
	if want := `cpkg_none=[{"key":"value"}]`; req.Body != want {
		t.Fatalf("body=%q, want %q", req.Body, want)
	}
}

func TestSender_FailedUploadKeepsRowsUntilSuccess(t *testing.T) {
	endpoint := newStubEndpoint(t, http.StatusInternalServerError)
	store := newStoreForTest(t)
	s := newSenderForTest(t, store, endpoint.srv.URL)
	outcomes := s.Notifications().AddListener()

	s.Send(map[string]any{"n": 1})

	o := waitOutcome(t, outcomes)
	if o.Kind != UploadFailure {
		t.Fatalf("outcome=%v, want failure", o.Kind)
	}
	var se *StatusError
	if !errors.As(o.Err, &se) || se.StatusCode != http.StatusInternalServerError {
		t.Fatalf("err=%v, want StatusError 500", o.Err)
	}
	if o.Err.Error() != "invalid_response" {
		t.Fatalf("err text=%q, want invalid_response", o.Err.Error())
	}
	if got := rowCount(t, store); got != 1 {
		t.Fatalf("rows=%d after failure, want 1", got)
	}

	endpoint.status.Store(http.StatusOK)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := rowCount(t, store); got != 0 {
		t.Fatalf("rows=%d after successful flush, want 0", got)
	}

	// One failed attempt and one successful delivery, nothing more.
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if got := len(endpoint.Requests()); got != 2 {
		t.Fatalf("requests=%d, want 2", got)
	}
}

func TestSender_TransportErrorNotifiesFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	store := newStoreForTest(t)
	s := newSenderForTest(t, store, url)
	outcomes := s.Notifications().AddListener()

	s.Send(map[string]any{"n": 1})
	o := waitOutcome(t, outcomes)
	if o.Kind != UploadFailure || o.Err == nil {
		t.Fatalf("outcome=%+v, want failure with error", o)
	}
	if got := rowCount(t, store); got != 1 {
		t.Fatalf("rows=%d, want 1", got)
	}
}

func TestSender_BatchesRespectBatchSize(t *testing.T) {
	endpoint := newStubEndpoint(t, http.StatusOK)
	store := newStoreForTest(t)
	ctx := context.Background()

	blobs := make([][]byte, 5)
	for i := range blobs {
		blobs[i] = []byte(`{"i":` + string(rune('0'+i)) + `}`)
	}
	if err := eventstore.InsertSync(ctx, store, blobs, "events", 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	s := newSenderForTest(t, store, endpoint.srv.URL, WithBatchSize(2), WithBatchingPolicy(BatchingPolicy{Delay: time.Hour}))
	fctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Flush(fctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	reqs := endpoint.Requests()
	if len(reqs) != 3 {
		t.Fatalf("requests=%d, want 3", len(reqs))
	}
	if reqs[0].Body != `cpkg_none=[{"i":0},{"i":1}]` {
		t.Fatalf("first body=%q", reqs[0].Body)
	}
	if reqs[2].Body != `cpkg_none=[{"i":4}]` {
		t.Fatalf("last body=%q", reqs[2].Body)
	}
}

func TestSender_BatchingDelay(t *testing.T) {
	cases := []struct {
		name  string
		delay time.Duration
		want  time.Duration
	}{
		{name: "default", delay: 0, want: 0},
		{name: "custom", delay: 15 * time.Second, want: 15 * time.Second},
		{name: "clamped to max", delay: 5 * time.Minute, want: 60 * time.Second},
		{name: "negative", delay: -time.Second, want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			endpoint := newStubEndpoint(t, http.StatusOK)
			store := newStoreForTest(t)
			s := newSenderForTest(t, store, endpoint.srv.URL)
			s.SetBatchingDelay(tc.delay)

			s.Send(map[string]any{"k": "v"})
			waitFor(t, 5*time.Second, func() bool {
				if tc.want == 0 {
					return len(endpoint.Requests()) == 1
				}
				return s.UploadTimerInterval() == tc.want
			}, "upload scheduled")
			if got := s.UploadTimerInterval(); got != tc.want {
				t.Fatalf("interval=%v, want %v", got, tc.want)
			}
			if tc.want > 0 && len(endpoint.Requests()) != 0 {
				t.Fatalf("upload happened before the batching delay")
			}
		})
	}
}

func TestSender_DelayFuncConsultedOnSchedule(t *testing.T) {
	endpoint := newStubEndpoint(t, http.StatusOK)
	store := newStoreForTest(t)
	s := newSenderForTest(t, store, endpoint.srv.URL)

	var calls atomic.Int32
	s.SetBatchingDelayFunc(func() time.Duration {
		calls.Add(1)
		return 20 * time.Second
	})
	s.Send(map[string]any{"k": "v"})
	waitFor(t, 5*time.Second, func() bool { return s.UploadTimerInterval() == 20*time.Second }, "timer armed")
	if calls.Load() == 0 {
		t.Fatalf("delay func never consulted")
	}
}

func TestSender_PolicyUpdatesWhileScheduling(t *testing.T) {
	endpoint := newStubEndpoint(t, http.StatusOK)
	store := newStoreForTest(t)
	s := newSenderForTest(t, store, endpoint.srv.URL,
		WithBatchingPolicy(BatchingPolicy{Delay: time.Minute}))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range 200 {
			s.SetBatchingDelay(time.Duration(30+i%10) * time.Second)
		}
	}()
	for range 20 {
		s.Send(map[string]any{"k": "v"})
	}
	wg.Wait()

	s.SetBatchingDelay(45 * time.Second)
	if got := s.BatchingPolicy().Delay; got != 45*time.Second {
		t.Fatalf("delay=%v, want 45s", got)
	}
	if s.BatchingPolicy().DelayFunc != nil {
		t.Fatalf("SetBatchingDelay kept the delay func")
	}
}

func TestSender_BackgroundTimerCatchUp(t *testing.T) {
	endpoint := newStubEndpoint(t, http.StatusOK)
	store := newStoreForTest(t)
	kv := settings.NewMemoryStore()
	clock := newTestClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	s := newSenderForTest(t, store, endpoint.srv.URL,
		WithSettings(kv),
		WithNowFunc(clock.Now),
		WithBatchingPolicy(BatchingPolicy{
			Delay:             900 * time.Second,
			MaxUploadInterval: 900 * time.Second,
			BackgroundTimer:   BackgroundTimer{Enabled: true, StartTimeKey: "geo_start"},
		}),
	)

	if _, ok := settings.Float(kv, "geo_start"); ok {
		t.Fatalf("start time set before any send")
	}
	s.Send(map[string]any{"loc": true})
	waitFor(t, 5*time.Second, func() bool {
		_, ok := settings.Float(kv, "geo_start")
		return ok
	}, "start time recorded")
	start, _ := settings.Float(kv, "geo_start")
	if start <= 0 {
		t.Fatalf("start=%v, want > 0", start)
	}
	if got := s.UploadTimerInterval(); got != 900*time.Second {
		t.Fatalf("interval=%v, want 900s", got)
	}

	clock.Advance(3 * time.Second)
	s.AppDidBecomeActive()
	waitFor(t, 5*time.Second, func() bool { return s.UploadTimerInterval() <= 897*time.Second }, "interval recomputed")

	if got := s.UploadTimerInterval(); got > 900*time.Second-3*time.Second {
		t.Fatalf("interval=%v, want <= 897s", got)
	}
	if len(endpoint.Requests()) != 0 {
		t.Fatalf("upload happened before the window elapsed")
	}

	// Once the whole window has passed, returning to the foreground uploads.
	outcomes := s.Notifications().AddListener()
	clock.Advance(900 * time.Second)
	s.AppDidBecomeActive()
	if o := waitOutcome(t, outcomes); o.Kind != UploadSuccess {
		t.Fatalf("outcome=%v, want success", o.Kind)
	}
}

func TestSender_BackgroundTimerCatchUpUsesArmedWindow(t *testing.T) {
	endpoint := newStubEndpoint(t, http.StatusOK)
	store := newStoreForTest(t)
	kv := settings.NewMemoryStore()
	clock := newTestClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	s := newSenderForTest(t, store, endpoint.srv.URL,
		WithSettings(kv),
		WithNowFunc(clock.Now),
		WithBatchingPolicy(BatchingPolicy{
			Delay:             10 * time.Second,
			MaxUploadInterval: 900 * time.Second,
			BackgroundTimer:   BackgroundTimer{Enabled: true},
		}),
	)

	s.Send(map[string]any{"k": "v"})
	waitFor(t, 5*time.Second, func() bool {
		_, ok := settings.Float(kv, DefaultStartTimeKey)
		return ok && s.UploadTimerInterval() == 10*time.Second
	}, "timer armed with the batching delay")

	clock.Advance(3 * time.Second)
	s.AppDidBecomeActive()
	waitFor(t, 5*time.Second, func() bool { return s.UploadTimerInterval() != 10*time.Second }, "interval recomputed")

	if got := s.UploadTimerInterval(); got != 7*time.Second {
		t.Fatalf("interval=%v, want 7s (10s window, 3s elapsed)", got)
	}

	outcomes := s.Notifications().AddListener()
	clock.Advance(10 * time.Second)
	s.AppDidBecomeActive()
	if o := waitOutcome(t, outcomes); o.Kind != UploadSuccess {
		t.Fatalf("outcome=%v, want success", o.Kind)
	}
}

func TestSender_BackgroundTimerStartTimeKey(t *testing.T) {
	cases := []struct {
		name    string
		enabled bool
		delay   time.Duration
		wantSet bool
	}{
		{name: "disabled zero delay", enabled: false, delay: 0, wantSet: false},
		{name: "disabled long delay", enabled: false, delay: 900 * time.Second, wantSet: false},
		{name: "enabled zero delay", enabled: true, delay: 0, wantSet: true},
		{name: "enabled long delay", enabled: true, delay: 900 * time.Second, wantSet: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			endpoint := newStubEndpoint(t, http.StatusOK)
			store := newStoreForTest(t)
			kv := settings.NewMemoryStore()
			s := newSenderForTest(t, store, endpoint.srv.URL,
				WithSettings(kv),
				WithBatchingPolicy(BatchingPolicy{
					Delay:             tc.delay,
					MaxUploadInterval: 900 * time.Second,
					BackgroundTimer:   BackgroundTimer{Enabled: tc.enabled},
				}),
			)
			s.Send(map[string]any{"k": "v"})
			waitFor(t, 5*time.Second, func() bool {
				if tc.delay == 0 {
					return len(endpoint.Requests()) == 1
				}
				return s.UploadTimerInterval() == tc.delay
			}, "send processed")

			_, ok := settings.Float(kv, DefaultStartTimeKey)
			if ok != tc.wantSet {
				t.Fatalf("start time set=%v, want %v", ok, tc.wantSet)
			}
		})
	}
}

func TestSender_InternalSerializationBody(t *testing.T) {
	endpoint := newStubEndpoint(t, http.StatusOK)
	store := newStoreForTest(t)
	s := newSenderForTest(t, store, endpoint.srv.URL, WithSerialization(SerializationInternal))
	outcomes := s.Notifications().AddListener()

	s.Send(map[string]any{"b": 0.1, "a": 1e-7, "n": 42, "ok": true})
	if o := waitOutcome(t, outcomes); o.Kind != UploadSuccess {
		t.Fatalf("outcome=%v, want success", o.Kind)
	}
	reqs := endpoint.Requests()
	if len(reqs) != 1 {
		t.Fatalf("requests=%d, want 1", len(reqs))
	}
	if want := `cpkg_none=[{"a":0.0000001,"b":0.1,"n":42,"ok":true}]`; reqs[0].Body != want {
		t.Fatalf("body=%q, want %q", reqs[0].Body, want)
	}
}

func TestSender_CookiesSuppressedByDefault(t *testing.T) {
	endpoint := newStubEndpoint(t, http.StatusOK)
	store := newStoreForTest(t)
	s := newSenderForTest(t, store, endpoint.srv.URL)
	outcomes := s.Notifications().AddListener()

	s.Send(map[string]any{"k": 1})
	waitOutcome(t, outcomes)
	s.Send(map[string]any{"k": 2})
	waitOutcome(t, outcomes)

	for i, r := range endpoint.Requests() {
		if r.Cookie != "" {
			t.Fatalf("request %d carried cookie %q", i, r.Cookie)
		}
	}
}

func TestSender_CookiesSentWhenEnabled(t *testing.T) {
	endpoint := newStubEndpoint(t, http.StatusOK)
	store := newStoreForTest(t)
	s := newSenderForTest(t, store, endpoint.srv.URL, WithCookies(true))
	outcomes := s.Notifications().AddListener()

	s.Send(map[string]any{"k": 1})
	waitOutcome(t, outcomes)
	s.Send(map[string]any{"k": 2})
	waitOutcome(t, outcomes)

	reqs := endpoint.Requests()
	if len(reqs) != 2 || !strings.Contains(reqs[1].Cookie, "session=abc") {
		t.Fatalf("second request cookie=%q, want session=abc", reqs[len(reqs)-1].Cookie)
	}
}

func TestSender_BreakerSkipsRequestsWhenOpen(t *testing.T) {
	endpoint := newStubEndpoint(t, http.StatusServiceUnavailable)
	store := newStoreForTest(t)
	s := newSenderForTest(t, store, endpoint.srv.URL,
		WithBreaker(BreakerSettings{ConsecutiveFailures: 1, OpenTimeout: time.Hour}),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.Send(map[string]any{"k": 1})
	waitFor(t, 5*time.Second, func() bool { return len(endpoint.Requests()) == 1 }, "first attempt")

	err := s.Flush(ctx)
	if err == nil || !strings.Contains(err.Error(), "upload skipped") {
		t.Fatalf("flush err=%v, want skipped by open breaker", err)
	}
	if got := len(endpoint.Requests()); got != 1 {
		t.Fatalf("requests=%d, want 1 while breaker is open", got)
	}
	if got := rowCount(t, store); got != 1 {
		t.Fatalf("rows=%d, want 1", got)
	}
}

func TestSender_MissingEndpointKeepsRows(t *testing.T) {
	store := newStoreForTest(t)
	s := newSenderForTest(t, store, "")
	outcomes := s.Notifications().AddListener()

	s.Send(map[string]any{"k": 1})
	o := waitOutcome(t, outcomes)
	if o.Kind != UploadFailure || !errors.Is(o.Err, ErrEndpointMissing) {
		t.Fatalf("outcome=%+v, want ErrEndpointMissing", o)
	}
	if got := rowCount(t, store); got != 1 {
		t.Fatalf("rows=%d, want 1", got)
	}
}

func TestSender_InvalidEndpointRejected(t *testing.T) {
	store := newStoreForTest(t)
	for _, ep := range []string{"not a url", "ftp://host/x", "/relative"} {
		if _, err := New(store, "events", ep); err == nil {
			t.Fatalf("endpoint %q accepted, want error", ep)
		}
	}
	if _, err := New(store, "bad name", "https://example.com"); !errors.Is(err, eventstore.ErrInvalidTable) {
		t.Fatalf("err=%v, want ErrInvalidTable", err)
	}
}

func TestSender_NonObjectPayloadRejected(t *testing.T) {
	store := newStoreForTest(t)
	var reported atomic.Int32
	s := newSenderForTest(t, store, "", WithErrorHandler(func(error) { reported.Add(1) }))

	s.Send([]int{1, 2})
	s.Send(nil)
	if reported.Load() != 2 {
		t.Fatalf("reported=%d, want 2", reported.Load())
	}
	if got := rowCount(t, store); got != 0 {
		t.Fatalf("rows=%d, want 0", got)
	}
}

func TestSender_CloseStopsUploads(t *testing.T) {
	endpoint := newStubEndpoint(t, http.StatusOK)
	store := newStoreForTest(t)
	s, err := New(store, "events", endpoint.srv.URL, WithBatchingPolicy(BatchingPolicy{Delay: 30 * time.Second}))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.Send(map[string]any{"k": 1})
	waitFor(t, 5*time.Second, func() bool { return s.UploadTimerInterval() == 30*time.Second }, "timer armed")

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Flush(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("flush after close err=%v, want ErrClosed", err)
	}
	if got := rowCount(t, store); got != 1 {
		t.Fatalf("rows=%d, want 1 kept after close", got)
	}
	if len(endpoint.Requests()) != 0 {
		t.Fatalf("unexpected upload after close")
	}
}
