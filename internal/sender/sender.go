// Package sender persists event payloads and uploads them in batches.
//
// Every payload is written to an event store before any network attempt.
// A single goroutine per Sender owns the upload timer and the
// in-progress flags; Send, store completions, timer fires, upload results
// and lifecycle hooks all reach it as messages on one inbox channel.
package sender

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nuetzliches/beacon/internal/eventstore"
	"github.com/nuetzliches/beacon/internal/notify"
	"github.com/nuetzliches/beacon/internal/settings"
)

const tracerName = "github.com/nuetzliches/beacon/internal/sender"

// Observer receives pipeline measurements. Implementations must not block.
type Observer interface {
	EventStored(table string, err error)
	UploadFinished(table string, records int, statusCode int, err error, elapsed time.Duration)
}

type Option func(*Sender)

func WithHTTPClient(c *http.Client) Option {
	return func(s *Sender) { s.client = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Sender) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithSerialization(m Serialization) Option {
	return func(s *Sender) { s.serialization = m }
}

func WithMaxRows(n int) Option {
	return func(s *Sender) {
		if n >= 0 {
			s.maxRows = n
		}
	}
}

func WithBatchSize(n int) Option {
	return func(s *Sender) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithBatchingPolicy(p BatchingPolicy) Option {
	return func(s *Sender) { s.policy.set(p) }
}

// WithSettings provides the store used to persist background timer start
// times.
func WithSettings(st settings.Store) Option {
	return func(s *Sender) { s.settings = st }
}

func WithNowFunc(now func() time.Time) Option {
	return func(s *Sender) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithCookies(enabled bool) Option {
	return func(s *Sender) { s.useCookies = enabled }
}

func WithBreaker(cfg BreakerSettings) Option {
	return func(s *Sender) { s.breaker = cfg }
}

func WithObserver(o Observer) Option {
	return func(s *Sender) { s.observer = o }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(s *Sender) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

// WithErrorHandler registers a callback for errors that are otherwise only
// logged, such as serialization or storage failures.
func WithErrorHandler(fn func(error)) Option {
	return func(s *Sender) { s.errorHandler = fn }
}

type Sender struct {
	store    eventstore.Store
	table    string
	endpoint atomic.Pointer[string]

	client         *http.Client
	useCookies     bool
	requestTimeout time.Duration
	breaker        BreakerSettings
	uploader       *Uploader

	logger        *slog.Logger
	serialization Serialization
	maxRows       int
	batchSize     int
	policy        policyBox
	settings      settings.Store
	nowFn         func() time.Time
	observer      Observer
	errorHandler  func(error)
	tracer        trace.Tracer

	notifications *notify.Broadcaster[Outcome]

	inbox    chan message
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc

	// Owned by the run loop; intervalNanos mirrors interval for readers.
	intervalNanos atomic.Int64
	loop          loopState
}

type loopState struct {
	timer           *time.Timer
	timerC          <-chan time.Time
	interval        time.Duration
	window          time.Duration
	uploading       bool
	uploadRequested bool
	draining        bool
	flushWaiters    []chan error
}

// New starts a Sender storing into table of store and uploading to
// endpoint. Close stops it.
func New(store eventstore.Store, table, endpoint string, opts ...Option) (*Sender, error) {
	if store == nil {
		return nil, fmt.Errorf("sender: nil store")
	}
	if !eventstore.ValidTableName(table) {
		return nil, fmt.Errorf("%w: %q", eventstore.ErrInvalidTable, table)
	}
	s := &Sender{
		store:          store,
		table:          table,
		logger:         slog.Default(),
		maxRows:        DefaultMaxRows,
		batchSize:      DefaultBatchSize,
		requestTimeout: DefaultRequestTimeout,
		nowFn:          time.Now,
		policy:         newPolicyBox(),
		notifications:  notify.NewBroadcaster[Outcome](),
		inbox:          make(chan message, 64),
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.SetEndpoint(endpoint); err != nil {
		return nil, err
	}
	s.uploader = NewUploader(s.client, s.useCookies)
	s.uploader.Timeout = s.requestTimeout
	s.uploader.Breaker = newBreaker("upload_"+table, s.breaker, s.logger)
	s.tracer = otel.Tracer(tracerName)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go s.run()
	return s, nil
}

func (s *Sender) Table() string { return s.table }

func (s *Sender) Endpoint() string {
	if p := s.endpoint.Load(); p != nil {
		return *p
	}
	return ""
}

// SetEndpoint replaces the upload endpoint. An empty endpoint is allowed;
// uploads then fail with ErrEndpointMissing and rows stay queued.
func (s *Sender) SetEndpoint(endpoint string) error {
	if endpoint != "" {
		if err := validateEndpoint(endpoint); err != nil {
			return err
		}
	}
	s.endpoint.Store(&endpoint)
	return nil
}

func (s *Sender) SetBatchingDelay(d time.Duration) {
	s.policy.update(func(p *BatchingPolicy) {
		p.Delay = d
		p.DelayFunc = nil
	})
}

func (s *Sender) SetBatchingDelayFunc(fn func() time.Duration) {
	s.policy.update(func(p *BatchingPolicy) { p.DelayFunc = fn })
}

func (s *Sender) SetBackgroundTimer(bt BackgroundTimer) {
	s.policy.update(func(p *BatchingPolicy) { p.BackgroundTimer = bt })
}

func (s *Sender) BatchingPolicy() BatchingPolicy {
	return s.policy.get()
}

// UploadTimerInterval is the interval the current or last upload timer was
// armed with.
func (s *Sender) UploadTimerInterval() time.Duration {
	return time.Duration(s.intervalNanos.Load())
}

func (s *Sender) Notifications() *notify.Broadcaster[Outcome] {
	return s.notifications
}

// Send serializes payload, stores it and schedules an upload. It does not
// wait for the write; failures are logged and reported to the error
// handler.
func (s *Sender) Send(payload any) {
	blob, err := encodePayload(payload)
	if err != nil {
		s.reportError("sender_serialize_failed", err)
		return
	}
	s.sendBlob(blob)
}

func (s *Sender) sendBlob(blob []byte) {
	select {
	case <-s.stopCh:
		s.reportError("sender_send_after_close", ErrClosed)
		return
	default:
	}
	s.store.Insert([][]byte{blob}, s.table, s.maxRows, func(err error) {
		if s.observer != nil {
			s.observer.EventStored(s.table, err)
		}
		if err != nil {
			s.reportError("sender_store_failed", err)
		}
		s.post(message{kind: msgStored})
	})
}

// AppDidBecomeActive is called by the host when it returns to the
// foreground.
func (s *Sender) AppDidBecomeActive() {
	s.post(message{kind: msgBecameActive})
}

// Flush uploads every queued row now, ignoring the batching delay, and
// returns once the table is empty or an upload fails.
func (s *Sender) Flush(ctx context.Context) error {
	done := make(chan error, 1)
	if !s.post(message{kind: msgFlush, flushDone: done}) {
		return ErrClosed
	}
	select {
	case err := <-done:
		return err
	case <-s.stopCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the run loop and cancels an in-flight upload. Rows already
// stored stay in the table.
func (s *Sender) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.cancel()
		s.wg.Wait()
		s.notifications.Close()
	})
	return nil
}

func (s *Sender) reportError(msg string, err error) {
	s.logger.Warn(msg, slog.String("table", s.table), slog.Any("err", err))
	if s.errorHandler != nil {
		s.errorHandler(err)
	}
}

func (s *Sender) post(m message) bool {
	select {
	case <-s.stopCh:
		return false
	default:
	}
	select {
	case s.inbox <- m:
		return true
	case <-s.stopCh:
		return false
	}
}

func (s *Sender) now() time.Time { return s.nowFn() }
