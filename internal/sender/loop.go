package sender

import (
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nuetzliches/beacon/internal/settings"
)

type messageKind int

const (
	msgStored messageKind = iota + 1
	msgBecameActive
	msgFlush
	msgFetched
	msgUploaded
	msgDeleted
)

type message struct {
	kind messageKind

	blobs [][]byte
	ids   []int64

	records []Record
	result  UploadResult

	flushDone chan error
}

func (s *Sender) run() {
	defer s.wg.Done()
	defer s.stopTimer()

	for {
		select {
		case <-s.stopCh:
			for _, w := range s.loop.flushWaiters {
				w <- ErrClosed
			}
			s.loop.flushWaiters = nil
			return
		case <-s.loop.timerC:
			s.loop.timer = nil
			s.loop.timerC = nil
			s.startUpload()
		case m := <-s.inbox:
			s.handle(m)
		}
	}
}

func (s *Sender) handle(m message) {
	switch m.kind {
	case msgStored:
		s.schedule()
	case msgBecameActive:
		s.becameActive()
	case msgFlush:
		s.loop.flushWaiters = append(s.loop.flushWaiters, m.flushDone)
		s.loop.draining = true
		if s.loop.uploading {
			return
		}
		s.stopTimer()
		s.startUpload()
	case msgFetched:
		s.fetched(m.blobs, m.ids)
	case msgUploaded:
		s.uploaded(m.records, m.ids, m.result)
	case msgDeleted:
		s.loop.uploading = false
		if s.loop.draining {
			s.startUpload()
			return
		}
		s.schedule()
	}
}

// schedule uploads right away when the batching delay is zero and nothing
// is pending; otherwise it makes sure a timer is armed.
func (s *Sender) schedule() {
	s.setInterval(s.policy.get().effectiveDelay())
	if s.loop.interval <= 0 && s.loop.timer == nil && !s.loop.uploading {
		s.startUpload()
		return
	}
	s.scheduleBackground()
}

func (s *Sender) scheduleBackground() {
	if s.loop.timer != nil || s.loop.uploading {
		s.loop.uploadRequested = true
		return
	}
	interval := s.loop.interval
	if interval <= 0 {
		interval = retryInterval
	}
	s.armTimer(interval)
	s.loop.uploadRequested = false
	s.loop.window = interval
	s.markWindowStart()
}

func (s *Sender) becameActive() {
	p := s.policy.get()
	if p.BackgroundTimer.Enabled && s.settings != nil {
		if start, ok := settings.Float(s.settings, p.BackgroundTimer.key()); ok && start > 0 {
			sec, frac := math.Modf(start)
			elapsed := s.now().Sub(time.Unix(int64(sec), int64(frac*float64(time.Second))))
			// A window armed before a restart is unknown; the configured
			// delay stands in for it.
			window := s.loop.window
			if window <= 0 {
				window = p.effectiveDelay()
			}
			remaining := max(window-elapsed, 0)
			s.setInterval(remaining)
			if s.loop.uploading {
				s.loop.uploadRequested = true
				return
			}
			s.stopTimer()
			if remaining == 0 {
				s.startUpload()
				return
			}
			s.armTimer(remaining)
			return
		}
	}
	s.schedule()
}

func (s *Sender) startUpload() {
	s.loop.uploading = true
	s.loop.uploadRequested = false
	s.markWindowStart()
	s.store.FetchBlobs(s.batchSize, s.table, func(blobs [][]byte, ids []int64) {
		s.post(message{kind: msgFetched, blobs: blobs, ids: ids})
	})
}

func (s *Sender) fetched(blobs [][]byte, ids []int64) {
	if len(blobs) == 0 || len(blobs) != len(ids) {
		s.logger.Debug("sender_queue_empty", slog.String("table", s.table))
		s.uploadEnded(nil)
		return
	}

	records := make([]Record, 0, len(blobs))
	for i, blob := range blobs {
		rec, err := decodeRecord(blob)
		if err != nil {
			s.logger.Warn("sender_record_undecodable",
				slog.String("table", s.table),
				slog.Int64("id", ids[i]),
				slog.Any("err", err),
			)
			continue
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		// Nothing uploadable in this batch; drop it so it cannot block the queue.
		s.deleteBatch(ids)
		return
	}

	body, err := encodeBody(records, s.serialization)
	if err != nil {
		s.reportError("sender_body_failed", err)
		s.uploadEnded(err)
		return
	}

	endpoint := s.Endpoint()
	ctx := s.ctx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		started := s.now()
		ctx, span := s.tracer.Start(ctx, "sender.upload",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("beacon.table", s.table),
				attribute.Int("beacon.records", len(records)),
			),
		)
		res := s.uploader.Upload(ctx, endpoint, body)
		if res.StatusCode != 0 {
			span.SetAttributes(attribute.Int("http.response.status_code", res.StatusCode))
		}
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		}
		span.End()
		if s.observer != nil {
			s.observer.UploadFinished(s.table, len(records), res.StatusCode, res.Err, s.now().Sub(started))
		}
		s.post(message{kind: msgUploaded, records: records, ids: ids, result: res})
	}()
}

func (s *Sender) uploaded(records []Record, ids []int64, res UploadResult) {
	if res.Err != nil {
		attrs := []any{
			slog.String("table", s.table),
			slog.Int("records", len(records)),
			slog.Any("err", res.Err),
		}
		if isStatusError(res.Err) {
			attrs = append(attrs, slog.Int("status", res.StatusCode))
		}
		s.logger.Warn("sender_upload_failed", attrs...)
		if s.errorHandler != nil {
			s.errorHandler(res.Err)
		}
		s.notifications.Broadcast(Outcome{Kind: UploadFailure, Table: s.table, Records: records, Err: res.Err})
		s.loop.uploadRequested = true
		s.uploadEnded(res.Err)
		return
	}

	s.logger.Debug("sender_upload_succeeded",
		slog.String("table", s.table),
		slog.Int("records", len(records)),
		slog.Int("status", res.StatusCode),
	)
	s.notifications.Broadcast(Outcome{Kind: UploadSuccess, Table: s.table, Records: records})
	s.deleteBatch(ids)
}

func (s *Sender) deleteBatch(ids []int64) {
	s.store.DeleteBlobs(ids, s.table, func(err error) {
		if err != nil {
			s.reportError("sender_delete_failed", err)
		}
		s.post(message{kind: msgDeleted})
	})
}

// uploadEnded runs when an upload cycle stops without a follow-up batch.
func (s *Sender) uploadEnded(err error) {
	s.loop.uploading = false
	if s.loop.draining {
		s.loop.draining = false
		for _, w := range s.loop.flushWaiters {
			w <- err
		}
		s.loop.flushWaiters = nil
	}
	if !s.loop.uploadRequested {
		return
	}
	// Rows stored during a clean cycle go out now when there is no batching
	// delay; after a failure the retry waits for the timer.
	if err == nil && s.policy.get().effectiveDelay() <= 0 && s.loop.timer == nil {
		s.startUpload()
		return
	}
	s.scheduleBackground()
}

func (s *Sender) armTimer(d time.Duration) {
	s.stopTimer()
	s.loop.timer = time.NewTimer(d)
	s.loop.timerC = s.loop.timer.C
	s.setInterval(d)
}

func (s *Sender) stopTimer() {
	if s.loop.timer != nil {
		s.loop.timer.Stop()
	}
	s.loop.timer = nil
	s.loop.timerC = nil
}

func (s *Sender) setInterval(d time.Duration) {
	s.loop.interval = d
	s.intervalNanos.Store(int64(d))
}

// markWindowStart records when the current upload window opened, for the
// background timer catch-up on the next foreground transition.
func (s *Sender) markWindowStart() {
	p := s.policy.get()
	if !p.BackgroundTimer.Enabled || s.settings == nil {
		return
	}
	now := s.now()
	start := float64(now.UnixNano()) / float64(time.Second)
	if err := s.settings.Set(p.BackgroundTimer.key(), start); err != nil {
		s.reportError("sender_window_start_failed", err)
	}
}

func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("sender: invalid endpoint %q: %w", endpoint, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("sender: invalid endpoint %q: want an absolute http(s) URL", endpoint)
	}
	return nil
}
