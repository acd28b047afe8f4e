package sender

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"
)

type UploadResult struct {
	StatusCode int
	Err        error
}

// Uploader posts upload bodies to the collection endpoint.
type Uploader struct {
	Client  *http.Client
	Timeout time.Duration
	Breaker *gobreaker.CircuitBreaker[int]
}

// NewUploader returns an uploader using client. Without cookies, any jar on
// the client is dropped so the request carries no cookies.
func NewUploader(client *http.Client, useCookies bool) *Uploader {
	var c http.Client
	if client != nil {
		c = *client
	}
	if useCookies {
		if c.Jar == nil {
			jar, _ := cookiejar.New(nil)
			c.Jar = jar
		}
	} else {
		c.Jar = nil
	}
	return &Uploader{Client: &c, Timeout: DefaultRequestTimeout}
}

type BreakerSettings struct {
	// ConsecutiveFailures opens the breaker. Zero disables it.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
}

func newBreaker(name string, cfg BreakerSettings, logger *slog.Logger) *gobreaker.CircuitBreaker[int] {
	if cfg.ConsecutiveFailures == 0 {
		return nil
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	threshold := cfg.ConsecutiveFailures
	return gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("sender_breaker_state_changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
}

func (u *Uploader) Upload(ctx context.Context, endpoint string, body []byte) UploadResult {
	if endpoint == "" {
		return UploadResult{Err: ErrEndpointMissing}
	}
	if u.Breaker == nil {
		return u.do(ctx, endpoint, body)
	}

	var res UploadResult
	_, err := u.Breaker.Execute(func() (int, error) {
		res = u.do(ctx, endpoint, body)
		if res.Err != nil {
			return res.StatusCode, res.Err
		}
		return res.StatusCode, nil
	})
	if err != nil && res.Err == nil {
		// Rejected by an open breaker; no request was made.
		res.Err = fmt.Errorf("sender: upload skipped: %w", err)
	}
	return res
}

func (u *Uploader) do(ctx context.Context, endpoint string, body []byte) UploadResult {
	if u.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return UploadResult{Err: err}
	}
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return UploadResult{Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return UploadResult{StatusCode: resp.StatusCode, Err: &StatusError{StatusCode: resp.StatusCode}}
	}
	return UploadResult{StatusCode: resp.StatusCode}
}

func isStatusError(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}
