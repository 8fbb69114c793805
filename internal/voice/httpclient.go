package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/discord-voice-lab/schedbot/internal/logging"
)

var (
	// ErrRateLimited means the service answered 429.
	ErrRateLimited = errors.New("rate limited")
	// ErrUpstream covers every other failure talking to a service.
	ErrUpstream = errors.New("upstream failure")
)

// PostWithRetries posts body to url, retrying transport errors with a short
// exponential backoff. HTTP error statuses are returned to the caller as a
// response. Caller must close resp.Body.
func PostWithRetries(ctx context.Context, client *http.Client, url, contentType string, body []byte, authToken string, timeout time.Duration, attempts int, correlationID string) (*http.Response, error) {
	if attempts <= 0 {
		attempts = 1
	}
	if client == nil {
		client = &http.Client{}
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		reqCtx := ctx
		var cancel context.CancelFunc = func() {}
		if timeout > 0 {
			reqCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			cancel()
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		if authToken != "" {
			req.Header.Set("Authorization", "Bearer "+authToken)
		}
		if correlationID != "" {
			req.Header.Set("X-Correlation-ID", correlationID)
		}

		resp, err := client.Do(req)
		if err == nil {
			// the body is read after we return; release the timer with it
			resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
			return resp, nil
		}
		cancel()
		lastErr = err
		logging.Debugw("postWithRetries: POST attempt failed", "url", url, "attempt", i+1, "err", err, "correlation_id", correlationID)
		if i < attempts-1 {
			if serr := sleepCtx(ctx, time.Duration(200*(1<<i))*time.Millisecond); serr != nil {
				return nil, serr
			}
		}
	}
	return nil, fmt.Errorf("post %s: %w", url, lastErr)
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
