package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/discord-voice-lab/schedbot/internal/logging"
)

// WhisperClient uploads WAV audio to a whisper-compatible HTTP endpoint.
type WhisperClient struct {
	URL      string
	Client   *http.Client
	Timeout  time.Duration
	Language string
	// Attempts is the total number of tries when the service rate limits.
	Attempts int
	// BackoffBase is doubled after every rate-limited attempt.
	BackoffBase time.Duration

	sleep func(context.Context, time.Duration) error
}

// NewWhisperClient returns a client with the default retry policy: two
// attempts, waiting 1s after the first 429.
func NewWhisperClient(rawURL string, timeout time.Duration) *WhisperClient {
	return &WhisperClient{
		URL:         rawURL,
		Client:      &http.Client{},
		Timeout:     timeout,
		Attempts:    2,
		BackoffBase: time.Second,
	}
}

type whisperResponse struct {
	Text string `json:"text"`
}

func isRateLimited(err error) bool { return errors.Is(err, ErrRateLimited) }

// Transcribe returns the trimmed transcript for a WAV file. A 429 answer is
// retried with exponential backoff and surfaces as ErrRateLimited once the
// attempts run out. Every other failure is ErrUpstream and is not retried.
func (w *WhisperClient) Transcribe(ctx context.Context, wav []byte, correlationID string) (string, error) {
	if w.URL == "" {
		return "", fmt.Errorf("%w: WHISPER_URL not set", ErrUpstream)
	}
	target := w.requestURL()
	attempts := w.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := w.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		text, err := w.post(ctx, target, wav, correlationID)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !isRateLimited(err) || attempt == attempts-1 {
			break
		}
		backoff := w.BackoffBase * time.Duration(1<<attempt)
		logging.Warnw("whisper: rate limited, backing off", "attempt", attempt+1, "backoff", backoff.String(), "correlation_id", correlationID)
		if serr := sleep(ctx, backoff); serr != nil {
			return "", fmt.Errorf("%w: %v", ErrUpstream, serr)
		}
	}
	return "", lastErr
}

func (w *WhisperClient) requestURL() string {
	u, err := url.Parse(w.URL)
	if err != nil || w.Language == "" {
		return w.URL
	}
	q := u.Query()
	q.Set("language", w.Language)
	u.RawQuery = q.Encode()
	return u.String()
}

func (w *WhisperClient) post(ctx context.Context, target string, wav []byte, correlationID string) (string, error) {
	sendTs := time.Now()
	resp, err := PostWithRetries(ctx, w.Client, target, "audio/wav", wav, "", w.Timeout, 1, correlationID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("%w: whisper status %d", ErrRateLimited, resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: whisper status %d: %s", ErrUpstream, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out whisperResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode whisper response: %v", ErrUpstream, err)
	}

	serverMs := 0
	if v := resp.Header.Get("X-Processing-Time-ms"); v != "" {
		serverMs, _ = strconv.Atoi(v)
	}
	logging.Infow("STT response received",
		"correlation_id", correlationID,
		"status", resp.StatusCode,
		"stt_latency_ms", time.Since(sendTs).Milliseconds(),
		"stt_server_ms", serverMs,
	)
	return strings.TrimSpace(out.Text), nil
}
