package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/discord-voice-lab/schedbot/internal/logging"
)

// TTSClient turns reply text into audio using an external HTTP service that
// accepts {"text": "..."} and answers with a WAV file.
type TTSClient struct {
	URL       string
	AuthToken string
	Client    *http.Client
	Timeout   time.Duration
	// Attempts covers transport errors only; HTTP errors are not retried.
	Attempts int
}

// Synthesize returns the audio bytes for text.
func (t *TTSClient) Synthesize(ctx context.Context, text, correlationID string) ([]byte, error) {
	if t == nil || t.URL == "" {
		return nil, fmt.Errorf("%w: tts client not configured", ErrUpstream)
	}
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, err
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	attempts := t.Attempts
	if attempts <= 0 {
		attempts = 2
	}
	resp, err := PostWithRetries(ctx, t.Client, t.URL, "application/json", body, t.AuthToken, timeout, attempts, correlationID)
	if err != nil {
		logging.Debugw("tts: POST failed", "err", err, "correlation_id", correlationID)
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: tts status %d", ErrRateLimited, resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		logging.Warnw("tts: returned non-2xx", "status", resp.StatusCode, "correlation_id", correlationID)
		return nil, fmt.Errorf("%w: tts status %d", ErrUpstream, resp.StatusCode)
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read tts body: %v", ErrUpstream, err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("%w: tts returned no audio", ErrUpstream)
	}
	return audio, nil
}
