package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/discord-voice-lab/schedbot/internal/config"
)

type recordedRequest struct {
	Model       string                   `json:"model"`
	Temperature float64                  `json:"temperature"`
	TopP        float64                  `json:"top_p"`
	Messages    []map[string]interface{} `json:"messages"`
}

// fakeOpenAI answers chat completions with "ok from <model>", or the status
// in fail for that model.
func fakeOpenAI(t *testing.T, fail map[string]int) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var mu sync.Mutex
	var seen []recordedRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req recordedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		seen = append(seen, req)
		mu.Unlock()
		if code, ok := fail[req.Model]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"server_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   req.Model,
			"choices": []map[string]interface{}{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]string{"role": "assistant", "content": "  ok from " + req.Model + "\n"},
			}},
		})
	}))
	t.Cleanup(ts.Close)
	return ts, &seen
}

func newTestClient(url string, fallback string) *Client {
	c := NewClient(config.LLMConfig{
		BaseURL:       url + "/v1",
		APIKey:        "test",
		Model:         "primary",
		FallbackModel: fallback,
		VisionModel:   "vision",
	})
	c.backoff = 0
	return c
}

func TestCompleteSendsLowSamplingParams(t *testing.T) {
	ts, seen := fakeOpenAI(t, nil)
	c := newTestClient(ts.URL, "")

	out, err := c.Complete(context.Background(), "be brief", "hello")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != "ok from primary" {
		t.Fatalf("unexpected reply %q", out)
	}
	if len(*seen) != 1 {
		t.Fatalf("expected 1 request, got %d", len(*seen))
	}
	req := (*seen)[0]
	if req.Temperature != 0.2 || req.TopP != 0.1 {
		t.Fatalf("unexpected sampling: temperature=%v top_p=%v", req.Temperature, req.TopP)
	}
	if len(req.Messages) != 2 || req.Messages[0]["role"] != "system" || req.Messages[1]["role"] != "user" {
		t.Fatalf("unexpected messages: %v", req.Messages)
	}
}

func TestFallbackOnTransientError(t *testing.T) {
	ts, seen := fakeOpenAI(t, map[string]int{"primary": http.StatusInternalServerError})
	c := newTestClient(ts.URL, "local")

	out, err := c.Complete(context.Background(), "", "hello")
	if err != nil {
		t.Fatalf("expected success via fallback, got err: %v", err)
	}
	if out != "ok from local" {
		t.Fatalf("unexpected content: %v", out)
	}
	if len(*seen) != 2 {
		t.Fatalf("expected primary then fallback, got %d requests", len(*seen))
	}
}

func TestPermanentErrorSkipsFallback(t *testing.T) {
	ts, seen := fakeOpenAI(t, map[string]int{"primary": http.StatusUnauthorized})
	c := newTestClient(ts.URL, "local")

	_, err := c.Complete(context.Background(), "", "hi")
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("expected permanent error, got: %v", err)
	}
	if len(*seen) != 1 {
		t.Fatalf("fallback should not run on permanent errors")
	}
}

func TestRateLimitIsTransient(t *testing.T) {
	ts, _ := fakeOpenAI(t, map[string]int{"primary": http.StatusTooManyRequests})
	c := newTestClient(ts.URL, "")

	_, err := c.Complete(context.Background(), "", "hi")
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient error, got: %v", err)
	}
}

func TestAnalyzeImageSendsDataURL(t *testing.T) {
	ts, seen := fakeOpenAI(t, nil)
	c := newTestClient(ts.URL, "")

	png := []byte("\x89PNG\r\n\x1a\nfake")
	out, err := c.AnalyzeImage(context.Background(), png, "")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if out != "ok from vision" {
		t.Fatalf("unexpected reply %q", out)
	}
	raw, _ := json.Marshal((*seen)[0].Messages)
	if !strings.Contains(string(raw), "data:image/png;base64,") {
		t.Fatalf("image not sent as data url: %s", raw)
	}

	if _, err := c.AnalyzeImage(context.Background(), nil, "image/png"); !errors.Is(err, ErrPermanent) {
		t.Fatalf("empty image should be rejected, got %v", err)
	}
}
