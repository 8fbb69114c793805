package voice

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func noSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestTranscribeSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "audio/wav" {
			t.Errorf("unexpected content type %q", ct)
		}
		if r.Header.Get("X-Correlation-ID") != "cid-1" {
			t.Errorf("correlation id not forwarded")
		}
		if r.URL.Query().Get("language") != "en" {
			t.Errorf("language not set: %s", r.URL.RawQuery)
		}
		b, _ := io.ReadAll(r.Body)
		if string(b[:4]) != "RIFF" {
			t.Errorf("body is not a wav")
		}
		w.Write([]byte(`{"text":"  book a meeting tomorrow  "}`))
	}))
	defer ts.Close()

	c := NewWhisperClient(ts.URL, time.Second)
	c.Language = "en"
	text, err := c.Transcribe(context.Background(), BuildWAV(make([]byte, 3840), DiscordFormat), "cid-1")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "book a meeting tomorrow" {
		t.Fatalf("unexpected transcript %q", text)
	}
}

func TestTranscribeRetriesRateLimitOnce(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"text":"ok"}`))
	}))
	defer ts.Close()

	var delays []time.Duration
	c := NewWhisperClient(ts.URL, time.Second)
	c.sleep = noSleep(&delays)
	text, err := c.Transcribe(context.Background(), []byte("RIFF"), "")
	if err != nil || text != "ok" {
		t.Fatalf("expected success after retry, got %q %v", text, err)
	}
	if len(delays) != 1 || delays[0] != time.Second {
		t.Fatalf("unexpected backoff %v", delays)
	}
}

func TestTranscribeRateLimitedTwiceFails(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	var delays []time.Duration
	c := NewWhisperClient(ts.URL, time.Second)
	c.sleep = noSleep(&delays)
	_, err := c.Transcribe(context.Background(), []byte("RIFF"), "")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestTranscribeServerErrorNotRetried(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := NewWhisperClient(ts.URL, time.Second)
	_, err := c.Transcribe(context.Background(), []byte("RIFF"), "")
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("upstream failure retried: %d calls", got)
	}
}

func TestTranscribeWithoutURL(t *testing.T) {
	if _, err := (&WhisperClient{}).Transcribe(context.Background(), nil, ""); !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}

func TestSynthesizeReturnsAudio(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing auth header")
		}
		b, _ := io.ReadAll(r.Body)
		if string(b) != `{"text":"hello"}` {
			t.Errorf("unexpected body %s", b)
		}
		w.Write(BuildWAV(make([]byte, 8), Format{SampleRate: 22050, Channels: 1}))
	}))
	defer ts.Close()

	c := &TTSClient{URL: ts.URL, AuthToken: "secret", Client: ts.Client()}
	audio, err := c.Synthesize(context.Background(), "hello", "cid")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if _, f, err := ParseWAV(audio); err != nil || f.SampleRate != 22050 {
		t.Fatalf("unexpected audio %v %+v", err, f)
	}
}

func TestSynthesizeClassifiesStatus(t *testing.T) {
	for status, want := range map[int]error{429: ErrRateLimited, 503: ErrUpstream} {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		c := &TTSClient{URL: ts.URL, Client: ts.Client()}
		_, err := c.Synthesize(context.Background(), "x", "")
		ts.Close()
		if !errors.Is(err, want) {
			t.Fatalf("status %d: expected %v, got %v", status, want, err)
		}
	}
}
