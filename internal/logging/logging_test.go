package logging

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"":        zap.InfoLevel,
		"debug":   zap.DebugLevel,
		" WARN ":  zap.WarnLevel,
		"error":   zap.ErrorLevel,
		"verbose": zap.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}

func TestInfowCtxMergesContextFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	SetLogger(zap.New(core).Sugar())
	defer SetLogger(nil)

	ctx := WithFields(context.Background(), "correlation_id", "cid-1")
	ctx = WithFields(ctx, UserFields("u1", "")...)
	InfowCtx(ctx, "utterance finalized", "bytes", 3840)

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["correlation_id"] != "cid-1" {
		t.Fatalf("missing correlation id: %v", fields)
	}
	if fields["user.id"] != "u1" {
		t.Fatalf("missing user id: %v", fields)
	}
	if fields["bytes"] != int64(3840) {
		t.Fatalf("unexpected bytes field: %#v", fields["bytes"])
	}
}

func TestNoopBeforeInit(t *testing.T) {
	SetLogger(nil)
	// must not panic
	Infow("hello", "k", "v")
	if err := Sync(); err != nil && sugar == nil {
		t.Fatalf("noop sync returned error: %v", err)
	}
}
