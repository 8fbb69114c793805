package mcp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/discord-voice-lab/schedbot/internal/calendar"
)

var testNow = time.Date(2024, 5, 7, 8, 0, 0, 0, time.UTC)

func testCalendar() *calendar.Calendar {
	return &calendar.Calendar{
		Timezone: "UTC",
		Events: []calendar.Event{{
			Title: "Standup",
			Start: time.Date(2024, 5, 7, 9, 0, 0, 0, time.UTC),
			End:   time.Date(2024, 5, 7, 9, 30, 0, 0, time.UTC),
		}},
	}
}

func TestCalendarToolInMemory(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server := NewCalendarServer(testCalendar(), func() time.Time { return testNow })
	serverT, clientT := sdk.NewInMemoryTransports()
	ss, err := server.Connect(ctx, serverT, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	defer ss.Close()

	w := NewClientWrapper("test-client", "test")
	if err := w.ConnectTransport(ctx, clientT); err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	oracle := NewCalendarOracle(w, "UTC")
	out, err := oracle.FreeBusy(ctx, "30 minutes with the design team")
	if err != nil {
		t.Fatalf("free busy: %v", err)
	}
	for _, want := range []string{
		"Request: 30 minutes with the design team",
		"Tue 2024-05-07 09:00 - 09:30 (Standup)",
		"Tue 2024-05-07 09:30 - 17:00",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("answer missing %q:\n%s", want, out)
		}
	}

	if _, err := w.CallText(ctx, FreeBusyTool, map[string]any{"question": "x", "timezone": "Mars/Olympus"}); err == nil {
		t.Fatalf("unknown timezone should surface as an error")
	}
}

func TestClientWrapperConnectWebSocket(t *testing.T) {
	server := NewCalendarServer(testCalendar(), func() time.Time { return testNow })

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mcp/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade failed: %v", err)
			return
		}
		go func() {
			session, err := server.Connect(context.Background(), NewWebSocketTransport(conn), nil)
			if err != nil {
				t.Logf("server connect failed: %v", err)
				_ = conn.Close()
				return
			}
			_ = session.Wait()
		}()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := NewClientWrapper("integration-client", "test")
	// http scheme is mapped to ws
	if err := w.ConnectWebSocket(ctx, srv.URL+"/mcp/ws"); err != nil {
		t.Fatalf("ConnectWebSocket failed: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	out, err := w.CallText(ctx, FreeBusyTool, map[string]any{"question": "tomorrow", "days": 1})
	if err != nil {
		t.Fatalf("CallText failed: %v", err)
	}
	if !strings.Contains(out, "Standup") {
		t.Fatalf("unexpected answer:\n%s", out)
	}
}

func TestCallTextWithoutSession(t *testing.T) {
	w := NewClientWrapper("c", "v")
	if _, err := w.CallText(context.Background(), FreeBusyTool, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

type recordingCaller struct {
	name string
	args map[string]any
}

func (r *recordingCaller) CallText(_ context.Context, name string, args map[string]any) (string, error) {
	r.name, r.args = name, args
	return "  free all day\n", nil
}

func TestOracleSendsTimezone(t *testing.T) {
	rc := &recordingCaller{}
	out, err := NewCalendarOracle(rc, "Europe/Berlin").FreeBusy(context.Background(), "next week")
	if err != nil {
		t.Fatal(err)
	}
	if out != "free all day" {
		t.Fatalf("answer not trimmed: %q", out)
	}
	if rc.name != FreeBusyTool || rc.args["timezone"] != "Europe/Berlin" || rc.args["question"] != "next week" {
		t.Fatalf("unexpected call %s %v", rc.name, rc.args)
	}
}
