// Command calendar-mcp serves the calendar_freebusy MCP tool from a YAML
// calendar file, over websocket (/mcp/ws) or stdio.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/discord-voice-lab/schedbot/internal/calendar"
	"github.com/discord-voice-lab/schedbot/internal/logging"
	"github.com/discord-voice-lab/schedbot/internal/mcp"
)

func main() {
	_ = godotenv.Load()
	transport := getEnv("MCP_TRANSPORT", "ws")
	if transport == "stdio" {
		// stdout carries the protocol
		logging.InitTo("stderr")
	} else {
		logging.Init()
	}
	defer func() { _ = logging.Sync() }()

	path := getEnv("CALENDAR_FILE", "calendar.yaml")
	cal, err := calendar.Load(path)
	if err != nil {
		logging.FatalExitf("load calendar failed", "path", path, "err", err)
	}
	logging.Infow("calendar loaded", "path", path, "events", len(cal.Events))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := mcp.NewCalendarServer(cal, nil)
	if transport == "stdio" {
		if err := server.Run(ctx, &sdk.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
			logging.Errorw("mcp stdio server exited", "err", err)
		}
		return
	}

	addr := ":" + getEnv("PORT", "9001")
	srv := &http.Server{Addr: addr, Handler: newRouter(server), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logging.Infow("mcp server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.FatalExitf("mcp server failed", "err", err)
	}
}

func newRouter(server *sdk.Server) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	upgrader := websocket.Upgrader{}
	r.Get("/mcp/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warnw("ws upgrade failed", "err", err)
			return
		}
		go func() {
			ss, err := server.Connect(context.Background(), mcp.NewWebSocketTransport(conn), nil)
			if err != nil {
				logging.Errorw("mcp server connect error", "err", err)
				_ = conn.Close()
				return
			}
			if err := ss.Wait(); err != nil {
				logging.Debugw("mcp server session ended", "err", err)
			}
		}()
	})
	return r
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
