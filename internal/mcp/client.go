// Package mcp connects to Model Context Protocol servers and hosts the
// calendar free/busy tool.
package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/discord-voice-lab/schedbot/internal/logging"
)

var ErrNotConnected = errors.New("mcp: no session")

// keepaliveInterval is how often an idle session is pinged.
var keepaliveInterval = 30 * time.Second

// ClientWrapper owns one MCP client session over a websocket or a child
// process and keeps it alive.
type ClientWrapper struct {
	client          *sdk.Client
	session         *sdk.ClientSession
	keepaliveCancel context.CancelFunc
	closers         []func() error
	mu              sync.Mutex
}

func NewClientWrapper(name, version string) *ClientWrapper {
	impl := &sdk.Implementation{Name: name, Version: version}
	return &ClientWrapper{client: sdk.NewClient(impl, nil)}
}

// ConnectWebSocket dials rawurl (http(s) schemes are mapped to ws(s)).
func (w *ClientWrapper) ConnectWebSocket(ctx context.Context, rawurl string) error {
	u, err := url.Parse(rawurl)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u, err)
	}
	if err := w.connect(ctx, NewWebSocketTransport(conn)); err != nil {
		_ = conn.Close()
		return err
	}
	logging.Infow("mcp client connected", "url", u.String())
	return nil
}

// ConnectCommand starts command and speaks MCP over its stdio. The process is
// killed on Close.
func (w *ClientWrapper) ConnectCommand(ctx context.Context, serverName, command string, args []string, env map[string]string) error {
	if command == "" {
		return errors.New("command is required")
	}
	cmd := exec.Command(command, args...)
	if len(env) > 0 {
		merged := os.Environ()
		for k, v := range env {
			merged = append(merged, k+"="+v)
		}
		cmd.Env = merged
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = stdout.Close()
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		_ = stdin.Close()
		return err
	}
	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stdin.Close()
		_ = stderr.Close()
		return fmt.Errorf("start %s: %w", command, err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logging.Debugw("mcp server stderr", "server", serverName, "line", scanner.Text())
		}
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	if err := w.connect(ctx, newStdioTransport(stdout, stdin)); err != nil {
		_ = stdin.Close()
		_ = cmd.Process.Kill()
		<-waitCh
		return err
	}
	logging.Infow("mcp command server started", "server", serverName, "command", command+" "+strings.Join(args, " "))

	w.appendCloser(func() error {
		_ = stdin.Close()
		var err error
		select {
		case err = <-waitCh:
		case <-time.After(2 * time.Second):
			_ = cmd.Process.Kill()
			err = <-waitCh
		}
		if err != nil {
			logging.Warnw("mcp command server exited with error", "server", serverName, "err", err)
		}
		return nil
	})
	return nil
}

// ConnectTransport attaches to an already constructed transport (used for
// in-process servers).
func (w *ClientWrapper) ConnectTransport(ctx context.Context, t sdk.Transport) error {
	return w.connect(ctx, t)
}

func (w *ClientWrapper) appendCloser(fn func() error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closers = append(w.closers, fn)
}

func (w *ClientWrapper) connect(ctx context.Context, transport sdk.Transport) error {
	sess, err := w.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcp connect: %w", err)
	}
	kaCtx, cancel := context.WithCancel(context.Background())

	w.mu.Lock()
	if prev := w.keepaliveCancel; prev != nil {
		prev()
	}
	w.session = sess
	w.keepaliveCancel = cancel
	w.mu.Unlock()

	go func() {
		ticker := time.NewTicker(keepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-kaCtx.Done():
				return
			case <-ticker.C:
				pingCtx, pingCancel := context.WithTimeout(kaCtx, 5*time.Second)
				if err := sess.Ping(pingCtx, nil); err != nil {
					logging.Warnw("mcp keepalive ping failed", "err", err)
				}
				pingCancel()
			}
		}
	}()
	return nil
}

// CallText calls a tool and returns its text content joined by newlines. A
// tool-reported error becomes a Go error.
func (w *ClientWrapper) CallText(ctx context.Context, name string, args map[string]any) (string, error) {
	w.mu.Lock()
	sess := w.session
	w.mu.Unlock()
	if sess == nil {
		return "", ErrNotConnected
	}
	res, err := sess.CallTool(ctx, &sdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("call %s: %w", name, err)
	}
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(*sdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if res.IsError {
		return "", fmt.Errorf("tool %s: %s", name, text)
	}
	return text, nil
}

func (w *ClientWrapper) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	if w.keepaliveCancel != nil {
		w.keepaliveCancel()
		w.keepaliveCancel = nil
	}
	if w.session != nil {
		if err := w.session.Close(); err != nil {
			errs = append(errs, err)
		}
		w.session = nil
	}
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	w.closers = nil
	return errors.Join(errs...)
}
