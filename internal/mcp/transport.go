package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// NewWebSocketTransport wraps an established websocket for either side of an
// MCP session. Each JSON-RPC message is one binary frame.
func NewWebSocketTransport(conn *websocket.Conn) sdk.Transport {
	return &wsTransport{conn: conn}
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Connect(context.Context) (sdk.Connection, error) {
	return &wsConnection{conn: t.conn}, nil
}

type wsConnection struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// withDeadline applies ctx's deadline through set for the duration of fn.
func withDeadline(ctx context.Context, set func(time.Time) error, fn func() error) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = set(dl)
		defer func() { _ = set(time.Time{}) }()
	}
	return fn()
}

func (w *wsConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	var data []byte
	err := withDeadline(ctx, w.conn.SetReadDeadline, func() (err error) {
		_, data, err = w.conn.ReadMessage()
		return err
	})
	if err != nil {
		return nil, err
	}
	return jsonrpc.DecodeMessage(data)
}

func (w *wsConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	// gorilla allows one concurrent writer
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return withDeadline(ctx, w.conn.SetWriteDeadline, func() error {
		return w.conn.WriteMessage(websocket.BinaryMessage, data)
	})
}

func (w *wsConnection) Close() error      { return w.conn.Close() }
func (w *wsConnection) SessionID() string { return "" }

// stdioTransport speaks newline-delimited JSON-RPC over a child process's
// stdout and stdin.
type stdioTransport struct {
	conn *stdioConnection
}

func newStdioTransport(r io.ReadCloser, w io.WriteCloser) *stdioTransport {
	c := &stdioConnection{r: r, w: w, in: make(chan decoded, 1)}
	go c.readLines()
	return &stdioTransport{conn: c}
}

func (t *stdioTransport) Connect(context.Context) (sdk.Connection, error) {
	return t.conn, nil
}

type decoded struct {
	msg jsonrpc.Message
	err error
}

type stdioConnection struct {
	r  io.ReadCloser
	w  io.WriteCloser
	in chan decoded

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *stdioConnection) readLines() {
	defer close(c.in)
	br := bufio.NewReader(c.r)
	for {
		line, err := br.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			msg, derr := jsonrpc.DecodeMessage(line)
			c.in <- decoded{msg: msg, err: derr}
			if derr != nil {
				return
			}
		}
		if err != nil {
			c.in <- decoded{err: err}
			return
		}
	}
}

func (c *stdioConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return d.msg, d.err
	}
}

func (c *stdioConnection) Write(_ context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.w.Write(append(data, '\n'))
	return err
}

func (c *stdioConnection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = errors.Join(c.r.Close(), c.w.Close())
	})
	return c.closeErr
}

func (c *stdioConnection) SessionID() string { return "" }
