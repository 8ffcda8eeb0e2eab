// Package moonraker is a Moonraker websocket client. It runs G-code through
// printer.gcode.script and collects the console output that Moonraker relays
// as notify_gcode_response notifications.
package moonraker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"klipper-autospeed/pkg/link"
	"klipper-autospeed/pkg/log"
)

// Common errors
var (
	ErrClosed = errors.New("moonraker: connection closed")
)

// JSON-RPC 2.0 structures

type jsonRPCRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      int64          `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method,omitempty"`
	Params  []json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage   `json:"result,omitempty"`
	Error   *jsonRPCError     `json:"error,omitempty"`
	ID      *int64            `json:"id,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *jsonRPCError) Error() string {
	return fmt.Sprintf("moonraker: rpc error %d: %s", e.Code, e.Message)
}

// Config holds client configuration.
type Config struct {
	// URL of the websocket endpoint (e.g., ws://printer.local:7125/websocket)
	URL string

	// ClientName and ClientURL are sent with server.connection.identify
	ClientName string
	ClientURL  string

	// PingInterval between keepalive pings (default: 30 seconds)
	PingInterval time.Duration
}

// Client is a Moonraker websocket connection.
type Client struct {
	conn   *websocket.Conn
	cfg    Config
	nextID int64
	sendCh chan any
	done   chan struct{}
	err    error

	script  sync.Mutex // one script at a time
	mu      sync.Mutex
	pending map[int64]chan jsonRPCResponse
	capture *[]string // console lines of the running script

	closeOnce sync.Once
	log       *log.Logger
}

// Dial connects to Moonraker and identifies the client.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("moonraker: url required")
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "klipper-autospeed"
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("moonraker: dial %s: %w", cfg.URL, err)
	}

	c := &Client{
		conn:    conn,
		cfg:     cfg,
		sendCh:  make(chan any, 64),
		done:    make(chan struct{}),
		pending: make(map[int64]chan jsonRPCResponse),
		log:     log.New("moonraker"),
	}
	go c.writePump()
	go c.readPump()

	if _, err := c.call(ctx, "server.connection.identify", map[string]any{
		"client_name": cfg.ClientName,
		"version":     "1.0",
		"type":        "agent",
		"url":         cfg.ClientURL,
	}); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// call sends a request and waits for its response.
func (c *Client) call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := atomic.AddInt64(&c.nextID, 1)
	ch := make(chan jsonRPCResponse, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := jsonRPCRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id}
	select {
	case c.sendCh <- req:
	case <-c.done:
		return nil, c.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-c.done:
		return nil, c.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, c.err)
	}
	return ErrClosed
}

// Script runs a G-code script and returns the console lines printed while
// it ran. G-code errors come back as *link.CommandError.
func (c *Client) Script(ctx context.Context, script string) ([]string, error) {
	c.script.Lock()
	defer c.script.Unlock()

	var lines []string
	c.mu.Lock()
	c.capture = &lines
	c.mu.Unlock()

	_, err := c.call(ctx, "printer.gcode.script", map[string]any{"script": script})

	c.mu.Lock()
	c.capture = nil
	out := append([]string(nil), lines...)
	c.mu.Unlock()

	var rpcErr *jsonRPCError
	if errors.As(err, &rpcErr) {
		return out, &link.CommandError{Message: rpcErr.Message}
	}
	return out, err
}

// EmergencyStop calls printer.emergency_stop, which skips the G-code queue.
func (c *Client) EmergencyStop(ctx context.Context) error {
	_, err := c.call(ctx, "printer.emergency_stop", nil)
	return err
}

// Close closes the connection.
func (c *Client) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}

// readPump reads messages from the websocket connection.
func (c *Client) readPump() {
	c.conn.SetReadLimit(512 * 1024) // 512KB max message size
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Warn("websocket read error")
			}
			c.shutdown(err)
			return
		}
		c.handleMessage(message)
	}
}

// writePump sends queued requests and keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.shutdown(err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(err)
				return
			}

		case <-c.done:
			return
		}
	}
}

// handleMessage routes a response to its caller or records a notification.
func (c *Client) handleMessage(data []byte) {
	var msg jsonRPCResponse
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.WithError(err).Debug("unparseable message")
		return
	}

	if msg.ID != nil {
		c.mu.Lock()
		ch, ok := c.pending[*msg.ID]
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
		return
	}

	switch msg.Method {
	case "notify_gcode_response":
		for _, raw := range msg.Params {
			var line string
			if err := json.Unmarshal(raw, &line); err != nil {
				continue
			}
			c.mu.Lock()
			if c.capture != nil {
				*c.capture = append(*c.capture, line)
			}
			c.mu.Unlock()
		}
	case "notify_klippy_shutdown":
		c.log.Warn("klippy shutdown")
	}
}
