// Package client is a WebSocket client for load testing the gridchat
// server. It dials with gobwas/ws, waits for gn_connect, and records
// latency and error counts per connection.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Frame types the load tests use. They mirror internal/protocol, which this
// module does not import.
const (
	TypeMessage     = "message"
	TypeJoin        = "join"
	TypeLeave       = "leave"
	TypePing        = "ping"
	TypeConnected   = "gn_connect"
	TypeRateLimited = "rate_limited"
	TypeError       = "error"
)

// Response returns the type of the answer to a request type.
func Response(requestType string) string {
	return "gn_" + requestType
}

// Metrics are the counters of one connection.
type Metrics struct {
	ConnectLatency time.Duration // dial until gn_connect
	Sent           int
	Received       int
	Failed         int // responses with a status code other than 200
	RateLimited    int
	Errors         int // transport errors
}

// Client is one simulated user.
type Client struct {
	UserID string

	conn      net.Conn
	writeMu   sync.Mutex
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	connected chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New dials baseURL (e.g. ws://localhost:8080/ws) as userID and waits for
// gn_connect. attrs are sent as ACL attributes.
func New(ctx context.Context, baseURL, userID string, attrs map[string]string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("user_id", userID)
	q.Set("user_name", userID)
	for k, v := range attrs {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		UserID:    userID,
		conn:      conn,
		handlers:  make(map[string]func(json.RawMessage)),
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.readLoop()

	select {
	case <-c.connected:
		c.mu.Lock()
		c.metrics.ConnectLatency = time.Since(start)
		c.mu.Unlock()
		return c, nil
	case <-c.done:
		return nil, fmt.Errorf("connection closed before gn_connect")
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}

// On registers the handler for a frame type, replacing any previous one.
// Handlers run on the read goroutine. Register them before sending.
func (c *Client) On(frameType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[frameType] = handler
	c.mu.Unlock()
}

// Send writes one frame.
func (c *Client) Send(frame interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		return err
	}
	c.mu.Lock()
	c.metrics.Sent++
	c.mu.Unlock()
	return nil
}

// Join asks to join roomID.
func (c *Client) Join(roomID string) error {
	return c.Send(map[string]string{"type": TypeJoin, "room_id": roomID})
}

// Message sends text into roomID.
func (c *Client) Message(roomID, text string) error {
	return c.Send(map[string]string{"type": TypeMessage, "room_id": roomID, "text": text})
}

// Metrics returns a copy of the counters.
func (c *Client) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Alive reports whether the read loop is still running.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer c.closeOnce.Do(func() { close(c.done); c.conn.Close() })
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		var head struct {
			Type       string `json:"type"`
			StatusCode int    `json:"status_code"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.Received++
		switch {
		case head.Type == TypeRateLimited:
			c.metrics.RateLimited++
		case head.StatusCode != 0 && head.StatusCode != 200:
			c.metrics.Failed++
		}
		handler := c.handlers[head.Type]
		c.mu.Unlock()

		if head.Type == TypeConnected {
			close(c.connected)
		}
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}
