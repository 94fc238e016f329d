package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TheMichaelB/whsync/internal/events"
)

// WSClient handles WebSocket communication with a broadcast relay.
type WSClient struct {
	url    string
	header http.Header
	logger *events.Logger

	// Connection state
	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	closed  bool

	// Channels
	messages chan json.RawMessage
	errors   chan error
	done     chan struct{}

	// Heartbeat
	pingInterval time.Duration
	pongTimeout  time.Duration
}

// NewWSClient creates a WebSocket client. http(s) URLs are converted to ws(s).
func NewWSClient(wsURL string, header http.Header, logger *events.Logger) *WSClient {
	if strings.HasPrefix(wsURL, "http") {
		wsURL = "ws" + wsURL[4:]
	}
	if header == nil {
		header = http.Header{}
	}

	return &WSClient{
		url:          wsURL,
		header:       header,
		logger:       logger.WithField("component", "ws_client"),
		messages:     make(chan json.RawMessage, 100),
		errors:       make(chan error, 10),
		done:         make(chan struct{}),
		pingInterval: 30 * time.Second,
		pongTimeout:  10 * time.Second,
	}
}

// Connect establishes WebSocket connection.
func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return fmt.Errorf("already connected")
	}
	if c.closed {
		return fmt.Errorf("client closed")
	}

	c.logger.WithField("url", c.url).Info("Connecting to relay")

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket connect failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket connect failed: %w", err)
	}

	c.conn = conn

	go c.readLoop(conn)
	go c.pingLoop()

	c.logger.Info("Relay connected")
	return nil
}

// Send writes v as one JSON frame.
func (c *WSClient) Send(v interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	return nil
}

// Messages returns the message channel. It is closed when the connection ends.
func (c *WSClient) Messages() <-chan json.RawMessage {
	return c.messages
}

// Errors returns the error channel.
func (c *WSClient) Errors() <-chan error {
	return c.errors
}

// Close closes the WebSocket connection.
func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	close(c.done)

	if c.conn != nil {
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		err := c.conn.Close()
		c.conn = nil
		return err
	}

	return nil
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	defer func() {
		_ = c.Close()
		close(c.messages)
		close(c.errors)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(c.pongTimeout + c.pingInterval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.pongTimeout + c.pingInterval))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure) {
				c.logger.WithError(err).Error("Relay read error")
				select {
				case c.errors <- err:
				default:
				}
			}
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(c.pongTimeout + c.pingInterval))

		if !json.Valid(data) {
			c.logger.WithField("size", len(data)).Warn("Dropping non-JSON relay frame")
			continue
		}

		select {
		case c.messages <- json.RawMessage(data):
		case <-c.done:
			return
		}
	}
}

func (c *WSClient) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()

			if conn == nil {
				return
			}

			c.writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.WithError(err).Warn("Ping failed")
				return
			}

		case <-c.done:
			return
		}
	}
}
