package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TheMichaelB/locsync/internal/events"
	"github.com/TheMichaelB/locsync/internal/models"
)

// StreamClient follows the display event stream.
type StreamClient struct {
	url    string
	logger *events.Logger

	// Connection state
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	// Channels
	messages chan models.StreamMessage
	errors   chan error
	done     chan struct{}

	// Heartbeat
	pingInterval time.Duration
	pongTimeout  time.Duration
}

// NewStreamClient creates a client for the stream at streamURL. An http(s)
// URL is converted to ws(s).
func NewStreamClient(streamURL string, logger *events.Logger) *StreamClient {
	if strings.HasPrefix(streamURL, "http") {
		streamURL = "ws" + strings.TrimPrefix(streamURL, "http")
	}

	return &StreamClient{
		url:          streamURL,
		logger:       logger.WithField("component", "stream_client"),
		messages:     make(chan models.StreamMessage, 100),
		errors:       make(chan error, 10),
		done:         make(chan struct{}),
		pingInterval: 30 * time.Second,
		pongTimeout:  10 * time.Second,
	}
}

// Connect establishes the WebSocket connection.
func (c *StreamClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("stream client closed")
	}
	if c.conn != nil {
		return fmt.Errorf("already connected")
	}

	c.logger.WithField("url", c.url).Info("Connecting to event stream")

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, c.url, http.Header{})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("event stream connect failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("event stream connect failed: %w", err)
	}

	c.conn = conn

	go c.readLoop(conn)
	go c.pingLoop(conn)

	c.logger.Info("Event stream connected")
	return nil
}

// Messages returns the message channel. It is closed when the stream ends.
func (c *StreamClient) Messages() <-chan models.StreamMessage {
	return c.messages
}

// Errors returns the error channel.
func (c *StreamClient) Errors() <-chan error {
	return c.errors
}

// Close closes the connection.
func (c *StreamClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	close(c.done)

	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))

		err := c.conn.Close()
		c.conn = nil
		return err
	}

	return nil
}

func (c *StreamClient) readLoop(conn *websocket.Conn) {
	defer func() {
		_ = c.Close()
		close(c.messages)
		close(c.errors)
	}()

	deadline := c.pongTimeout + c.pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure) {
				c.logger.WithError(err).Error("Event stream read error")
				select {
				case c.errors <- err:
				default:
				}
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(deadline))

		msg, err := models.ParseStreamMessage(data)
		if err != nil {
			c.logger.WithError(err).Warn("Skipping malformed stream message")
			continue
		}
		if msg.Type == models.StreamTypePing {
			continue
		}

		select {
		case c.messages <- *msg:
		case <-c.done:
			return
		}
	}
}

func (c *StreamClient) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn
			var err error
			if current == conn {
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.pongTimeout))
			}
			c.mu.Unlock()

			if current != conn {
				return
			}
			if err != nil {
				c.logger.WithError(err).Error("Ping failed")
				return
			}

		case <-c.done:
			return
		}
	}
}
