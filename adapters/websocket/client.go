package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/cocoa-fruit/persona/domain"
	"github.com/satriahrh/cocoa-fruit/persona/utils/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 32 << 20 // turns carry base64 audio and images
	sendBuffer     = 256
	shutdownWait   = 5 * time.Second
)

var ErrClientClosed = errors.New("websocket client closed")

// Frame is the envelope of every server-to-client message.
type Frame struct {
	Type    string `json:"type"`
	Data    any    `json:"data,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

const (
	FrameSnapshot = "snapshot"
	FrameError    = "error"
	FrameEvent    = "history_event"
)

type Client struct {
	conn     *websocket.Conn
	send     chan []byte
	incoming chan []byte
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	userID   string

	mu        sync.RWMutex
	closed    bool
	closeCode int
	closeText string
	teardown  sync.Once
}

// NewClient wraps an upgraded connection. The client's context ends when the connection
// does.
func NewClient(parent context.Context, conn *websocket.Conn, userID string) *Client {
	ctx, cancel := context.WithCancel(parent)
	return &Client{
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		incoming:  make(chan []byte, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		userID:    userID,
		closeCode: websocket.CloseNormalClosure,
	}
}

func (c *Client) Run() {
	c.setupHandlers()

	go c.Ping()
	go c.readPump()
	go c.writePump()
}

func (c *Client) setupHandlers() {
	c.conn.SetCloseHandler(func(code int, text string) error {
		log.WithCtx(c.ctx).Debug("WebSocket connection closed by peer", zap.Int("code", code), zap.String("text", text))
		c.Close()
		return nil
	})

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// Close tears the connection down immediately, dropping queued messages.
func (c *Client) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
	c.terminate()
}

func (c *Client) terminate() {
	c.teardown.Do(func() {
		c.cancel()
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// Shutdown stops accepting messages, flushes the queue, sends a close frame with code and
// text, then closes the connection. It waits at most shutdownWait for the flush.
func (c *Client) Shutdown(code int, text string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.closed = true
	c.closeCode = code
	c.closeText = text
	close(c.send)
	c.mu.Unlock()

	var err error
	select {
	case <-c.done:
	case <-time.After(shutdownWait):
		err = errors.New("timed out flushing websocket client")
	}
	c.terminate()
	return err
}

// IsClosed reports whether the client accepts no more messages.
func (c *Client) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Context returns the client's context.
func (c *Client) Context() context.Context {
	return c.ctx
}

func (c *Client) UserID() string {
	return c.userID
}

func (c *Client) Ping() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				log.WithCtx(c.ctx).Debug("Failed to send ping", zap.Error(err))
				c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// readPump hands text frames to ReadFrame and keeps control frames flowing.
func (c *Client) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.WithCtx(c.ctx).Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		select {
		case c.incoming <- message:
		case <-c.ctx.Done():
			return
		default:
			log.WithCtx(c.ctx).Debug("Dropping unexpected client frame", zap.Int("size", len(message)))
		}
	}
}

func (c *Client) writePump() {
	defer close(c.done)

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.mu.RLock()
				code, text := c.closeCode, c.closeText
				c.mu.RUnlock()
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.WithCtx(c.ctx).Debug("Failed to write message", zap.Error(err))
				c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// ReadFrame waits for the next text frame from the peer.
func (c *Client) ReadFrame(timeout time.Duration) ([]byte, error) {
	select {
	case message := <-c.incoming:
		return message, nil
	case <-c.ctx.Done():
		return nil, ErrClientClosed
	case <-time.After(timeout):
		return nil, context.DeadlineExceeded
	}
}

// SendMessage queues a message without blocking. A full queue closes the client.
func (c *Client) SendMessage(message []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClientClosed
	}

	select {
	case c.send <- message:
		return nil
	default:
		go c.Close()
		return errors.New("websocket send buffer full")
	}
}

func (c *Client) SendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.SendMessage(payload)
}

// Publish sends a conversation snapshot frame.
func (c *Client) Publish(_ context.Context, data domain.ChatData) error {
	return c.SendJSON(Frame{Type: FrameSnapshot, Data: data})
}
