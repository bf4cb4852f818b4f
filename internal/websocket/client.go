// internal/websocket/client.go
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 8192                // Maximum message size allowed from peer.
	sendBuffer     = 256
)

var (
	ErrSendBufferFull = errors.New("send buffer full")
	ErrClientClosed   = errors.New("client closed")
)

// Handler processes one inbound text frame of a client.
type Handler interface {
	HandleMessage(ctx context.Context, c *Client, raw []byte)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, c *Client, raw []byte)

func (f HandlerFunc) HandleMessage(ctx context.Context, c *Client, raw []byte) { f(ctx, c, raw) }

// Client is a middleman between the websocket connection and the registry.
type Client struct {
	id       string
	ownerID  int64
	conn     *websocket.Conn
	send     chan []byte // Buffered channel of outbound messages.
	registry *Registry
	handler  Handler
	logger   *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewClient wraps an upgraded connection. ownerID is 0 for anonymous clients.
// The client lives until parent is cancelled, the peer goes away or Close is called.
func NewClient(parent context.Context, conn *websocket.Conn, registry *Registry, handler Handler, ownerID int64, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	return &Client{
		id:       id,
		ownerID:  ownerID,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		registry: registry,
		handler:  handler,
		logger:   logger.With("conn_id", id),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (c *Client) ID() string { return c.id }

// OwnerID is the authenticated owner, or 0.
func (c *Client) OwnerID() int64 { return c.ownerID }

// Context is cancelled when the client closes.
func (c *Client) Context() context.Context { return c.ctx }

// Send queues msg without blocking.
func (c *Client) Send(msg []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close stops both pumps. The write pump sends a close frame and closes the
// underlying connection. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(c.cancel)
	return nil
}

// Serve runs the pumps until the connection ends, then removes the client from
// the registry. It blocks, so the HTTP handler goroutine owns the read loop.
func (c *Client) Serve() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump()
	}()
	c.readPump()
	<-done
}

// readPump pumps messages from the websocket connection to the handler.
func (c *Client) readPump() {
	defer func() {
		c.registry.Disconnect(c)
		_ = c.Close()
		c.logger.Debug("websocket readPump finished")
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		msgType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if c.ctx.Err() != nil {
			return
		}
		c.handler.HandleMessage(c.ctx, c, message)
	}
}

// writePump pumps queued messages to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		c.logger.Debug("websocket writePump finished")
	}()
	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("websocket write error", "error", err)
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("websocket ping error", "error", err)
				_ = c.Close()
				return
			}
		}
	}
}

// Reject completes a handshake that failed authentication: it sends a policy
// violation close frame and closes the connection.
func Reject(conn *websocket.Conn, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
	_ = conn.Close()
}
