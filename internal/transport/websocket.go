package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30 * time.Second
	PongWait     = 60 * time.Second

	writeWait      = 10 * time.Second
	sendBufferSize = 256

	// Outbound data messages are paced so reaction storms cannot starve
	// the connection.
	sendRatePerSecond = 50
	sendBurst         = 100
)

// Client is a WebSocket connection to the relay. Inbound messages are
// dispatched to per-type handlers in arrival order; outbound messages are
// queued and written by a single pump.
type Client struct {
	conn    *websocket.Conn
	send    chan Message
	limiter *rate.Limiter
	logger  *zap.Logger

	mu       sync.RWMutex
	handlers map[string][]func(data json.RawMessage)
	connFns  []func(connected bool)

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the relay WebSocket endpoint and starts the pumps.
func Dial(ctx context.Context, url string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:     conn,
		send:     make(chan Message, sendBufferSize),
		limiter:  rate.NewLimiter(rate.Limit(sendRatePerSecond), sendBurst),
		logger:   logger,
		handlers: make(map[string][]func(data json.RawMessage)),
		done:     make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

// Send queues a message for delivery. It returns an error only when the
// payload cannot be encoded or the connection is closed; delivery itself
// is asynchronous.
func (c *Client) Send(msgType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg := Message{Type: msgType, Data: data}
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	case c.send <- msg:
		return nil
	default:
		// buffer full, drop rather than block the caller
		c.logger.Warn("send buffer full, dropping message", zap.String("type", msgType))
		return nil
	}
}

// On registers a handler for a message type. Handlers run sequentially on
// the read loop, preserving transport delivery order.
func (c *Client) On(msgType string, h func(data json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = append(c.handlers[msgType], h)
}

// OnConnectionChange registers a lifecycle listener. It fires with false
// when the connection is lost or closed.
func (c *Client) OnConnectionChange(fn func(connected bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connFns = append(c.connFns, fn)
}

// Close tears down the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
	return nil
}

func (c *Client) readPump() {
	defer func() {
		_ = c.Close()
		c.notifyConnection(false)
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg Message) {
	c.mu.RLock()
	handlers := c.handlers[msg.Type]
	c.mu.RUnlock()
	for _, h := range handlers {
		h(msg.Data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	ctx := context.Background()
	for {
		select {
		case <-c.done:
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) notifyConnection(connected bool) {
	c.mu.RLock()
	fns := append([]func(bool){}, c.connFns...)
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(connected)
	}
}
