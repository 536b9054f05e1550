package ws

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mahaj/tourbook-realtime/pkg/apperr"
	"github.com/mahaj/tourbook-realtime/pkg/model"
	"github.com/mahaj/tourbook-realtime/pkg/registry"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	// Frames buffered per connection before it counts as a slow consumer.
	sendBuffer = 256
)

var (
	ErrNotOpen      = errors.New("connection is not open")
	ErrSlowConsumer = errors.New("send buffer full")
)

// Client is a middleman between the websocket connection and the registry.
type Client struct {
	handler *Handler

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound frames.
	send chan []byte
	done chan struct{}

	id     string
	userID string

	state      atomic.Int32
	alive      atomic.Bool
	closeOnce  sync.Once
	removeOnce sync.Once
	log        *zap.Logger
}

func newClient(h *Handler, conn *websocket.Conn, id, userID string) *Client {
	c := &Client{
		handler: h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		id:      id,
		userID:  userID,
		log:     h.log.With(zap.String("user_id", userID), zap.String("conn_id", id)),
	}
	c.state.Store(int32(registry.StateConnecting))
	c.alive.Store(true)
	return c
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.userID }

func (c *Client) State() registry.State {
	return registry.State(c.state.Load())
}

// Send queues frame without blocking. A full buffer closes the connection.
func (c *Client) Send(frame []byte) error {
	if c.State() != registry.StateOpen {
		return ErrNotOpen
	}
	select {
	case <-c.done:
		return ErrNotOpen
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.log.Warn("slow consumer, closing connection")
		_ = c.Close()
		return ErrSlowConsumer
	}
}

// Ping writes a ping control frame; gorilla allows it concurrently with the
// write pump.
func (c *Client) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close starts the closing handshake. The write pump sends the close frame
// and tears the socket down.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.state.CompareAndSwap(int32(registry.StateOpen), int32(registry.StateClosing))
		c.state.CompareAndSwap(int32(registry.StateConnecting), int32(registry.StateClosing))
		close(c.done)
	})
	return nil
}

func (c *Client) CheckAlive() bool {
	return c.alive.Swap(false)
}

// finish marks the connection closed and unregisters it exactly once.
func (c *Client) finish() {
	c.removeOnce.Do(func() {
		_ = c.Close()
		c.state.Store(int32(registry.StateClosed))
		c.handler.registry.RemoveConnection(c.userID, c.id)
		c.log.Info("client disconnected")
	})
}

// readPump pumps frames from the websocket connection to the services.
func (c *Client) readPump() {
	defer func() {
		c.finish()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.handler.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return c.conn.SetReadDeadline(time.Now().Add(c.handler.pongWait))
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debug("read error", zap.Error(err))
			}
			return
		}
		c.alive.Store(true)
		c.conn.SetReadDeadline(time.Now().Add(c.handler.pongWait))
		c.handle(bytes.TrimSpace(message))
	}
}

func (c *Client) handle(message []byte) {
	ev, err := model.DecodeClient(message)
	if err != nil {
		c.reply(model.ErrorEvent{Code: apperr.CodeValidation, Message: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.handler.opTimeout)
	defer cancel()

	switch ev := ev.(type) {
	case model.Heartbeat:
		if _, err := c.handler.registry.Heartbeat(ctx, c.userID); err != nil {
			c.log.Warn("heartbeat", zap.Error(err))
		}
	case model.TypingCommand:
		if c.handler.typing == nil {
			return
		}
		if err := c.handler.typing.SetTyping(ctx, ev.ChatID, c.userID, ev.Typing); err != nil {
			e := apperr.From(err)
			c.reply(model.ErrorEvent{Code: e.Code, Message: e.Message})
		}
	}
}

func (c *Client) reply(ev model.ServerEvent) {
	frame, err := model.Encode(ev)
	if err != nil {
		c.log.Error("encode reply", zap.Error(err))
		return
	}
	_ = c.Send(frame)
}

// writePump pumps frames from the send buffer to the websocket connection.
// Each frame is written as its own text message.
func (c *Client) writePump() {
	defer c.conn.Close()
	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
