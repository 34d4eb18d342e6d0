package ws

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bnema/symstream/internal/ports"
	"github.com/bnema/symstream/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
)

var _ ports.Connection = (*conn)(nil)

// conn owns one upgraded socket. Outbound frames go through a bounded
// queue drained by writePump, so Send never touches the network.
type conn struct {
	id     string
	socket *websocket.Conn
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newConn(id string, socket *websocket.Conn, cfg Config, logger *zap.Logger) *conn {
	return &conn{
		id:     id,
		socket: socket,
		cfg:    cfg,
		logger: logger,
		send:   make(chan []byte, cfg.SendBuffer),
	}
}

func (c *conn) ID() string {
	return c.id
}

func (c *conn) Send(msg protocol.Outbound) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrSendBufferFull, msg.OutboundType())
	}
}

// closeSend stops accepting outbound frames and lets writePump finish.
func (c *conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump feeds every inbound frame to handle in arrival order until the
// peer goes away or misbehaves.
func (c *conn) readPump(handle func(frame []byte)) error {
	c.socket.SetReadLimit(c.cfg.ReadLimit)
	if err := c.socket.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, frame, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil
			}
			return err
		}
		handle(frame)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.cfg.pingPeriod())
	defer func() {
		ticker.Stop()
		_ = c.socket.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if err := c.socket.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				return
			}
			if !ok {
				_ = c.socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.socket.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", zap.String("connection_id", c.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.socket.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				return
			}
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
