package transport

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// MessageHandler is the callback executed for each inbound frame.
type MessageHandler func(ctx context.Context, connID uuid.UUID, msg []byte)

// OnCloseHandler is the callback executed once when the connection terminates.
type OnCloseHandler func(connID uuid.UUID, err error)

type ConnectionConfig struct {
	ReadTimeout time.Duration
}

// Connection represents a single, thread-safe WebSocket connection. Outbound
// events go through a buffered send channel drained by the write pump, so
// broadcast fan-out never blocks on a slow peer.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig
	send   chan []byte

	onMessage MessageHandler
	onClose   OnCloseHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)

	return &Connection{
		id:     id,
		conn:   conn,
		config: config,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		wg:     wg,
		ctx:    connCtx,
		cancel: cancel,
		logger: logger.With(slog.String("connID", id.String())),
	}
}

// Run starts the read and write pumps. Handlers must be set before calling.
func (c *Connection) Run() {
	c.wg.Add(1)
	go c.readPump()
	go c.writePump()

	c.logger.Info("Connection established")
}

// readPump pumps inbound frames into the message handler until the peer goes
// away or the read deadline expires.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		message, err := c.readFrame()
		if err != nil {
			readErr = err
			return
		}
		if message == nil {
			continue
		}
		c.onMessage(c.ctx, c.id, message)
	}
}

// readFrame reads one frame under its own deadline. A nil message with a nil
// error means a non-text frame was skipped.
func (c *Connection) readFrame() ([]byte, error) {
	readCtx, cancel := context.WithTimeout(c.ctx, c.config.ReadTimeout)
	defer cancel()

	typ, r, err := c.conn.Reader(readCtx)
	if err != nil {
		return nil, err
	}
	// The protocol is JSON over text frames only.
	if typ != websocket.MessageText {
		_, _ = io.Copy(io.Discard, r)
		return nil, nil
	}
	return io.ReadAll(r)
}

// writePump drains the send channel onto the wire.
func (c *Connection) writePump() {
	var writeErr error
	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.conn.Write(c.ctx, websocket.MessageText, message); err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			c.conn.Close(websocket.StatusNormalClosure, "server shutting down")
			return
		}
	}
}

// Send queues a message for delivery. It is safe for concurrent use and drops
// the message if the connection is already closing.
func (c *Connection) Send(message []byte) {
	select {
	case c.send <- message:
	case <-c.ctx.Done():
		c.logger.Warn("Attempted to send on a closed connection")
	}
}

// Close gracefully shuts down the connection and its pumps. Safe to call more
// than once; only the first call runs the close handler. The send channel is
// never closed: a concurrent Send racing the cancel must find it either
// writable or abandoned, not panicking on a closed channel. Both pumps exit
// via the cancelled context instead.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		c.logger.Info("Connection closing", slog.Any("reason", err))

		c.cancel()
		if c.conn != nil {
			c.conn.Close(websocket.StatusNormalClosure, "")
		}
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		c.wg.Done()
		close(c.done)
	})
}

// Done returns a channel closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}

func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}
