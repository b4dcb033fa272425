package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"livepoll/pkg/interfaces"
)

var _ interfaces.Connection = (*Connection)(nil)

// ConnectionConfig sizes a connection's outbound queue.
type ConnectionConfig struct {
	SendBuffer   int
	WriteTimeout time.Duration
}

// DefaultConnectionConfig returns the classroom defaults.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		SendBuffer:   100,
		WriteTimeout: 5 * time.Second,
	}
}

// Connection wraps a websocket with a single writer goroutine. All writes go
// through writeCh, so callers on any goroutine may call WriteJSON.
type Connection struct {
	conn         *websocket.Conn
	id           string
	writeCh      chan []byte // TECHNICAL: single writer, gorilla allows one concurrent writer
	writeTimeout time.Duration
	role         string
	ctx          context.Context
	cancel       context.CancelFunc
	flush        chan struct{}
	flushOnce    sync.Once
	closeOnce    sync.Once
	mu           sync.RWMutex
}

// NewConnection wraps conn and starts its writer.
func NewConnection(conn *websocket.Conn, config ConnectionConfig) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         conn,
		id:           uuid.New().String(),
		writeCh:      make(chan []byte, config.SendBuffer),
		writeTimeout: config.WriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
		flush:        make(chan struct{}),
	}

	go c.writeLoop()

	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.write(data); err != nil {
				slog.Debug("Write failed, closing connection", "connection_id", c.id, "error", err)
				_ = c.Close()
				return
			}

		case <-c.flush:
			c.drain()
			deadline := time.Now().Add(c.writeTimeout)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closed by server"), deadline)
			_ = c.Close()
			return

		case <-c.ctx.Done():
			return
		}
	}
}

// drain writes whatever is already queued.
func (c *Connection) drain() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) write(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// WriteJSON marshals v and queues it.
func (c *Connection) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}
	return c.Write(data)
}

// Write queues an already encoded frame. It never blocks: a full queue means
// the client is not keeping up, and it gets ErrSendBufferFull.
func (c *Connection) Write(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	case <-c.flush:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// CloseAfterFlush delivers what is already queued, sends a close frame and
// then closes the connection.
func (c *Connection) CloseAfterFlush() {
	c.flushOnce.Do(func() {
		close(c.flush)
	})
}

// Close terminates the connection immediately. Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Done is closed once the connection has been closed.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Role() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Connection) SetRole(role string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = role
}
