package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"presencehub/pkg/interfaces"
)

const (
	defaultSendBuffer   = 100
	defaultWriteTimeout = 5 * time.Second
)

// ConnectionOptions tunes the outbound queue of a Connection. Zero values
// fall back to defaults.
type ConnectionOptions struct {
	SendBuffer   int
	WriteTimeout time.Duration
}

// Connection implements interfaces.Connection over a gorilla websocket.
// All frames go through one writer goroutine.
type Connection struct {
	conn         *websocket.Conn
	id           string
	writeCh      chan []byte
	writeTimeout time.Duration

	state  atomic.Int32 // interfaces.ConnectionState
	userID string       // set once by Authenticate
	mu     sync.RWMutex

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewConnection wraps conn and starts its writer goroutine. The connection
// starts in the connecting state.
func NewConnection(conn *websocket.Conn, opts ConnectionOptions) *Connection {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         conn,
		id:           uuid.NewString(),
		writeCh:      make(chan []byte, opts.SendBuffer),
		writeTimeout: opts.WriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
	c.state.Store(int32(interfaces.StateConnecting))

	go c.writeLoop()
	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues v for delivery. It fails once the connection is closed or
// when the queue stays full for the write timeout.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()

	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Authenticate moves a connecting connection to the authenticated state
func (c *Connection) Authenticate(userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch interfaces.ConnectionState(c.state.Load()) {
	case interfaces.StateClosed:
		return ErrConnectionClosed
	case interfaces.StateAuthenticated:
		return ErrAlreadyAuthenticated
	}
	c.userID = userID
	c.state.Store(int32(interfaces.StateAuthenticated))
	return nil
}

// Close is idempotent; the closed state is terminal
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(interfaces.StateClosed))
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Connection) State() interfaces.ConnectionState {
	return interfaces.ConnectionState(c.state.Load())
}

func (c *Connection) IsAuthenticated() bool {
	return c.State() == interfaces.StateAuthenticated
}

// Done is closed when the connection closes
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Context is cancelled when the connection closes
func (c *Connection) Context() context.Context {
	return c.ctx
}
