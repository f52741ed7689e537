package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"chat-gateway/internal/auth"
)

// State is a connection's lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Client is one websocket connection. Its identity is set once on
// authentication and owned by the connection for its lifetime.
type Client struct {
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	state    atomic.Int32
	identity auth.Identity
	info     ConnInfo
}

func newClient(conn *websocket.Conn, info ConnInfo, buffer int) *Client {
	return &Client{
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
		info: info,
	}
}

// Identity returns the authenticated user of the connection.
func (c *Client) Identity() auth.Identity {
	return c.identity
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// enqueue never blocks; a false return means the buffer is full or the
// client is gone.
func (c *Client) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which in turn closes the socket and unblocks
// the read pump. Frames still queued on the read side are dropped. Safe to
// call more than once.
func (c *Client) Close() {
	c.once.Do(func() {
		c.setState(StateDisconnected)
		close(c.done)
	})
}

func (c *Client) writePump(pingInterval, writeWait time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush(writeWait)
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (c *Client) flush(writeWait time.Duration) {
	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		default:
			return
		}
	}
}
