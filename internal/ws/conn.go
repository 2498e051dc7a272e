package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	DefaultSendBuffer = 128
	DefaultMaxFrame   = 64 << 10

	closeSlowConsumer = 4008
)

var errConnClosed = errors.New("connection closed")

// Socket is the write side of a websocket. *websocket.Conn satisfies it.
type Socket interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// frame is one encoded outbound event. Frames carrying a message for another
// user report delivery once written.
type frame struct {
	event  string
	data   []byte
	roomID string
	seq    int64
}

// Conn is one authenticated client connection. Writes go through a bounded
// queue drained by a single writer goroutine.
type Conn struct {
	ID     string
	UserID string

	ws          Socket
	send        chan frame
	closed      chan struct{}
	once        sync.Once
	onDelivered func(roomID, userID string, seq int64)
	log         *slog.Logger
}

func newConn(userID string, ws Socket, buffer int, onDelivered func(roomID, userID string, seq int64), log *slog.Logger) *Conn {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	id := uuid.NewString()
	return &Conn{
		ID:          id,
		UserID:      userID,
		ws:          ws,
		send:        make(chan frame, buffer),
		closed:      make(chan struct{}),
		onDelivered: onDelivered,
		log:         log.With("conn_id", id, "user_id", userID),
	}
}

// start launches the write loop. It must be called exactly once.
func (c *Conn) start() {
	go c.writeLoop()
}

// enqueue queues f for writing. A full queue means the client cannot keep
// up; the connection is closed rather than letting the queue grow.
func (c *Conn) enqueue(f frame) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}

	select {
	case c.send <- f:
		return nil
	default:
		c.log.Warn("send buffer full, closing connection")
		c.Close(closeSlowConsumer, "send buffer full")
		return errors.New("connection buffer exceeded")
	}
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Close sends a close frame and tears down the socket. Safe to call many times.
func (c *Conn) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case f := <-c.send:
			if err := c.write(websocket.TextMessage, f.data); err != nil {
				c.log.Debug("write failed", "event", f.event, "error", err)
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
			if f.seq > 0 && c.onDelivered != nil {
				c.onDelivered(f.roomID, c.UserID, f.seq)
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Conn) write(messageType int, data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, data)
}
