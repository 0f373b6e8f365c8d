package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/NikolaySitnikov/FlashCur-sub002/internal/tier"
)

// Conn is one live, authenticated client session. Group sets reference it by
// ID only; the registry owns the id->Conn arena.
type Conn struct {
	ID     uuid.UUID
	UserID uuid.UUID
	Tier   tier.Tier

	CreatedAt    time.Time
	lastActivity atomic.Int64 // unix nanos

	ws   *websocket.Conn
	send chan []byte

	closeOnce   sync.Once
	closed      chan struct{}
	closeReason string
}

func newConn(ws *websocket.Conn, userID uuid.UUID, t tier.Tier, sendBuffer int) *Conn {
	c := &Conn{
		ID:        uuid.New(),
		UserID:    userID,
		Tier:      t,
		CreatedAt: time.Now(),
		ws:        ws,
		send:      make(chan []byte, sendBuffer),
		closed:    make(chan struct{}),
	}
	c.Touch()
	return c
}

// Touch updates the last-activity timestamp. Called by the scheduler on each
// delivered message and by the read pump on inbound traffic.
func (c *Conn) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the most recent delivery or inbound message time.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// TrySend queues a payload without blocking. It returns false when the send
// buffer is full or the connection is already closed; the caller decides
// whether that means eviction.
func (c *Conn) TrySend(payload []byte) bool {
	if payload == nil {
		return true
	}
	select {
	case <-c.closed:
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

// shutdown marks the connection closed with a reason and wakes the write
// pump, which sends the close frame and tears down the socket. Safe to call
// from any goroutine, any number of times.
func (c *Conn) shutdown(reason string) {
	c.closeOnce.Do(func() {
		c.closeReason = reason
		close(c.closed)
	})
}

// writePump is the only goroutine that writes to the socket. It drains the
// send buffer, keeps the connection alive with pings, and emits the close
// frame carrying the shutdown reason.
func (c *Conn) writePump(pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.closed:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			code := websocket.CloseNormalClosure
			if c.closeReason != "" {
				code = websocket.ClosePolicyViolation
			}
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, c.closeReason))
			return
		case payload := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
