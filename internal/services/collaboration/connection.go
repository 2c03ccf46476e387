package collaboration

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"collabsync/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 20
	sendBuffer     = 256
)

// Connection is one client transport. It exists from upgrade to close,
// independent of whether it has joined a room.
type Connection struct {
	*models.Session

	hub  *Hub
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once

	mu           sync.Mutex
	state        models.ConnState
	room         *Room
	awarenessIDs map[uint64]struct{}
}

func newConnection(hub *Hub, session *models.Session, ws *websocket.Conn) *Connection {
	return &Connection{
		Session:      session,
		hub:          hub,
		ws:           ws,
		send:         make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
		state:        models.StateConnected,
		awarenessIDs: make(map[uint64]struct{}),
	}
}

// Member is the presence set member of this connection.
func (c *Connection) Member() string {
	return c.hub.member(c)
}

// State returns the lifecycle state.
func (c *Connection) State() models.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Room returns the joined room, nil before join.
func (c *Connection) Room() *Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Connection) joined(room *Room, clientID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = models.StateJoined
	c.room = room
	c.DocumentID = room.DocID
	if clientID != 0 {
		c.ClientID = clientID
	}
}

// trackAwareness records the awareness entries this connection owns.
func (c *Connection) trackAwareness(ids []uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		c.awarenessIDs[id] = struct{}{}
	}
}

// leaving moves to Disconnecting and returns the room to leave plus the
// awareness entries to remove. ok is false when nothing was joined.
func (c *Connection) leaving() (room *Room, ids []uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != models.StateJoined {
		c.state = models.StateDisconnecting
		return nil, nil, false
	}
	c.state = models.StateDisconnecting

	if c.ClientID != 0 {
		c.awarenessIDs[c.ClientID] = struct{}{}
	}
	ids = make([]uint64, 0, len(c.awarenessIDs))
	for id := range c.awarenessIDs {
		ids = append(ids, id)
	}
	c.awarenessIDs = make(map[uint64]struct{})

	room = c.room
	c.room = nil
	return room, ids, true
}

func (c *Connection) left() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = models.StateDisconnected
	c.DocumentID = ""
}

// enqueue queues frame for the write pump. A connection whose buffer is full
// is too slow to keep up and gets closed.
func (c *Connection) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	default:
		c.hub.logger.Warn("socket:buffer_full", zap.String("conn", c.ID))
		c.Close()
		return false
	}
}

// Close stops the write pump, which closes the transport.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Done is closed once the connection is closing.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ReadPump reads frames until the transport fails, then runs the disconnect
// sequence.
// Learning: Each connection has its own goroutine reading from the WebSocket
func (c *Connection) ReadPump(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.hub.logger.Error("socket:panic",
				zap.String("conn", c.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
		c.hub.Disconnect(ctx, c)
		c.Close()
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.LastActiveAt = time.Now()
		c.hub.touch(ctx, c)
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("socket:read_failed", zap.String("conn", c.ID), zap.Error(err))
			}
			return
		}

		c.LastActiveAt = time.Now()
		c.hub.HandleFrame(ctx, c, message)
	}
}

// WritePump writes queued frames and keepalive pings.
// Learning: Separate goroutine for writing prevents blocking on slow clients
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			// one frame per message: every frame is a standalone JSON envelope
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) String() string {
	return fmt.Sprintf("%s(%s)", c.ID, c.UserName)
}
