package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clinicore/chartpipe/internal/adapter/observability"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4 << 10
	sendBuffer     = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin is enforced by the CORS layer in front of the router.
	CheckOrigin: func(*http.Request) bool { return true },
}

// client is one connected browser. Outbound frames go through a buffered
// channel; a client that cannot keep up gets disconnected rather than
// blocking the hub.
type client struct {
	hub  *Hub
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan Frame
	closed bool
}

func (c *client) enqueue(f Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

// closeSend closes the outbound channel exactly once. It shares the mutex
// with enqueue, so a broadcast that snapshotted this client before removal
// can never write to the closed channel.
func (c *client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// ServeWS returns the handler that upgrades requests on the status endpoint.
func ServeWS(hub *Hub, pingInterval time.Duration) http.HandlerFunc {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", slog.Any("error", err))
			return
		}
		c := &client{hub: hub, conn: conn, send: make(chan Frame, sendBuffer)}
		observability.WSConnections.Inc()
		go c.writePump(pingInterval)
		go c.readPump(pingInterval)
	}
}

func (c *client) readPump(pingInterval time.Duration) {
	defer func() {
		c.hub.remove(c)
		c.closeSend()
		_ = c.conn.Close()
		observability.WSConnections.Dec()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	pongWait := 2*pingInterval + 10*time.Second
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			// 1005/1006 are how browsers close tabs; not worth a warning.
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
				websocket.CloseAbnormalClosure) {
				slog.Warn("websocket read failed", slog.Any("error", err))
			}
			return
		}
		c.hub.handleMessage(context.Background(), c, raw)
	}
}

func (c *client) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
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
