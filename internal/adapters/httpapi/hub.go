// Package httpapi exposes the engine over a small gin REST surface and
// pushes engine events to clients over a websocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/rtcroom/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

// EventConn is one websocket subscriber of the event feed.
type EventConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *EventConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *EventConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// Hub fans engine events out to every connected websocket. It implements
// core.EventSink; slow clients are skipped, never waited on.
type Hub struct {
	// PingPeriod and ReadLimit tune the websocket keepalive; zero values
	// fall back to defaults.
	PingPeriod time.Duration
	ReadLimit  int64

	mu    sync.RWMutex
	conns map[*EventConn]struct{}
}

func NewHub() *Hub {
	return &Hub{conns: make(map[*EventConn]struct{})}
}

func (h *Hub) Deliver(ev core.Event) {
	env := struct {
		Type string     `json:"type"`
		Data core.Event `json:"data"`
	}{Type: eventType(ev), Data: ev}
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "httpapi.hub").Msg("event marshal")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns {
		if err := c.TrySend(data); err != nil {
			log.Warn().Err(err).Str("module", "httpapi.hub").Msg("event dropped")
		}
	}
}

func eventType(ev core.Event) string {
	switch ev.(type) {
	case core.JoinResult:
		return "join_result"
	case core.LeaveDone:
		return "leave_done"
	case core.SwitchRoomResult:
		return "switch_room_result"
	case core.BridgeResult:
		return "bridge_result"
	case core.BridgeClosed:
		return "bridge_closed"
	case core.TaskResult:
		return "task_result"
	case core.RemoteStreamChange:
		return "remote_stream_change"
	case core.EngineError:
		return "engine_error"
	default:
		return "unknown"
	}
}

func (h *Hub) add(c *EventConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
}

func (h *Hub) remove(c *EventConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleEvents upgrades the request and streams events until the client
// goes away or the server context ends.
func (h *Hub) HandleEvents(ctx context.Context, c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "httpapi.hub").Msg("upgrade failed")
		return
	}
	if h.ReadLimit > 0 {
		conn.SetReadLimit(h.ReadLimit)
	}
	ec := &EventConn{conn: conn, send: make(chan []byte, 64)}
	h.add(ec)
	defer func() {
		h.remove(ec)
		ec.Close()
	}()
	go h.readPump(ec)
	h.writePump(ctx, ec)
}

// readPump only consumes control frames; the event feed is one-way.
func (h *Hub) readPump(c *EventConn) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.Close()
			return
		}
	}
}

func (h *Hub) writePump(ctx context.Context, c *EventConn) {
	ping := h.PingPeriod
	if ping <= 0 {
		ping = 54 * time.Second
	}
	ticker := time.NewTicker(ping)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "httpapi.hub").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				log.Error().Err(err).Str("module", "httpapi.hub").Msg("writePump ping error")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "httpapi.hub").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "httpapi.hub").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "httpapi.hub").Msg("writePump write error")
				return
			}
		}
	}
}
