package http

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/inboundq/internal/bus"
	"github.com/nextlevelbuilder/inboundq/pkg/protocol"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsSendBuffer = 64
)

// eventClient is one event stream subscriber. Hub handlers run on the
// broadcasting goroutine, so frames go through a buffered channel and are
// dropped when the client falls behind.
type eventClient struct {
	id      string
	conn    *websocket.Conn
	send    chan *protocol.EventFrame
	seq     atomic.Int64
	dropped atomic.Int64
}

func (c *eventClient) enqueue(ev bus.Event) {
	frame := protocol.NewEvent(ev.Name, ev.Payload)
	frame.Seq = c.seq.Add(1)
	select {
	case c.send <- frame:
	default:
		c.dropped.Add(1)
	}
}

// handleWebSocket is GET /ws: a read-only stream of coordinator events.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &eventClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan *protocol.EventFrame, wsSendBuffer),
	}
	s.events.Subscribe(c.id, c.enqueue)
	s.logger.Info("event stream client connected", "id", c.id)

	defer func() {
		s.events.Unsubscribe(c.id)
		conn.Close()
		s.logger.Info("event stream client disconnected", "id", c.id, "dropped", c.dropped.Load())
	}()

	// The read pump only services pongs and notices closes.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			conn.WriteJSON(protocol.NewEvent(protocol.EventShutdown, nil))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-closed:
			return
		case frame := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
