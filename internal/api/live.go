package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"mise/internal/broadcast"
	"mise/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The REST layer fronts auth and origin policy; the live channel
	// accepts whatever reached it.
	CheckOrigin: func(*http.Request) bool { return true },
}

const writeTimeout = 10 * time.Second

// clientMessage is what a live subscriber may send upstream.
type clientMessage struct {
	Action string `json:"action"` // ping, get_status, start, cancel
}

// GET /api/sessions/:id/live
//
// Upgrades to a websocket, attaches the connection to the session's
// broadcast channel and relays events until either side goes away.
// Client messages are a tiny command vocabulary; everything else flows
// server to client.
func (s *Server) live(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.cache.Get(c.Request.Context(), id); err != nil {
		s.notFoundOr500(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.API("live %s: upgrade failed: %v", id, err)
		return
	}

	hub := s.pipeline.Hub()
	events := hub.Subscribe(id)
	defer hub.Unsubscribe(id, events)
	defer conn.Close()

	logging.API("live %s: subscriber attached (%d total)", id, hub.SubscriberCount(id))

	ack := broadcast.Event{
		Type:      broadcast.EventConnectionAck,
		SessionID: id,
		Message:   "connected",
		Timestamp: time.Now(),
	}
	if err := writeEvent(conn, ack); err != nil {
		return
	}

	// Reader goroutine: client commands plus connection liveness. A read
	// error closes done and unwinds the writer loop below.
	done := make(chan struct{})
	go s.readLoop(conn, id, done)

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// Dropped by the hub for lagging, or the hub closed.
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				return
			}
			heartbeat.Reset(s.heartbeat)
		case <-heartbeat.C:
			err := writeEvent(conn, broadcast.Event{
				Type:      broadcast.EventHeartbeat,
				SessionID: id,
				Timestamp: time.Now(),
			})
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// readLoop consumes client messages until the connection dies.
func (s *Server) readLoop(conn *websocket.Conn, id string, done chan<- struct{}) {
	defer close(done)
	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		hub := s.pipeline.Hub()
		switch msg.Action {
		case "ping":
			hub.Publish(id, broadcast.Event{Type: broadcast.EventHeartbeat, Message: "pong"})
		case "get_status":
			status, err := s.pipeline.Status(context.Background(), id)
			if err != nil {
				hub.Publish(id, broadcast.Event{Type: broadcast.EventError, Message: err.Error()})
				continue
			}
			hub.Publish(id, broadcast.Event{
				Type:    broadcast.EventProgress,
				Stage:   string(status.CurrentStage),
				Message: "status",
				Data:    status,
			})
		case "start":
			if !s.pipeline.Running(id) {
				s.startRun(id)
			}
		case "cancel":
			if s.pipeline.Cancel(id) {
				hub.Publish(id, broadcast.Event{Type: broadcast.EventCancelAck, Message: "cancel requested"})
			} else {
				hub.Publish(id, broadcast.Event{Type: broadcast.EventError, Message: "no active run for session"})
			}
		default:
			logging.APIDebug("live %s: unknown action %q", id, msg.Action)
		}
	}
}

func writeEvent(conn *websocket.Conn, ev broadcast.Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(ev)
}
