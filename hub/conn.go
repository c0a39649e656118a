package hub

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/testforge/dispatch/types"
)

// resyncMessage is the text a viewer sends to request a fresh snapshot when
// it suspects its local state has diverged.
const resyncMessage = "resync"

// Subscriber is one live viewer connection. It carries no run data of its
// own; everything it shows is rehydrated from registry snapshots.
type Subscriber struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan types.Event

	// lastSeen holds the unix nanos of the last inbound frame. Written by the
	// read pump, read by the hub run loop for the disconnect audit log.
	lastSeen atomic.Int64
}

func newSubscriber(h *Hub, conn *websocket.Conn) *Subscriber {
	s := &Subscriber{
		id:   uuid.New().String(),
		hub:  h,
		conn: conn,
		send: make(chan types.Event, h.cfg.SendBuffer),
	}
	s.touch()
	return s
}

// ID returns the connection identifier, assigned at subscribe time.
func (s *Subscriber) ID() string {
	return s.id
}

// LastSeen returns when the subscriber last sent any frame.
func (s *Subscriber) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

func (s *Subscriber) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

// readPump consumes inbound frames. Pongs and any inbound message refresh the
// read deadline; a subscriber silent past the pong timeout fails its next
// read and is unsubscribed.
func (s *Subscriber) readPump() {
	defer func() {
		s.hub.Unsubscribe(s)
		_ = s.conn.Close()
	}()

	_ = s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		return s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.PongTimeout))
	})

	for {
		msgType, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.log.Debug().Err(err).Str("connection_id", s.id).Msg("subscriber read error")
			}
			return
		}
		s.touch()
		_ = s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.PongTimeout))

		if msgType == websocket.TextMessage && string(msg) == resyncMessage {
			s.hub.RequestSnapshot(s)
		}
	}
}

// writePump serializes queued events onto the wire and keeps the connection
// alive with periodic pings.
func (s *Subscriber) writePump() {
	ticker := time.NewTicker(s.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteTimeout))
			if !ok {
				// The hub dropped us.
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteJSON(ev); err != nil {
				s.hub.log.Debug().Err(err).Str("connection_id", s.id).Msg("subscriber write error")
				s.hub.Unsubscribe(s)
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.hub.Unsubscribe(s)
				return
			}
		}
	}
}
