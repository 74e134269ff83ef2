package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/reef-social/reef/events"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ClientFrame is a client-to-server control message on the websocket.
type ClientFrame struct {
	Type   string `json:"type"`
	Room   string `json:"room,omitempty"`
	Paused bool   `json:"paused,omitempty"`
}

// handleWebsocket upgrades the connection, subscribes it to the event bus,
// and bridges events out and control frames in until the peer goes away.
// Room membership changes for this connection only ever happen in its own
// read loop, so no cross-connection serialization is needed beyond the bus.
func (s *Server) handleWebsocket(c echo.Context) error {
	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	conn, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	ident := c.RealIP() + "-" + c.Request().UserAgent()
	sub, err := s.evts.Subscribe(ident)
	if err != nil {
		return err
	}
	defer sub.Cleanup()

	entry := &SocketConn{
		RemoteAddr:  c.RealIP(),
		UserAgent:   c.Request().UserAgent(),
		ConnectedAt: time.Now(),
		Sub:         sub,
	}
	connID := s.registry.Register(entry)
	defer s.registry.Unregister(connID)

	logger := s.logger.With("conn_id", connID, "remote_addr", entry.RemoteAddr)
	logger.Info("socket connected")
	defer logger.Info("socket disconnected")

	lastWriteLk := sync.Mutex{}
	lastWrite := time.Now()

	// Ping the client when the connection has been quiet, and tear it down
	// if the ping cannot be written.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				lastWriteLk.Lock()
				lw := lastWrite
				lastWriteLk.Unlock()

				if time.Since(lw) < 30*time.Second {
					continue
				}

				if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second)); err != nil {
					logger.Warn("failed to ping client", "error", err)
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	conn.SetPingHandler(func(message string) error {
		err := conn.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(time.Second*60))
		if err == websocket.ErrCloseSent {
			return nil
		} else if e, ok := err.(net.Error); ok && e.Timeout() {
			return nil
		}
		return err
	})

	// read loop: control frames in, disconnect detection
	go func() {
		defer cancel()
		for {
			var frame ClientFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			s.handleClientFrame(logger, sub, &frame)
		}
	}()

	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				logger.Error("event stream closed unexpectedly")
				return nil
			}
			if err := conn.WriteJSON(evt); err != nil {
				logger.Warn("websocket write error", "error", err)
				return nil
			}
			lastWriteLk.Lock()
			lastWrite = time.Now()
			lastWriteLk.Unlock()
			socketEventsSent.Inc()
		case <-ctx.Done():
			return nil
		}
	}
}

// handleClientFrame processes one control frame. Malformed frames, unknown
// types, and unknown rooms are silently ignored.
func (s *Server) handleClientFrame(logger *slog.Logger, sub *events.Subscription, frame *ClientFrame) {
	switch frame.Type {
	case events.CmdJoinRoom:
		room := events.Room(frame.Room)
		if !events.ValidRoom(room) {
			return
		}
		sub.Join(room)
		logger.Info("joined room", "room", frame.Room)

	case events.CmdLeaveRoom:
		room := events.Room(frame.Room)
		if !events.ValidRoom(room) {
			return
		}
		sub.Leave(room)
		logger.Info("left room", "room", frame.Room)

	case events.CmdToggleModeration:
		// only honored from a connection currently in the admin room
		if !sub.InRoom(events.RoomAdmin) {
			logger.Warn("ignoring moderation toggle from non-admin connection")
			return
		}
		s.scanner.SetPaused(frame.Paused)
	}
}
