package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/leandrotocalini/wagate/internal/supervisor"
)

const wsWriteTimeout = 10 * time.Second

type eventMessage struct {
	Type       string                 `json:"type"` // "state" on connect, then "transition"
	State      supervisor.State       `json:"state"`
	Ready      bool                   `json:"ready"`
	Transition *supervisor.Transition `json:"transition,omitempty"`
}

// handleEvents streams connection state transitions over a websocket.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	allow := originAllowed(s.cfg.AllowedOrigins)
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return allow(r, r.Header.Get("Origin")) || sameHost(r)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.sup.Subscribe()
	defer s.sup.Unsubscribe(ch)

	if err := s.writeEvent(conn, eventMessage{Type: "state", State: s.sup.State(), Ready: s.sup.IsReady()}); err != nil {
		return
	}

	// The client never sends anything meaningful; reading detects close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case tr, ok := <-ch:
			if !ok {
				conn.WriteControl(websocket.CloseMessage, //nolint:errcheck // best effort
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(time.Second))
				return
			}
			msg := eventMessage{Type: "transition", State: tr.To, Ready: tr.To == supervisor.StateReady, Transition: &tr}
			if err := s.writeEvent(conn, msg); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, msg eventMessage) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)) //nolint:errcheck // checked by the write
	return conn.WriteJSON(msg)
}

// sameHost accepts pages served by this process.
func sameHost(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}
