package api

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/erazemk/blagajna/internal/connectivity"
	"github.com/erazemk/blagajna/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

// EventsHandler streams bridge messages and connectivity changes to the till
// session over a WebSocket, and accepts credential responses from it.
type EventsHandler struct {
	Bridge        *session.Bridge
	Oracle        Oracle
	AllowedOrigin string
}

type connectivityEvent struct {
	Type  string               `json:"type"`
	State connectivityResponse `json:"state"`
}

func (h *EventsHandler) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || origin == h.AllowedOrigin {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && u.Host == r.Host
		},
	}
}

// Serve handles GET /api/events.
func (h *EventsHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade", "error", err)
		return
	}

	messages, unsubMessages := h.Bridge.Subscribe()
	defer unsubMessages()
	states, unsubStates := h.Oracle.Subscribe()
	defer unsubStates()

	slog.Debug("session connected", "remote", r.RemoteAddr)
	done := make(chan struct{})
	go h.readPump(conn, done)

	h.writePump(r, conn, messages, states, done)
	conn.Close()
	<-done
	slog.Debug("session disconnected", "remote", r.RemoteAddr)
}

// readPump routes credential responses to the bridge until the connection fails.
func (h *EventsHandler) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var m session.Message
		if err := conn.ReadJSON(&m); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		if m.Type != session.MsgCredentialResponse {
			slog.Debug("ignoring session message", "type", m.Type)
			continue
		}
		if err := h.Bridge.Respond(m); err != nil {
			slog.Warn("credential response", "id", m.ID, "error", err)
		}
	}
}

// writePump sends the current connectivity state, then every later change
// and bridge message, until the reader stops or the request is cancelled.
func (h *EventsHandler) writePump(r *http.Request, conn *websocket.Conn, messages <-chan session.Message, states <-chan connectivity.State, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	write := func(v any) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(v); err != nil {
			slog.Debug("websocket write", "error", err)
			return false
		}
		return true
	}

	if !write(connectivityEvent{Type: "connectivity", State: newConnectivityResponse(h.Oracle.State())}) {
		return
	}

	for {
		select {
		case m, ok := <-messages:
			if !ok {
				return
			}
			if !write(m) {
				return
			}
		case s, ok := <-states:
			if !ok {
				return
			}
			if !write(connectivityEvent{Type: "connectivity", State: newConnectivityResponse(s)}) {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			return
		}
	}
}
