package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinkerbay/agentd/pkg/protocol"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPongWait        = 45 * time.Second
	wsPingInterval    = 15 * time.Second
	wsWriteWait       = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// handleWS upgrades the connection and binds it to a session. The read loop
// owns inbound routing; the write loop owns the socket.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	session, err := s.manager.Connect(r.Context(), r.URL.Query().Get("session"))
	if err != nil {
		slog.Warn("Connection rejected", "error", err)
		frame := protocol.MustFrame(protocol.FrameError, protocol.ErrorPayload{Message: err.Error()})
		data, _ := json.Marshal(frame)
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		_ = conn.WriteMessage(websocket.TextMessage, data)
		_ = conn.Close()
		return
	}

	slog.Info("Client connected", "session_id", session.ID)
	defer func() {
		s.manager.Disconnect(session)
		_ = conn.Close()
	}()

	done := make(chan struct{})
	go writeLoop(conn, session, done)
	readLoop(conn, session, r)
	close(done)
}

func readLoop(conn *websocket.Conn, session *Session, r *http.Request) {
	conn.SetReadLimit(wsMaxPayloadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			session.sendError(err.Error(), nil)
			continue
		}

		// Inbound frames hit the journal before any handling side effect.
		if err := session.journal.RecordIncoming(frame); err != nil {
			slog.Error("Journal write failed", "session_id", session.ID, "error", err)
			session.sendError("journal write failed", nil)
			continue
		}

		session.HandleFrame(r.Context(), frame)
	}
}

func writeLoop(conn *websocket.Conn, session *Session, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case frame := <-session.send:
			data, err := json.Marshal(frame)
			if err != nil {
				slog.Error("Frame marshal failed", "session_id", session.ID, "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
