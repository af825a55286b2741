package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

// handleDebug streams debug bus events as JSON text frames. Recent
// history (?history=N, default 50) is replayed first. The stream is
// read-only; anything the client sends is discarded.
func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	history := 50
	if v := r.URL.Query().Get("history"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			history = n
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("debug upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	sub := s.bus.Subscribe(256)
	defer sub.Close()

	// Reader goroutine only notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	writeTimeout := s.config.Connection.WriteTimeout
	if history > 0 {
		for _, e := range s.bus.Recent(history) {
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteJSON(e); err != nil {
				return
			}
		}
	}

	for {
		select {
		case <-gone:
			return
		case e, ok := <-sub.C():
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "debug bus closed"),
					time.Now().Add(time.Second))
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteJSON(e); err != nil {
				return
			}
		}
	}
}
