package handler

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// upgrader accepts any origin; the playground runs on localhost and the
// terminal needs to work from whatever port serves the frontend.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// TerminalWebSocket upgrades and runs a terminal session. With
// progress_only=true no container is attached and the socket only receives
// image pull progress.
func (h *Handler) TerminalWebSocket(w http.ResponseWriter, r *http.Request) {
	containerID := r.URL.Query().Get("container_id")
	sessionID := r.URL.Query().Get("session_id")
	progressOnly := r.URL.Query().Get("progress_only") == "true"

	if !progressOnly && containerID == "" {
		h.Error(w, http.StatusBadRequest, "missing container_id")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err)
		return
	}

	if progressOnly {
		h.sessions.Progress(r.Context(), conn)
		return
	}
	h.sessions.Terminal(r.Context(), conn, containerID, sessionID)
}

// SQLWebSocket upgrades and runs a SQL console session.
func (h *Handler) SQLWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err)
		return
	}
	h.sessions.SQL(r.Context(), conn)
}
