package session

import (
	"context"

	"github.com/gorilla/websocket"

	"github.com/courselab/courselab/internal/pull"
)

// runProgress forwards image pull progress to a progress-only socket.
// No PTY is ever attached; the session ends when the socket closes or the
// subscription is dropped.
func runProgress(ctx context.Context, conn *websocket.Conn, events <-chan pull.Event) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := &wsWriter{conn: conn}

	// drain the socket so pings are answered and closes are noticed
	go func() {
		defer cancel()
		for {
			var msg TerminalMessage
			if err := conn.ReadJSON(&msg); err != nil {
				conn.Close()
				return
			}
			if msg.Type == FramePing {
				w.send(FramePong, nil)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := w.send(FramePullProgress, ev); err != nil {
				return
			}
		}
	}
}
