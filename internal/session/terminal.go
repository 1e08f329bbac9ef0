package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/courselab/courselab/internal/container"
	"github.com/courselab/courselab/internal/logger"
)

// pingInterval is how often the server pings the client. A missing pong
// never tears the session down; network middleboxes are the audience.
var pingInterval = 30 * time.Second

// wsWriter serializes concurrent frame writes to one socket.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) send(frameType string, data interface{}) error {
	msg := TerminalMessage{Type: frameType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		msg.Data = raw
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(msg)
}

// runTerminal pumps a PTY and a websocket into each other until the socket
// closes, the PTY ends, or the container leaves the running state.
func runTerminal(ctx context.Context, conn *websocket.Conn, pty container.PTY, states <-chan container.StateChange, log *logger.Logger) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := &wsWriter{conn: conn}

	// PTY output -> socket
	go func() {
		defer cancel()
		buf := make([]byte, 4096)
		for {
			n, err := pty.Read(buf)
			if n > 0 {
				if err := w.send(FrameOutput, string(buf[:n])); err != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	// lifecycle teardown: anything but running ends the session
	if states != nil {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case change, ok := <-states:
					if !ok {
						return
					}
					if change.State != container.StateRunning {
						w.send(FrameError, "container is no longer running")
						cancel()
						conn.Close()
						return
					}
				}
			}
		}()
	}

	// keepalive
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.send(FramePing, nil); err != nil {
					return
				}
			}
		}
	}()

	// socket input -> PTY
	for {
		var msg TerminalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			cancel()
			return
		}

		switch msg.Type {
		case FrameInput:
			var input string
			if err := json.Unmarshal(msg.Data, &input); err != nil {
				w.send(FrameError, "malformed input frame")
				continue
			}
			if _, err := pty.Write([]byte(input)); err != nil {
				log.Warn("pty write failed", "error", err)
				w.send(FrameError, "failed to write to terminal")
			}
		case FrameResize:
			var size resizePayload
			if err := json.Unmarshal(msg.Data, &size); err != nil {
				w.send(FrameError, "malformed resize frame")
				continue
			}
			if size.Rows > 0 && size.Cols > 0 {
				if err := pty.Resize(ctx, size.Rows, size.Cols); err != nil {
					log.Warn("pty resize failed", "error", err)
				}
			}
		case FramePing:
			w.send(FramePong, nil)
		case FramePong:
			// keepalive reply, nothing to do
		default:
			w.send(FrameError, "unknown frame type: "+msg.Type)
		}
	}
}
