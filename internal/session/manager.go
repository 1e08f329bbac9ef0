// Package session runs the WebSocket consoles: interactive terminals
// attached to course containers, image pull progress feeds, and the SQL
// console. One goroutine per socket; a session never outlives its socket.
package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/courselab/courselab/internal/container"
	"github.com/courselab/courselab/internal/logger"
)

// Manager tracks live sessions and wires sockets to the controller and
// the SQL gateway.
type Manager struct {
	log     *logger.Logger
	ctrl    *container.Controller
	gate    Execer
	courses CourseLookup

	mu     sync.Mutex
	active map[string]*websocket.Conn
}

// NewManager creates a session manager.
func NewManager(ctrl *container.Controller, gate Execer, courses CourseLookup, log *logger.Logger) *Manager {
	return &Manager{
		log:     log,
		ctrl:    ctrl,
		gate:    gate,
		courses: courses,
		active:  make(map[string]*websocket.Conn),
	}
}

// Terminal runs a terminal session against a running container. The call
// blocks until the session ends. Reusing a session id closes the previous
// socket registered under it.
func (m *Manager) Terminal(ctx context.Context, conn *websocket.Conn, containerID, sessionID string) {
	defer conn.Close()

	w := &wsWriter{conn: conn}

	rec, err := m.ctrl.Status(ctx, containerID)
	if err != nil {
		w.send(FrameError, "container not found: "+containerID)
		return
	}
	if rec.State != container.StateRunning {
		w.send(FrameError, "container is not running")
		return
	}

	pty, err := m.ctrl.Attach(ctx, rec.ID, container.AttachOptions{})
	if err != nil {
		m.log.Error("terminal attach failed", "container", rec.ID, "error", err)
		w.send(FrameError, "failed to attach to container")
		return
	}
	defer pty.Close()

	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	m.register(sessionID, conn)
	defer m.unregister(sessionID, conn)

	if err := w.send(FrameConnected, connectedPayload{SessionID: sessionID, ContainerID: rec.ID}); err != nil {
		return
	}

	sub := m.ctrl.States().Subscribe(rec.ID)
	defer m.ctrl.States().Unsubscribe(rec.ID, sub)

	m.log.Info("terminal session started", "session", sessionID, "container", rec.ID)
	runTerminal(ctx, conn, pty, sub.C(), m.log)
	m.log.Info("terminal session ended", "session", sessionID, "container", rec.ID)
}

// Progress runs a progress-only session. The socket receives condensed
// image pull events and nothing else.
func (m *Manager) Progress(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	sub := m.ctrl.Pulls().Subscribe(container.PullTopic)
	defer m.ctrl.Pulls().Unsubscribe(container.PullTopic, sub)

	runProgress(ctx, conn, sub.C())
}

// SQL runs a SQL console session.
func (m *Manager) SQL(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	runSQL(ctx, conn, m.gate, m.courses, m.log)
}

func (m *Manager) register(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	old, exists := m.active[sessionID]
	m.active[sessionID] = conn
	m.mu.Unlock()
	if exists && old != conn {
		old.Close()
	}
}

func (m *Manager) unregister(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	if m.active[sessionID] == conn {
		delete(m.active, sessionID)
	}
	m.mu.Unlock()
}
