// Package handler contains the HTTP and WebSocket handlers. Handlers stay
// thin: decode, delegate, map errors to status codes.
package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/courselab/courselab/internal/container"
	"github.com/courselab/courselab/internal/course"
	"github.com/courselab/courselab/internal/logger"
	"github.com/courselab/courselab/internal/sqlgate"
	"github.com/courselab/courselab/internal/store"
)

// Courses is the course catalog surface the handlers read.
type Courses interface {
	Get(id string) (*course.Course, bool)
	List() []*course.Course
}

// Orchestrator is the course/container control surface.
type Orchestrator interface {
	StartCourse(ctx context.Context, courseID, imageOverride string) (*container.Record, error)
	StopCourse(ctx context.Context, courseID string) (string, error)
	StopContainer(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Status(ctx context.Context, id string) (*container.Record, error)
	List() []*container.Record
	Logs(ctx context.Context, id string, tail int, follow bool) (io.ReadCloser, error)
	CheckPortConflict(courseID, port string) container.PortConflict
	CleanupCourse(ctx context.Context, courseID string) container.CleanupResult
	CleanupAll(ctx context.Context) container.CleanupResult
}

// Gate is the SQL gateway surface used by the REST endpoints.
type Gate interface {
	Info(ctx context.Context, courseID string) (*sqlgate.Info, error)
	Health(ctx context.Context, courseID string) *sqlgate.Health
}

// Progress is the user progress store surface.
type Progress interface {
	Get(ctx context.Context, userID, courseID string) (*store.UserProgress, error)
	Save(ctx context.Context, userID, courseID string, step int, completed bool) (*store.UserProgress, error)
	Reset(ctx context.Context, userID, courseID string) error
}

// Sessions runs WebSocket sessions to completion.
type Sessions interface {
	Terminal(ctx context.Context, conn *websocket.Conn, containerID, sessionID string)
	Progress(ctx context.Context, conn *websocket.Conn)
	SQL(ctx context.Context, conn *websocket.Conn)
}

// Handler contains all HTTP handlers.
type Handler struct {
	log      *logger.Logger
	courses  Courses
	orch     Orchestrator
	gate     Gate
	progress Progress
	sessions Sessions
}

// New creates a Handler.
func New(courses Courses, orch Orchestrator, gate Gate, progress Progress, sessions Sessions, log *logger.Logger) *Handler {
	return &Handler{
		log:      log,
		courses:  courses,
		orch:     orch,
		gate:     gate,
		progress: progress,
		sessions: sessions,
	}
}

// JSON helper to write JSON responses
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Error helper to write error responses
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// DecodeJSON helper to decode request body
func (h *Handler) DecodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// HealthCheck reports liveness.
func (h *Handler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	h.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
