package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/courselab/courselab/internal/orchestrator"
	"github.com/courselab/courselab/internal/store"
)

// anonymousUser is used when no user is given; the playground has no auth.
const anonymousUser = "anonymous"

// ListCourses returns the course catalog.
func (h *Handler) ListCourses(w http.ResponseWriter, _ *http.Request) {
	courses := h.courses.List()
	h.JSON(w, http.StatusOK, map[string]any{
		"courses": courses,
		"total":   len(courses),
	})
}

// GetCourse returns one course with its content.
func (h *Handler) GetCourse(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, ok := h.courses.Get(id)
	if !ok {
		h.Error(w, http.StatusNotFound, "course not found")
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"course": c})
}

// StartCourse starts a fresh container for the course. The body may carry
// an optional image override.
func (h *Handler) StartCourse(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		h.Error(w, http.StatusBadRequest, "course id must not be empty")
		return
	}

	var body struct {
		Image string `json:"image"`
	}
	// an empty body is fine
	_ = h.DecodeJSON(r, &body)

	rec, err := h.orch.StartCourse(r.Context(), id, body.Image)
	if err != nil {
		if errors.Is(err, orchestrator.ErrCourseNotFound) {
			h.Error(w, http.StatusNotFound, "course not found")
			return
		}
		h.log.Error("course start failed", "course", id, "error", err)
		h.Error(w, http.StatusInternalServerError, "failed to start course: "+err.Error())
		return
	}

	h.JSON(w, http.StatusOK, map[string]any{
		"courseId":    id,
		"containerId": rec.ID,
		"image":       rec.Image,
	})
}

// StopCourse stops the course's active container.
func (h *Handler) StopCourse(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		h.Error(w, http.StatusBadRequest, "course id must not be empty")
		return
	}

	containerID, err := h.orch.StopCourse(r.Context(), id)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNoContainer) {
			h.Error(w, http.StatusNotFound, "no container for course")
			return
		}
		h.log.Error("course stop failed", "course", id, "error", err)
		h.Error(w, http.StatusInternalServerError, "failed to stop course: "+err.Error())
		return
	}

	h.JSON(w, http.StatusOK, map[string]any{
		"courseId":    id,
		"containerId": containerID,
	})
}

// CheckPortConflict reports whether the course's host port is already held
// by another course's container.
func (h *Handler) CheckPortConflict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	port := r.URL.Query().Get("port")
	if port == "" {
		h.Error(w, http.StatusBadRequest, "missing port parameter")
		return
	}
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		h.Error(w, http.StatusBadRequest, "invalid port: "+port)
		return
	}
	if _, ok := h.courses.Get(id); !ok {
		h.Error(w, http.StatusNotFound, "course not found")
		return
	}

	h.JSON(w, http.StatusOK, h.orch.CheckPortConflict(id, port))
}

// CleanupCourseContainers removes every container of one course.
func (h *Handler) CleanupCourseContainers(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.courses.Get(id); !ok {
		h.Error(w, http.StatusNotFound, "course not found")
		return
	}

	result := h.orch.CleanupCourse(r.Context(), id)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusPartialContent
	}
	h.JSON(w, status, result)
}

// GetProgress returns the user's progress in a course.
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	user := userParam(r)
	if _, ok := h.courses.Get(id); !ok {
		h.Error(w, http.StatusNotFound, "course not found")
		return
	}

	p, err := h.progress.Get(r.Context(), user, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "no progress recorded")
			return
		}
		h.log.Error("progress lookup failed", "course", id, "user", user, "error", err)
		h.Error(w, http.StatusInternalServerError, "failed to load progress")
		return
	}
	h.JSON(w, http.StatusOK, p)
}

// SaveProgress upserts the user's progress in a course.
func (h *Handler) SaveProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	user := userParam(r)
	if _, ok := h.courses.Get(id); !ok {
		h.Error(w, http.StatusNotFound, "course not found")
		return
	}

	var body struct {
		CurrentStep int  `json:"currentStep"`
		Completed   bool `json:"completed"`
	}
	if err := h.DecodeJSON(r, &body); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.CurrentStep < 0 {
		h.Error(w, http.StatusBadRequest, "currentStep must not be negative")
		return
	}

	p, err := h.progress.Save(r.Context(), user, id, body.CurrentStep, body.Completed)
	if err != nil {
		h.log.Error("progress save failed", "course", id, "user", user, "error", err)
		h.Error(w, http.StatusInternalServerError, "failed to save progress")
		return
	}
	h.JSON(w, http.StatusOK, p)
}

// ResetProgress deletes the user's progress in a course.
func (h *Handler) ResetProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	user := userParam(r)
	if _, ok := h.courses.Get(id); !ok {
		h.Error(w, http.StatusNotFound, "course not found")
		return
	}

	if err := h.progress.Reset(r.Context(), user, id); err != nil {
		h.log.Error("progress reset failed", "course", id, "user", user, "error", err)
		h.Error(w, http.StatusInternalServerError, "failed to reset progress")
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"courseId": id, "user": user})
}

func userParam(r *http.Request) string {
	if user := strings.TrimSpace(r.URL.Query().Get("user")); user != "" {
		return user
	}
	return anonymousUser
}
