package handler

import (
	"errors"
	"net/http"

	"github.com/courselab/courselab/internal/sqlgate"
)

// SQLInfo reports a course backend's connection details.
func (h *Handler) SQLInfo(w http.ResponseWriter, r *http.Request) {
	courseID := r.URL.Query().Get("courseId")
	if courseID == "" {
		h.Error(w, http.StatusBadRequest, "missing courseId")
		return
	}
	c, ok := h.courses.Get(courseID)
	if !ok {
		h.Error(w, http.StatusNotFound, "course not found")
		return
	}
	if c.Backend.Port == 0 {
		h.Error(w, http.StatusBadRequest, "course has no backend port")
		return
	}

	info, err := h.gate.Info(r.Context(), courseID)
	if err != nil {
		if errors.Is(err, sqlgate.ErrUnknownCourse) {
			h.Error(w, http.StatusNotFound, "course not found")
			return
		}
		h.log.Error("sql info failed", "course", courseID, "error", err)
		h.Error(w, http.StatusInternalServerError, "failed to read connection info")
		return
	}
	h.JSON(w, http.StatusOK, info)
}

// SQLHealth probes a course backend's database and reports latency.
func (h *Handler) SQLHealth(w http.ResponseWriter, r *http.Request) {
	courseID := r.URL.Query().Get("courseId")
	if courseID == "" {
		h.Error(w, http.StatusBadRequest, "missing courseId")
		return
	}
	c, ok := h.courses.Get(courseID)
	if !ok {
		h.Error(w, http.StatusNotFound, "course not found")
		return
	}
	if c.Backend.Port == 0 {
		h.Error(w, http.StatusBadRequest, "course has no backend port")
		return
	}

	health := h.gate.Health(r.Context(), courseID)
	if !health.Healthy {
		h.JSON(w, http.StatusServiceUnavailable, health)
		return
	}
	h.JSON(w, http.StatusOK, health)
}
