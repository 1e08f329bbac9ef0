package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/courselab/courselab/internal/container"
)

const defaultLogTail = 100

// ListContainers returns all managed containers.
func (h *Handler) ListContainers(w http.ResponseWriter, _ *http.Request) {
	h.JSON(w, http.StatusOK, h.orch.List())
}

// CleanupAllContainers removes every managed container, best effort.
func (h *Handler) CleanupAllContainers(w http.ResponseWriter, r *http.Request) {
	result := h.orch.CleanupAll(r.Context())
	status := http.StatusOK
	if !result.Success {
		status = http.StatusPartialContent
	}
	h.JSON(w, status, result)
}

// ContainerStatus returns the current record for one container.
func (h *Handler) ContainerStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.orch.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, container.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "container not found")
			return
		}
		h.Error(w, http.StatusInternalServerError, "failed to read container status")
		return
	}
	h.JSON(w, http.StatusOK, rec)
}

// ContainerLogs returns the tail of a container's logs.
func (h *Handler) ContainerLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	tail := defaultLogTail
	if t := r.URL.Query().Get("tail"); t != "" {
		n, err := strconv.Atoi(t)
		if err != nil || n < 0 {
			h.Error(w, http.StatusBadRequest, "invalid tail: "+t)
			return
		}
		tail = n
	}

	rc, err := h.orch.Logs(r.Context(), id, tail, false)
	if err != nil {
		if errors.Is(err, container.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "container not found")
			return
		}
		h.log.Error("log read failed", "container", id, "error", err)
		h.Error(w, http.StatusInternalServerError, "failed to read logs")
		return
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to read logs")
		return
	}

	h.JSON(w, http.StatusOK, map[string]any{
		"containerId": id,
		"logs":        string(data),
	})
}

// RestartContainer restarts a container in place.
func (h *Handler) RestartContainer(w http.ResponseWriter, r *http.Request) {
	h.containerOp(w, r, "restart", h.orch.Restart)
}

// StopContainer stops and removes one container by id.
func (h *Handler) StopContainer(w http.ResponseWriter, r *http.Request) {
	h.containerOp(w, r, "stop", h.orch.StopContainer)
}

// PauseContainer suspends a running container.
func (h *Handler) PauseContainer(w http.ResponseWriter, r *http.Request) {
	h.containerOp(w, r, "pause", h.orch.Pause)
}

// ResumeContainer unpauses a paused container.
func (h *Handler) ResumeContainer(w http.ResponseWriter, r *http.Request) {
	h.containerOp(w, r, "resume", h.orch.Resume)
}

func (h *Handler) containerOp(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, id string) error) {
	id := chi.URLParam(r, "id")
	if err := fn(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, container.ErrNotFound):
			h.Error(w, http.StatusNotFound, "container not found")
		case errors.Is(err, container.ErrInvalidTransition):
			h.Error(w, http.StatusConflict, err.Error())
		default:
			h.log.Error("container operation failed", "op", op, "container", id, "error", err)
			h.Error(w, http.StatusInternalServerError, "container operation failed: "+err.Error())
		}
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"containerId": id, "operation": op})
}
