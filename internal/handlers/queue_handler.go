package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"face_sync/internal/models"
	"face_sync/internal/repository"
)

// QueueStore is the slice of the queue repository the HTTP API needs.
type QueueStore interface {
	Enqueue(ctx context.Context, command string) (int64, error)
	ListPending(ctx context.Context, limit int) ([]*models.QueueCommand, error)
	ListFailed(ctx context.Context, limit int) ([]*models.QueueCommand, error)
}

type QueueHandler struct {
	queue QueueStore
}

func NewQueueHandler(queue QueueStore) *QueueHandler {
	return &QueueHandler{queue: queue}
}

// POST /api/commands
// 201: { "id": int, "status": "pending" }
// 400: invalid command string
// 500: internal error
func (h *QueueHandler) CreateCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string `json:"command"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	req.Command = strings.TrimSpace(req.Command)
	if _, err := models.ParseCommand(req.Command); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.queue.Enqueue(r.Context(), req.Command)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":     id,
		"status": repository.QueueStatusPending,
	})
}

// GET /api/queue/pending?limit=
func (h *QueueHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.queue.ListPending)
}

// GET /api/queue/failed?limit=
func (h *QueueHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.queue.ListFailed)
}

func (h *QueueHandler) list(
	w http.ResponseWriter,
	r *http.Request,
	fetch func(ctx context.Context, limit int) ([]*models.QueueCommand, error),
) {
	limit := 50
	if limitRaw := strings.TrimSpace(r.URL.Query().Get("limit")); limitRaw != "" {
		n, err := strconv.Atoi(limitRaw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n > 500 {
			n = 500
		}
		limit = n
	}

	commands, err := fetch(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if commands == nil {
		commands = []*models.QueueCommand{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(commands),
		"commands": commands,
	})
}
