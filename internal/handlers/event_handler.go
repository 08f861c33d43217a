package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"face_sync/internal/models"
	"face_sync/internal/service"
)

// maxEventBody bounds terminal pushes; multipart bodies carry a jpeg.
const maxEventBody = 8 << 20

type EventIngester interface {
	Ingest(ctx context.Context, body []byte, contentType, remoteAddr string) (*models.DeviceEvent, error)
	ListRecent(ctx context.Context, limit int) ([]*models.DeviceEvent, error)
}

type EventHandler struct {
	service EventIngester
}

func NewEventHandler(service EventIngester) *EventHandler {
	return &EventHandler{service: service}
}

// POST {EVENT_PATH}
// Terminals treat anything but 200 as a delivery failure and retry, so 200
// is sent only after the event row is committed.
// 200: { "status": "OK" }
// 400: payload not decodable
// 500: store failure
func (h *EventHandler) ReceiveEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	_, err = h.service.Ingest(r.Context(), body, r.Header.Get("Content-Type"), r.RemoteAddr)
	if err != nil {
		if errors.Is(err, service.ErrMalformedEvent) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

// GET /api/events?limit=
func (h *EventHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
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

	events, err := h.service.ListRecent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if events == nil {
		events = []*models.DeviceEvent{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(events),
		"events": events,
	})
}
