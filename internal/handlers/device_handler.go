package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"face_sync/internal/cache"
	"face_sync/internal/device"
	"face_sync/internal/metrics"
	"face_sync/internal/models"
	"face_sync/internal/repository"
)

type DeviceDirectory interface {
	GetByAddress(ctx context.Context, address string) (*models.DeviceTarget, error)
}

type DeviceGateway interface {
	GetStatus(ctx context.Context, target *models.DeviceTarget) (*device.Status, error)
}

type DeviceHandler struct {
	directory DeviceDirectory
	gateway   DeviceGateway
	cache     cache.Cache
	ttl       time.Duration
}

func NewDeviceHandler(directory DeviceDirectory, gateway DeviceGateway, c cache.Cache, ttl time.Duration) *DeviceHandler {
	return &DeviceHandler{
		directory: directory,
		gateway:   gateway,
		cache:     c,
		ttl:       ttl,
	}
}

// GET /api/devices/{address}/status
// 200: { "address": "...", "device_name": "...", "face_library_id": "..." }
// 404: device not registered
// 502: terminal did not answer
// 500: internal error
func (h *DeviceHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(chi.URLParam(r, "address"))
	if address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}

	// 1) cache lookup; probing a terminal costs a real network round trip
	var cacheKey string
	if h.cache != nil {
		cacheKey = cache.DeviceStatusKey(address)
		if b, ok, err := h.cache.Get(r.Context(), cacheKey); err == nil && ok {
			metrics.IncRedisHit()
			w.Header().Set("X-Cache", "HIT")
			writeRawJSON(w, http.StatusOK, b)
			return
		}
	}

	target, err := h.directory.GetByAddress(r.Context(), address)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "device not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	status, err := h.gateway.GetStatus(r.Context(), target)
	if err != nil {
		switch {
		case errors.Is(err, device.ErrDeviceUnreachable):
			writeError(w, http.StatusBadGateway, "device unreachable")
		case errors.Is(err, device.ErrAuthFailed):
			writeError(w, http.StatusBadGateway, "device auth failed")
		default:
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	b, _ := json.Marshal(status)

	if h.cache != nil {
		_ = h.cache.Set(r.Context(), cacheKey, b, h.ttl)
	}

	metrics.IncRedisMiss()
	w.Header().Set("X-Cache", "MISS")
	writeRawJSON(w, http.StatusOK, b)
}
