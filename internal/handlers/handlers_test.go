package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"face_sync/internal/device"
	"face_sync/internal/models"
	"face_sync/internal/repository"
	"face_sync/internal/service"
)

type stubQueue struct {
	enqueued []string
	pending  []*models.QueueCommand
	failed   []*models.QueueCommand
	err      error
}

func (q *stubQueue) Enqueue(ctx context.Context, command string) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	q.enqueued = append(q.enqueued, command)
	return int64(len(q.enqueued)), nil
}

func (q *stubQueue) ListPending(ctx context.Context, limit int) ([]*models.QueueCommand, error) {
	return q.pending, q.err
}

func (q *stubQueue) ListFailed(ctx context.Context, limit int) ([]*models.QueueCommand, error) {
	return q.failed, q.err
}

type stubIngester struct {
	events   []*models.DeviceEvent
	ingested int
	err      error
}

func (s *stubIngester) Ingest(ctx context.Context, body []byte, contentType, remoteAddr string) (*models.DeviceEvent, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.ingested++
	return &models.DeviceEvent{ID: int64(s.ingested), EventType: models.EventHeartbeat}, nil
}

func (s *stubIngester) ListRecent(ctx context.Context, limit int) ([]*models.DeviceEvent, error) {
	return s.events, s.err
}

type stubDirectory struct {
	target *models.DeviceTarget
	err    error
}

func (d *stubDirectory) GetByAddress(ctx context.Context, address string) (*models.DeviceTarget, error) {
	return d.target, d.err
}

type stubGateway struct {
	status *device.Status
	err    error
}

func (g *stubGateway) GetStatus(ctx context.Context, target *models.DeviceTarget) (*device.Status, error) {
	return g.status, g.err
}

func newTestRouter(queue *stubQueue, ingester *stubIngester, dir *stubDirectory, gw *stubGateway) chi.Router {
	r := chi.NewRouter()
	RegisterRoutes(
		r,
		"/events",
		NewQueueHandler(queue),
		NewEventHandler(ingester),
		NewDeviceHandler(dir, gw, nil, time.Minute),
	)
	return r
}

func doRequest(t *testing.T, r chi.Router, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestCreateCommand(t *testing.T) {
	queue := &stubQueue{}
	r := newTestRouter(queue, &stubIngester{}, &stubDirectory{}, &stubGateway{})

	rec := doRequest(t, r, http.MethodPost, "/api/commands", `{"command": "F0ADD-10.0.0.5-EMP001"}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"F0ADD-10.0.0.5-EMP001"}, queue.enqueued)

	var resp struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, repository.QueueStatusPending, resp.Status)
	assert.Equal(t, int64(1), resp.ID)
}

func TestCreateCommandRejectsInvalid(t *testing.T) {
	queue := &stubQueue{}
	r := newTestRouter(queue, &stubIngester{}, &stubDirectory{}, &stubGateway{})

	tests := []struct {
		name string
		body string
	}{
		{"bad opcode", `{"command": "F9ADD-10.0.0.5-EMP001"}`},
		{"missing fields", `{"command": "F0ADD-10.0.0.5"}`},
		{"empty", `{"command": ""}`},
		{"not json", `command=F0ADD`},
		{"unknown field", `{"cmd": "F0ADD-10.0.0.5-EMP001"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, r, http.MethodPost, "/api/commands", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Empty(t, queue.enqueued, "invalid commands never reach the queue")
}

func TestListQueue(t *testing.T) {
	now := time.Now()
	queue := &stubQueue{
		pending: []*models.QueueCommand{
			{ID: 1, Command: "F0ADD-10.0.0.5-EMP001", Status: repository.QueueStatusPending, CreatedAt: now},
		},
	}
	r := newTestRouter(queue, &stubIngester{}, &stubDirectory{}, &stubGateway{})

	rec := doRequest(t, r, http.MethodGet, "/api/queue/pending", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Count    int                    `json:"count"`
		Commands []*models.QueueCommand `json:"commands"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)

	rec = doRequest(t, r, http.MethodGet, "/api/queue/failed", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, r, http.MethodGet, "/api/queue/pending?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReceiveEvent(t *testing.T) {
	ingester := &stubIngester{}
	r := newTestRouter(&stubQueue{}, ingester, &stubDirectory{}, &stubGateway{})

	rec := doRequest(t, r, http.MethodPost, "/events", `{"eventType": "heartBeat"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "OK"}`, rec.Body.String())
	assert.Equal(t, 1, ingester.ingested)
}

func TestReceiveEventMalformed(t *testing.T) {
	ingester := &stubIngester{err: fmt.Errorf("%w: no fields", service.ErrMalformedEvent)}
	r := newTestRouter(&stubQueue{}, ingester, &stubDirectory{}, &stubGateway{})

	rec := doRequest(t, r, http.MethodPost, "/events", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, ingester.ingested, "nothing persisted for malformed payloads")
}

func TestReceiveEventStoreFailure(t *testing.T) {
	ingester := &stubIngester{err: fmt.Errorf("store event: connection refused")}
	r := newTestRouter(&stubQueue{}, ingester, &stubDirectory{}, &stubGateway{})

	rec := doRequest(t, r, http.MethodPost, "/events", `{"eventType": "heartBeat"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code, "terminal must retry when the store is down")
}

func TestDeviceStatus(t *testing.T) {
	dir := &stubDirectory{target: &models.DeviceTarget{Address: "10.0.0.5", HTTPPort: 80, Enabled: true}}
	gw := &stubGateway{status: &device.Status{Address: "10.0.0.5", DeviceName: "Entrance A", FaceLibraryID: "2"}}
	r := newTestRouter(&stubQueue{}, &stubIngester{}, dir, gw)

	rec := doRequest(t, r, http.MethodGet, "/api/devices/10.0.0.5/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))

	var status device.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "Entrance A", status.DeviceName)
}

func TestDeviceStatusErrors(t *testing.T) {
	t.Run("not registered", func(t *testing.T) {
		dir := &stubDirectory{err: repository.ErrNotFound}
		r := newTestRouter(&stubQueue{}, &stubIngester{}, dir, &stubGateway{})

		rec := doRequest(t, r, http.MethodGet, "/api/devices/10.0.0.9/status", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("unreachable", func(t *testing.T) {
		dir := &stubDirectory{target: &models.DeviceTarget{Address: "10.0.0.5", HTTPPort: 80}}
		gw := &stubGateway{err: fmt.Errorf("%w: dial tcp", device.ErrDeviceUnreachable)}
		r := newTestRouter(&stubQueue{}, &stubIngester{}, dir, gw)

		rec := doRequest(t, r, http.MethodGet, "/api/devices/10.0.0.5/status", "")
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}
