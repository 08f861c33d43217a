package device

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"face_sync/internal/models"
)

// fakeTerminal emulates the subset of the terminal HTTP API the client uses.
type fakeTerminal struct {
	mu      sync.Mutex
	users   map[string]json.RawMessage
	faces   map[string]string // personID -> FDID used for upload
	records int
	updates int
}

func newFakeTerminal() *fakeTerminal {
	return &fakeTerminal{
		users: make(map[string]json.RawMessage),
		faces: make(map[string]string),
	}
}

func (f *fakeTerminal) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ISAPI/System/deviceInfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, `<DeviceInfo><deviceName>Entrance A</deviceName></DeviceInfo>`)
	})

	mux.HandleFunc("/ISAPI/Intelligent/FDLib", func(w http.ResponseWriter, r *http.Request) {
		writeISAPIJSON(w, map[string]any{
			"FPLibListInfo": map[string]any{
				"FPLib": []map[string]string{
					{"faceLibType": "blackFD", "FDID": "2"},
				},
			},
		})
	})

	mux.HandleFunc("/ISAPI/AccessControl/UserInfo/Search", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserInfoSearchCond struct {
				EmployeeNoList []struct {
					EmployeeNo string `json:"employeeNo"`
				} `json:"EmployeeNoList"`
			} `json:"UserInfoSearchCond"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.UserInfoSearchCond.EmployeeNoList) == 0 {
			http.Error(w, "bad search cond", http.StatusBadRequest)
			return
		}

		f.mu.Lock()
		user, ok := f.users[req.UserInfoSearchCond.EmployeeNoList[0].EmployeeNo]
		f.mu.Unlock()

		found := []json.RawMessage{}
		if ok {
			found = append(found, user)
		}
		writeISAPIJSON(w, map[string]any{
			"UserInfoSearch": map[string]any{"UserInfo": found},
		})
	})

	mux.HandleFunc("/ISAPI/AccessControl/UserInfo/Record", func(w http.ResponseWriter, r *http.Request) {
		no, raw, err := decodeUserInfo(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.users[no] = raw
		f.records++
		f.mu.Unlock()
		writeISAPIJSON(w, map[string]any{"statusCode": 1, "statusString": "OK"})
	})

	mux.HandleFunc("/ISAPI/AccessControl/UserInfo/Modify", func(w http.ResponseWriter, r *http.Request) {
		no, raw, err := decodeUserInfo(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.users[no]; !ok {
			writeISAPIError(w, "employeeNoNotExist")
			return
		}
		f.users[no] = raw
		f.updates++
		writeISAPIJSON(w, map[string]any{"statusCode": 1, "statusString": "OK"})
	})

	mux.HandleFunc("/ISAPI/AccessControl/UserInfo/Delete", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserInfoDelCond struct {
				EmployeeNoList []struct {
					EmployeeNo string `json:"employeeNo"`
				} `json:"EmployeeNoList"`
			} `json:"UserInfoDelCond"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.UserInfoDelCond.EmployeeNoList) == 0 {
			http.Error(w, "bad delete cond", http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		delete(f.users, req.UserInfoDelCond.EmployeeNoList[0].EmployeeNo)
		f.mu.Unlock()
		writeISAPIJSON(w, map[string]any{"statusCode": 1, "statusString": "OK"})
	})

	mux.HandleFunc("/ISAPI/Intelligent/FDLib/FaceDataRecord", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, "bad multipart", http.StatusBadRequest)
			return
		}
		var meta struct {
			FDID string `json:"FDID"`
			FPID string `json:"FPID"`
		}
		if err := json.Unmarshal([]byte(r.FormValue("FaceDataRecord")), &meta); err != nil {
			http.Error(w, "bad face metadata", http.StatusBadRequest)
			return
		}
		file, _, err := r.FormFile("FaceImage")
		if err != nil {
			http.Error(w, "missing face image", http.StatusBadRequest)
			return
		}
		file.Close()
		f.mu.Lock()
		f.faces[meta.FPID] = meta.FDID
		f.mu.Unlock()
		writeISAPIJSON(w, map[string]any{"statusCode": 1, "statusString": "OK"})
	})

	return mux
}

func decodeUserInfo(r *http.Request) (string, json.RawMessage, error) {
	var req struct {
		UserInfo json.RawMessage `json:"UserInfo"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", nil, err
	}
	var info struct {
		EmployeeNo string `json:"employeeNo"`
	}
	if err := json.Unmarshal(req.UserInfo, &info); err != nil || info.EmployeeNo == "" {
		return "", nil, fmt.Errorf("missing employeeNo")
	}
	return info.EmployeeNo, req.UserInfo, nil
}

func writeISAPIJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func writeISAPIError(w http.ResponseWriter, statusString string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]any{"statusCode": 4, "statusString": statusString})
}

func targetFor(t *testing.T, srv *httptest.Server) *models.DeviceTarget {
	t.Helper()
	host, portRaw, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portRaw)
	require.NoError(t, err)
	return &models.DeviceTarget{
		Address:  host,
		Username: "admin",
		Password: "secret",
		HTTPPort: port,
		Enabled:  true,
	}
}

func testPerson() *models.Person {
	return &models.Person{
		ID:        "EMP001",
		FirstName: "Anna",
		LastName:  "Lindqvist",
		Enabled:   true,
	}
}

func TestAddOrUpdateFaceIsIdempotent(t *testing.T) {
	terminal := newFakeTerminal()
	srv := httptest.NewServer(terminal.handler())
	defer srv.Close()

	client := NewClient(5*time.Second, nil)
	target := targetFor(t, srv)
	person := testPerson()
	face := encodeJPEG(t, 300, 400)

	ctx := context.Background()
	require.NoError(t, client.AddOrUpdateFace(ctx, target, person, face))
	require.NoError(t, client.AddOrUpdateFace(ctx, target, person, face))

	terminal.mu.Lock()
	defer terminal.mu.Unlock()
	assert.Len(t, terminal.users, 1, "second apply must not duplicate the user")
	assert.Equal(t, 1, terminal.records, "user created once")
	assert.Equal(t, 1, terminal.updates, "second apply goes through modify")
	assert.Equal(t, "2", terminal.faces["EMP001"], "face upload targets the blackFD library")
}

func TestAddOrUpdateFaceWithoutImage(t *testing.T) {
	terminal := newFakeTerminal()
	srv := httptest.NewServer(terminal.handler())
	defer srv.Close()

	client := NewClient(5*time.Second, nil)

	err := client.AddOrUpdateFace(context.Background(), targetFor(t, srv), testPerson(), nil)
	require.NoError(t, err)

	terminal.mu.Lock()
	defer terminal.mu.Unlock()
	assert.Len(t, terminal.users, 1)
	assert.Empty(t, terminal.faces)
}

func TestAddOrUpdateFaceInvalidImage(t *testing.T) {
	terminal := newFakeTerminal()
	srv := httptest.NewServer(terminal.handler())
	defer srv.Close()

	client := NewClient(5*time.Second, nil)

	err := client.AddOrUpdateFace(context.Background(), targetFor(t, srv), testPerson(), []byte("not an image"))
	assert.ErrorIs(t, err, ErrImageInvalid)

	terminal.mu.Lock()
	defer terminal.mu.Unlock()
	assert.Empty(t, terminal.users, "invalid image must fail before any device call")
}

func TestDeleteFace(t *testing.T) {
	terminal := newFakeTerminal()
	srv := httptest.NewServer(terminal.handler())
	defer srv.Close()

	client := NewClient(5*time.Second, nil)
	target := targetFor(t, srv)

	ctx := context.Background()
	require.NoError(t, client.AddOrUpdateFace(ctx, target, testPerson(), nil))
	require.NoError(t, client.DeleteFace(ctx, target, "EMP001"))

	terminal.mu.Lock()
	defer terminal.mu.Unlock()
	assert.Empty(t, terminal.users)
}

func TestGetStatus(t *testing.T) {
	terminal := newFakeTerminal()
	srv := httptest.NewServer(terminal.handler())
	defer srv.Close()

	client := NewClient(5*time.Second, nil)

	status, err := client.GetStatus(context.Background(), targetFor(t, srv))
	require.NoError(t, err)
	assert.Equal(t, "Entrance A", status.DeviceName)
	assert.Equal(t, "2", status.FaceLibraryID)
}

func TestClientErrorMapping(t *testing.T) {
	t.Run("auth failed", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		client := NewClient(5*time.Second, nil)
		err := client.DeleteFace(context.Background(), targetFor(t, srv), "EMP001")
		assert.ErrorIs(t, err, ErrAuthFailed)
		assert.False(t, Retryable(err))
	})

	t.Run("device rejected", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeISAPIError(w, "invalidContent")
		}))
		defer srv.Close()

		client := NewClient(5*time.Second, nil)
		err := client.DeleteFace(context.Background(), targetFor(t, srv), "EMP001")
		assert.ErrorIs(t, err, ErrDeviceRejected)
		assert.Contains(t, err.Error(), "invalidContent")
		assert.False(t, Retryable(err))
	})

	t.Run("server error is retryable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		client := NewClient(5*time.Second, nil)
		err := client.DeleteFace(context.Background(), targetFor(t, srv), "EMP001")
		assert.ErrorIs(t, err, ErrDeviceUnreachable)
		assert.True(t, Retryable(err))
	})

	t.Run("connection refused is retryable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		target := targetFor(t, srv)
		srv.Close()

		client := NewClient(2*time.Second, nil)
		err := client.DeleteFace(context.Background(), target, "EMP001")
		assert.ErrorIs(t, err, ErrDeviceUnreachable)
		assert.True(t, Retryable(err))
	})
}
