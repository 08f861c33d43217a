package device

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"face_sync/internal/models"

	"github.com/icholy/digest"
)

// Boundary from the ISAPI documentation examples; terminals accept any, this
// one is kept for parity with the vendor tooling.
const multipartBoundary = "---------------------------7e13971310878"

const defaultFaceLibraryID = "1"

// Status is the result of a deviceInfo probe.
type Status struct {
	Address       string `json:"address"`
	DeviceName    string `json:"device_name"`
	FaceLibraryID string `json:"face_library_id"`
}

// Client performs authenticated ISAPI operations against access-control
// terminals. One http.Client per device address: the digest transport caches
// the challenge (nonce) per device and re-authenticates when the terminal
// rotates it.
type Client struct {
	timeout time.Duration
	logger  *log.Logger

	mu      sync.Mutex
	clients map[string]*clientEntry
	fdids   map[string]string
}

type clientEntry struct {
	httpClient *http.Client
	username   string
	password   string
}

func NewClient(timeout time.Duration, logger *log.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		timeout: timeout,
		logger:  logger,
		clients: make(map[string]*clientEntry),
		fdids:   make(map[string]string),
	}
}

func (c *Client) httpClient(t *models.DeviceTarget) *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.clients[t.Address]
	if ok && entry.username == t.Username && entry.password == t.Password {
		return entry.httpClient
	}

	// new device or rotated credentials: fresh transport, fresh nonce cache
	entry = &clientEntry{
		httpClient: &http.Client{
			Timeout: c.timeout,
			Transport: &digest.Transport{
				Username: t.Username,
				Password: t.Password,
			},
		},
		username: t.Username,
		password: t.Password,
	}
	c.clients[t.Address] = entry
	return entry.httpClient
}

func baseURL(t *models.DeviceTarget) string {
	return fmt.Sprintf("http://%s:%d", t.Address, t.HTTPPort)
}

// AddOrUpdateFace upserts the person's user record on the terminal, keyed by
// employeeNo, and uploads the face image when one is provided. The image is
// normalized before the first network call; a bad image never reaches the
// device. Re-applying the same command is idempotent: the terminal ends in
// the same state.
func (c *Client) AddOrUpdateFace(ctx context.Context, t *models.DeviceTarget, p *models.Person, faceImage []byte) error {
	var normalized []byte
	if len(faceImage) > 0 {
		var err error
		normalized, err = NormalizeImage(faceImage)
		if err != nil {
			return err
		}
	}

	exists, err := c.userExists(ctx, t, p.ID)
	if err != nil {
		return err
	}

	body, err := json.Marshal(userInfoBody(p))
	if err != nil {
		return fmt.Errorf("marshal user info: %w", err)
	}

	if exists {
		url := baseURL(t) + "/ISAPI/AccessControl/UserInfo/Modify?format=json"
		if _, err := c.do(ctx, t, http.MethodPut, url, "application/json", body); err != nil {
			return err
		}
	} else {
		url := baseURL(t) + "/ISAPI/AccessControl/UserInfo/Record?format=json"
		if _, err := c.do(ctx, t, http.MethodPost, url, "application/json", body); err != nil {
			return err
		}
	}

	if normalized == nil {
		return nil
	}
	return c.uploadFace(ctx, t, p.ID, p.FullName(), normalized)
}

// DeleteFace removes the person's user record (and with it the credential)
// from the terminal.
func (c *Client) DeleteFace(ctx context.Context, t *models.DeviceTarget, personID string) error {
	payload := map[string]any{
		"UserInfoDelCond": map[string]any{
			"EmployeeNoList": []map[string]string{
				{"employeeNo": personID},
			},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal delete cond: %w", err)
	}

	url := baseURL(t) + "/ISAPI/AccessControl/UserInfo/Delete?format=json"
	if _, err := c.do(ctx, t, http.MethodPut, url, "application/json", body); err != nil {
		return err
	}
	return nil
}

// GetStatus probes /ISAPI/System/deviceInfo.
func (c *Client) GetStatus(ctx context.Context, t *models.DeviceTarget) (*Status, error) {
	url := baseURL(t) + "/ISAPI/System/deviceInfo"
	data, err := c.do(ctx, t, http.MethodGet, url, "", nil)
	if err != nil {
		return nil, err
	}

	var info struct {
		DeviceName string `xml:"deviceName"`
	}
	// the device answers XML here; a parse failure still means it is up
	_ = xml.Unmarshal(data, &info)

	return &Status{
		Address:       t.Address,
		DeviceName:    info.DeviceName,
		FaceLibraryID: c.faceLibraryID(ctx, t),
	}, nil
}

func (c *Client) userExists(ctx context.Context, t *models.DeviceTarget, personID string) (bool, error) {
	payload := map[string]any{
		"UserInfoSearchCond": map[string]any{
			"searchID":             "1",
			"maxResults":           1,
			"searchResultPosition": 0,
			"EmployeeNoList": []map[string]string{
				{"employeeNo": personID},
			},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal search cond: %w", err)
	}

	url := baseURL(t) + "/ISAPI/AccessControl/UserInfo/Search?format=json"
	data, err := c.do(ctx, t, http.MethodPost, url, "application/json", body)
	if err != nil {
		return false, err
	}

	var resp struct {
		UserInfoSearch struct {
			UserInfo []json.RawMessage `json:"UserInfo"`
		} `json:"UserInfoSearch"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return false, fmt.Errorf("%w: decode search response: %v", ErrDeviceRejected, err)
	}

	return len(resp.UserInfoSearch.UserInfo) > 0, nil
}

func (c *Client) uploadFace(ctx context.Context, t *models.DeviceTarget, personID, name string, image []byte) error {
	fdid := c.faceLibraryID(ctx, t)

	meta, err := json.Marshal(map[string]string{
		"faceLibType": "blackFD",
		"FDID":        fdid,
		"FPID":        personID,
		"name":        name,
	})
	if err != nil {
		return fmt.Errorf("marshal face metadata: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("--" + multipartBoundary + "\r\n")
	buf.WriteString("Content-Disposition: form-data; name=\"FaceDataRecord\"\r\n")
	buf.WriteString("Content-Type: application/json\r\n\r\n")
	buf.Write(meta)
	buf.WriteString("\r\n--" + multipartBoundary + "\r\n")
	buf.WriteString("Content-Disposition: form-data; name=\"FaceImage\"\r\n")
	buf.WriteString("Content-Type: image/jpeg\r\n\r\n")
	buf.Write(image)
	buf.WriteString("\r\n--" + multipartBoundary + "--\r\n")

	url := baseURL(t) + "/ISAPI/Intelligent/FDLib/FaceDataRecord?format=json"
	contentType := "multipart/form-data; boundary=" + multipartBoundary
	if _, err := c.do(ctx, t, http.MethodPost, url, contentType, buf.Bytes()); err != nil {
		return err
	}
	return nil
}

// faceLibraryID resolves the blackFD face library for the device, creating
// one when absent. Failures fall back to the default library like the vendor
// tooling does; the subsequent upload surfaces the real error if the device
// is actually broken.
func (c *Client) faceLibraryID(ctx context.Context, t *models.DeviceTarget) string {
	c.mu.Lock()
	if id, ok := c.fdids[t.Address]; ok {
		c.mu.Unlock()
		return id
	}
	c.mu.Unlock()

	id := c.lookupFaceLibrary(ctx, t)

	c.mu.Lock()
	c.fdids[t.Address] = id
	c.mu.Unlock()
	return id
}

func (c *Client) lookupFaceLibrary(ctx context.Context, t *models.DeviceTarget) string {
	url := baseURL(t) + "/ISAPI/Intelligent/FDLib?format=json"

	data, err := c.do(ctx, t, http.MethodGet, url, "", nil)
	if err == nil {
		var resp struct {
			FPLibListInfo struct {
				FPLib []struct {
					FaceLibType string `json:"faceLibType"`
					FDID        string `json:"FDID"`
				} `json:"FPLib"`
			} `json:"FPLibListInfo"`
		}
		if json.Unmarshal(data, &resp) == nil {
			for _, lib := range resp.FPLibListInfo.FPLib {
				if lib.FaceLibType == "blackFD" && lib.FDID != "" {
					return lib.FDID
				}
			}
		}
	}

	body, _ := json.Marshal(map[string]any{
		"FPLibInfo": map[string]string{
			"faceLibType":   "blackFD",
			"name":          "Default Face Library",
			"libArmingType": "armingLib",
			"libAttribute":  "blackList",
		},
	})
	data, err = c.do(ctx, t, http.MethodPost, url, "application/json", body)
	if err == nil {
		var resp struct {
			FPLibInfo struct {
				FDID string `json:"FDID"`
			} `json:"FPLibInfo"`
		}
		if json.Unmarshal(data, &resp) == nil && resp.FPLibInfo.FDID != "" {
			return resp.FPLibInfo.FDID
		}
	}

	c.logger.Printf("device %s: using default face library", t.Address)
	return defaultFaceLibraryID
}

// do sends one request and maps the outcome onto the failure taxonomy.
func (c *Client) do(ctx context.Context, t *models.DeviceTarget, method, url, contentType string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/xml, application/json")

	resp, err := c.httpClient(t).Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrDeviceUnreachable, method, t.Address, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response from %s: %v", ErrDeviceUnreachable, t.Address, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return data, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: HTTP %d from %s", ErrAuthFailed, resp.StatusCode, t.Address)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fmt.Errorf("%w: HTTP %d from %s%s", ErrDeviceRejected, resp.StatusCode, t.Address, statusString(data))
	default:
		return nil, fmt.Errorf("%w: HTTP %d from %s", ErrDeviceUnreachable, resp.StatusCode, t.Address)
	}
}

func statusString(data []byte) string {
	var s struct {
		StatusString string `json:"statusString"`
	}
	if json.Unmarshal(data, &s) == nil && s.StatusString != "" {
		return ": " + s.StatusString
	}
	return ""
}

func userInfoBody(p *models.Person) map[string]any {
	begin := time.Now()
	if p.StartDate != nil {
		begin = *p.StartDate
	}
	end := time.Now().AddDate(1, 0, 0)
	if p.EndDate != nil {
		end = *p.EndDate
	}

	return map[string]any{
		"UserInfo": map[string]any{
			"employeeNo": p.ID,
			"name":       p.FullName(),
			"userType":   "normal",
			"Valid": map[string]any{
				"enable":    p.Enabled,
				"beginTime": begin.Format("2006-01-02") + "T00:00:00",
				"endTime":   end.Format("2006-01-02") + "T23:59:59",
			},
			"doorRight": "1",
			"RightPlan": []map[string]any{
				{"doorNo": 1, "planTemplateNo": "1"},
			},
			"maxFingerPrintNum": 0,
			"maxFaceNum":        1,
		},
	}
}
