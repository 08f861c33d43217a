package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"strings"
	"time"

	"face_sync/internal/models"
)

const (
	majorEventAccess    = 5
	subEventAuthSuccess = 75
	subEventAuthFailure = 76
)

// eventPayload is the union of the push shapes terminals emit: heartbeats as
// a flat JSON object, access notifications either flat or nested under
// AccessControllerEvent, optionally wrapped in a multipart body with a
// picture part alongside.
type eventPayload struct {
	EventType        string `json:"eventType"`
	IPAddress        string `json:"ipAddress"`
	DateTime         string `json:"dateTime"`
	MajorEventType   int    `json:"majorEventType"`
	SubEventType     int    `json:"subEventType"`
	EmployeeNoString string `json:"employeeNoString"`

	AccessControllerEvent *accessControllerEvent `json:"AccessControllerEvent"`
}

type accessControllerEvent struct {
	MajorEventType   int    `json:"majorEventType"`
	SubEventType     int    `json:"subEventType"`
	EmployeeNoString string `json:"employeeNoString"`
	Name             string `json:"name"`
}

func decodeEventPayload(body []byte, contentType string) (*eventPayload, error) {
	raw := body
	if mediaType, params, err := mime.ParseMediaType(contentType); err == nil && strings.HasPrefix(mediaType, "multipart/") {
		if part, err := jsonPartOf(body, params["boundary"]); err == nil {
			raw = part
		}
	}

	var payload eventPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		// Some firmwares send the JSON object embedded in a binary frame
		// without a usable multipart boundary.
		embedded, ok := extractJSONObject(raw)
		if !ok {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if err := json.Unmarshal(embedded, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
	}

	if payload.EventType == "" && payload.MajorEventType == 0 && payload.AccessControllerEvent == nil {
		return nil, fmt.Errorf("%w: no recognizable event fields", ErrMalformedEvent)
	}
	return &payload, nil
}

// jsonPartOf returns the body of the first JSON part of a multipart payload.
func jsonPartOf(body []byte, boundary string) ([]byte, error) {
	if boundary == "" {
		return nil, fmt.Errorf("missing multipart boundary")
	}
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, fmt.Errorf("no json part found")
		}
		ct := part.Header.Get("Content-Type")
		if strings.Contains(ct, "json") || part.FileName() == "" && ct == "" {
			data, err := io.ReadAll(part)
			if err != nil {
				return nil, err
			}
			if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
				return trimmed, nil
			}
		}
	}
}

// extractJSONObject scans data for the first balanced top-level JSON object.
func extractJSONObject(data []byte) ([]byte, bool) {
	start := bytes.IndexByte(data, '{')
	if start < 0 {
		return nil, false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(data); i++ {
		c := data[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return data[start : i+1], true
			}
		}
	}
	return nil, false
}

// classifyEvent maps a decoded payload onto a DeviceEvent. Fields from a
// nested AccessControllerEvent win over the flat ones.
func classifyEvent(payload *eventPayload, remoteAddr string) *models.DeviceEvent {
	major := payload.MajorEventType
	sub := payload.SubEventType
	employee := payload.EmployeeNoString
	if ace := payload.AccessControllerEvent; ace != nil {
		if ace.MajorEventType != 0 {
			major = ace.MajorEventType
		}
		if ace.SubEventType != 0 {
			sub = ace.SubEventType
		}
		if ace.EmployeeNoString != "" {
			employee = ace.EmployeeNoString
		}
	}

	eventType := models.EventOther
	switch {
	case strings.EqualFold(payload.EventType, "heartBeat"):
		eventType = models.EventHeartbeat
	case major == majorEventAccess && sub == subEventAuthSuccess:
		eventType = models.EventAccessGranted
	case major == majorEventAccess && sub == subEventAuthFailure:
		eventType = models.EventAccessDenied
	}

	address := payload.IPAddress
	if address == "" {
		if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
			address = host
		} else {
			address = remoteAddr
		}
	}

	ev := &models.DeviceEvent{
		DeviceAddress: address,
		EventType:     eventType,
		OccurredAt:    parseEventTime(payload.DateTime),
	}
	if employee != "" {
		ev.PersonID = &employee
	}
	return ev
}

func parseEventTime(raw string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Now()
}

// transmissionFor renders the outbound wire string for an access decision.
// Granted: F575-<address>-<yyyymmddTHHMMSS>-<employee>. Denied drops the
// employee segment and uses F576. Other event types produce nothing.
func transmissionFor(ev *models.DeviceEvent) string {
	ts := ev.OccurredAt.Format("20060102T150405")
	switch ev.EventType {
	case models.EventAccessGranted:
		employee := ""
		if ev.PersonID != nil {
			employee = *ev.PersonID
		}
		return fmt.Sprintf("F575-%s-%s-%s", ev.DeviceAddress, ts, employee)
	case models.EventAccessDenied:
		return fmt.Sprintf("F576-%s-%s", ev.DeviceAddress, ts)
	default:
		return ""
	}
}
