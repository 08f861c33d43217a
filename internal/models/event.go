package models

import "time"

const (
	EventAccessGranted = "access_granted"
	EventAccessDenied  = "access_denied"
	EventHeartbeat     = "heartbeat"
	EventOther         = "other"
)

// DeviceEvent is one ingested push notification from a terminal.
// Rows are insert-only; nothing mutates them after the listener commits.
type DeviceEvent struct {
	ID            int64     `db:"id" json:"id"`
	DeviceAddress string    `db:"device_address" json:"device_address"`
	EventType     string    `db:"event_type" json:"event_type"`
	PersonID      *string   `db:"person_id" json:"person_id,omitempty"`
	OccurredAt    time.Time `db:"occurred_at" json:"occurred_at"`
	RawPayload    []byte    `db:"raw_payload" json:"-"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}
