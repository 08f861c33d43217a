package models

import (
	"encoding/json"
	"time"
)

// OutboxMessage is one accepted access event waiting to be forwarded to Kafka.
// sent_at and last_error are NULL until the sender touches the row, hence the
// pointer fields.
type OutboxMessage struct {
	ID        int64           `db:"id"`
	MessageID string          `db:"message_id"` // UUID
	Topic     string          `db:"topic"`
	Payload   json.RawMessage `db:"payload"` // JSONB

	Status     string     `db:"status"` // pending, sent, failed
	RetryCount int        `db:"retry_count"`
	CreatedAt  time.Time  `db:"created_at"`
	SentAt     *time.Time `db:"sent_at"`
	LastError  *string    `db:"last_error"`
}

// TransmissionPayload is the JSON body of an outbox message. Transmission
// carries the legacy wire string ("F575-<ip>-<ts>-<employee>" or
// "F576-<ip>-<ts>") that downstream consumers already parse.
type TransmissionPayload struct {
	DeviceAddress string    `json:"device_address"`
	Transmission  string    `json:"transmission"`
	EventType     string    `json:"event_type"`
	OccurredAt    time.Time `json:"occurred_at"`
}
