package models

import (
	"fmt"
	"strings"
	"time"
)

// Opcodes of the queue wire encoding "<OPCODE>-<deviceAddress>-<personId>".
// External enqueuers honor this exact format, so it never changes shape here.
const (
	OpcodeAdd    = "F0ADD"
	OpcodeUpdate = "F0UPD"
	OpcodeDelete = "F0DEL"
)

type QueueCommand struct {
	ID         int64      `db:"id" json:"id"`
	Command    string     `db:"command" json:"command"` // raw wire encoding
	Status     string     `db:"status" json:"status"`   // pending, claimed, done, failed
	Attempts   int        `db:"attempts" json:"attempts"`
	LastError  *string    `db:"last_error" json:"last_error,omitempty"`
	WorkerID   *string    `db:"worker_id" json:"worker_id,omitempty"`
	ClaimedAt  *time.Time `db:"claimed_at" json:"claimed_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	FinishedAt *time.Time `db:"finished_at" json:"finished_at,omitempty"`
}

// ParsedCommand is the typed form of the wire encoding.
type ParsedCommand struct {
	Opcode        string
	DeviceAddress string
	PersonID      string
}

// ParseCommand splits "F0ADD-192.168.0.222-100005" into its three fields.
// Parse errors are permanent: a malformed row is failed, never retried.
func ParseCommand(raw string) (ParsedCommand, error) {
	parts := strings.SplitN(strings.TrimSpace(raw), "-", 3)
	if len(parts) < 3 {
		return ParsedCommand{}, fmt.Errorf("command must have 3 hyphen-separated fields, got %d", len(parts))
	}

	op := parts[0]
	if op != OpcodeAdd && op != OpcodeUpdate && op != OpcodeDelete {
		return ParsedCommand{}, fmt.Errorf("unknown opcode %q", op)
	}

	addr := strings.TrimSpace(parts[1])
	personID := strings.TrimSpace(parts[2])
	if addr == "" {
		return ParsedCommand{}, fmt.Errorf("device address is empty")
	}
	if personID == "" {
		return ParsedCommand{}, fmt.Errorf("person id is empty")
	}

	return ParsedCommand{
		Opcode:        op,
		DeviceAddress: addr,
		PersonID:      personID,
	}, nil
}
