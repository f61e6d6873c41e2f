package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// Op is the row operation carried by a change notification.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Table names the notifications are scoped to.
const (
	TableCode     = "code"
	TablePresence = "presence"
)

// ChangeEvent is one row-change notification as emitted by the store
// triggers: the affected table, the operation, and the new row as JSON.
type ChangeEvent struct {
	Table string          `json:"table"`
	Op    Op              `json:"op"`
	New   json.RawMessage `json:"new"`
}

// CodeRow mirrors the code table row inside a notification payload.
type CodeRow struct {
	ID        int       `json:"id"`
	CodeValue string    `json:"code_value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PresenceRow mirrors the presence table row inside a notification payload.
type PresenceRow struct {
	UserID    string    `json:"user_id"`
	Nom       string    `json:"nom"`
	Present   bool      `json:"present"`
	Ready     bool      `json:"ready"`
	APointe   bool      `json:"a_pointe"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ParseEvent decodes the raw NOTIFY payload produced by the triggers.
func ParseEvent(payload []byte) (ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ChangeEvent{}, fmt.Errorf("unmarshal change event: %w", err)
	}
	if ev.Table == "" {
		return ChangeEvent{}, fmt.Errorf("change event missing table")
	}
	return ev, nil
}

// DecodeCodeRow extracts the code row from a code-table event.
func DecodeCodeRow(ev ChangeEvent) (CodeRow, error) {
	if ev.Table != TableCode {
		return CodeRow{}, fmt.Errorf("not a code event: table %q", ev.Table)
	}
	var row CodeRow
	if err := json.Unmarshal(ev.New, &row); err != nil {
		return CodeRow{}, fmt.Errorf("unmarshal code row: %w", err)
	}
	return row, nil
}

// DecodePresenceRow extracts the presence row from a presence-table event.
func DecodePresenceRow(ev ChangeEvent) (PresenceRow, error) {
	if ev.Table != TablePresence {
		return PresenceRow{}, fmt.Errorf("not a presence event: table %q", ev.Table)
	}
	var row PresenceRow
	if err := json.Unmarshal(ev.New, &row); err != nil {
		return PresenceRow{}, fmt.Errorf("unmarshal presence row: %w", err)
	}
	return row, nil
}
