package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/intrascan/intrascan/go/internal/models"
)

// Event is the envelope pushed to WebSocket clients.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// EventType discriminates the pushed payloads.
type EventType string

const (
	EventTypeCodeUpdated      EventType = "code_updated"
	EventTypeConnectionStatus EventType = "connection_status"
	EventTypePresenceChanged  EventType = "presence_changed"
	EventTypeCheckInSummary   EventType = "checkin_summary"
)

// CodeUpdatedPayload carries the new shared value.
type CodeUpdatedPayload struct {
	Code      string    `json:"code"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConnectionStatusPayload carries the store-feed connection status.
type ConnectionStatusPayload struct {
	State     models.ConnectionState `json:"state"`
	Connected bool                   `json:"connected"`
}

// CheckInSummaryPayload carries the remote check-in aggregates.
type CheckInSummaryPayload struct {
	Remote     int    `json:"remote"`
	CheckedIn  int    `json:"checked_in"`
	Ready      int    `json:"ready"`
	NotReady   int    `json:"not_ready"`
	Completion string `json:"completion"`
}

// NewEvent wraps a payload into an envelope.
func NewEvent(t EventType, at time.Time, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return &Event{Type: t, Timestamp: at, Data: data}, nil
}
