package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev, err := NewEvent(EventTypeCodeUpdated, at, CodeUpdatedPayload{Code: "ABC", UpdatedAt: at})
	require.NoError(t, err)

	assert.Equal(t, EventTypeCodeUpdated, ev.Type)
	assert.Equal(t, at, ev.Timestamp)

	var payload CodeUpdatedPayload
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	assert.Equal(t, "ABC", payload.Code)
}
