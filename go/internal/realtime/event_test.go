package realtime

import (
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEvent(t *testing.T) {
	payload := `{"table":"code","op":"UPDATE","new":{"id":1,"code_value":"ABC","updated_at":"2026-03-01T12:00:00Z"}}`

	ev, err := ParseEvent([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, TableCode, ev.Table)
	assert.Equal(t, OpUpdate, ev.Op)

	row, err := DecodeCodeRow(ev)
	require.NoError(t, err)
	assert.Equal(t, 1, row.ID)
	assert.Equal(t, "ABC", row.CodeValue)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), row.UpdatedAt)
}

func TestParseEventRejectsBadPayloads(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "not JSON", payload: "not json"},
		{name: "missing table", payload: `{"op":"UPDATE","new":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEvent([]byte(tt.payload))
			assert.Error(t, err)
		})
	}
}

func TestDecodePresenceRow(t *testing.T) {
	payload := `{"table":"presence","op":"INSERT","new":{"user_id":"u1","nom":"Invité","present":false,"ready":true,"a_pointe":false,"updated_at":"2026-03-01T12:00:00Z"}}`

	ev, err := ParseEvent([]byte(payload))
	require.NoError(t, err)

	row, err := DecodePresenceRow(ev)
	require.NoError(t, err)
	assert.Equal(t, "u1", row.UserID)
	assert.True(t, row.Ready)
	assert.False(t, row.APointe)

	// Cross-table decodes are refused.
	_, err = DecodeCodeRow(ev)
	assert.Error(t, err)
}

func TestStatusForListenerEvent(t *testing.T) {
	tests := []struct {
		name   string
		event  pq.ListenerEventType
		status Status
		ok     bool
	}{
		{name: "initial connect carries no status", event: pq.ListenerEventConnected, ok: false},
		{name: "reconnect resubscribes", event: pq.ListenerEventReconnected, status: StatusSubscribed, ok: true},
		{name: "disconnect is a channel error", event: pq.ListenerEventDisconnected, status: StatusChannelError, ok: true},
		{name: "failed attempt times out", event: pq.ListenerEventConnectionAttemptFailed, status: StatusTimedOut, ok: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, ok := StatusForListenerEvent(tt.event)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.status, status)
			}
		})
	}
}

func TestChannelLifecycleGuards(t *testing.T) {
	ch := NewPGChannel(DefaultConfig(), func(ChangeEvent) {}, func(Status) {})

	assert.Equal(t, StateClosed, ch.State())

	// Closing a channel that never opened is a no-op.
	require.NoError(t, ch.Close())
	assert.Equal(t, StateClosed, ch.State())
}
