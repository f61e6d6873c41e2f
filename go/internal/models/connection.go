package models

// ConnectionState is the derived, never-persisted view of the realtime
// channel: either we are receiving change notifications or we are not.
type ConnectionState string

const (
	ConnectionConnected    ConnectionState = "CONNECTED"
	ConnectionDisconnected ConnectionState = "DISCONNECTED"
)

// Connected collapses the state to the bool the view layer renders.
func (s ConnectionState) Connected() bool {
	return s == ConnectionConnected
}
