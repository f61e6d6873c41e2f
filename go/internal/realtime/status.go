package realtime

import "github.com/lib/pq"

// Status is the subscription status reported through the status callback.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
)

// State is the channel lifecycle. Open is only legal from StateClosed and
// Close confirms teardown before returning, so at most one subscription
// exists at any time without timer-based guards.
type State string

const (
	StateClosed  State = "CLOSED"
	StateOpening State = "OPENING"
	StateOpen    State = "OPEN"
	StateClosing State = "CLOSING"
)

// StatusForListenerEvent maps a pq listener event to a subscription
// status. The second return is false for events that carry no status
// transition (the initial connect is reported by Open itself).
func StatusForListenerEvent(ev pq.ListenerEventType) (Status, bool) {
	switch ev {
	case pq.ListenerEventConnected:
		return "", false
	case pq.ListenerEventReconnected:
		return StatusSubscribed, true
	case pq.ListenerEventDisconnected:
		return StatusChannelError, true
	case pq.ListenerEventConnectionAttemptFailed:
		return StatusTimedOut, true
	default:
		return "", false
	}
}
