package models

import "time"

// DefaultDisplayName is the placeholder used when a participant has no name yet.
const DefaultDisplayName = "Invité"

// Participant is one row of the presence table: whether a user is on-site
// and where they are in the check-in workflow.
type Participant struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"nom"`
	Present     bool      `json:"present"`
	Ready       bool      `json:"ready"`
	CheckedIn   bool      `json:"a_pointe"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CheckInStep is the presentation-facing projection of a participant's
// check-in state.
type CheckInStep string

const (
	StepNotReady  CheckInStep = "NOT_READY"
	StepReady     CheckInStep = "READY"
	StepCheckedIn CheckInStep = "CHECKED_IN"
)

// Step projects the participant's flags onto the linear workflow:
// checked-in wins over ready, everything else is not-ready.
func (p Participant) Step() CheckInStep {
	switch {
	case p.CheckedIn:
		return StepCheckedIn
	case p.Ready:
		return StepReady
	default:
		return StepNotReady
	}
}
