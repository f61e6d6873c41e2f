package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParticipantStep(t *testing.T) {
	tests := []struct {
		name string
		p    Participant
		want CheckInStep
	}{
		{name: "zero value", p: Participant{}, want: StepNotReady},
		{name: "ready", p: Participant{Ready: true}, want: StepReady},
		{name: "checked in", p: Participant{CheckedIn: true}, want: StepCheckedIn},
		{name: "checked in wins over ready", p: Participant{Ready: true, CheckedIn: true}, want: StepCheckedIn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.p.Step())
		})
	}
}
