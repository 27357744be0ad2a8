package grants

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachine_Next(t *testing.T) {
	m := NewMachine()

	tests := []struct {
		name     string
		from     MilestoneState
		event    Event
		wantTo   MilestoneState
		wantCode string
	}{
		{"submit created", StateCreated, EventSubmit, StateSubmitted, ""},
		{"fund submitted", StateSubmitted, EventRecordFunding, StateFundingRecorded, ""},
		{"auto approve submitted", StateSubmitted, EventRecordFundingAutoApprove, StateValidated, ""},
		{"interview funded", StateFundingRecorded, EventScheduleInterview, StateInterviewScheduled, ""},
		{"validate interviewed", StateInterviewScheduled, EventValidate, StateValidated, ""},

		{"submit twice", StateSubmitted, EventSubmit, "", CodeAlreadyTransitioned},
		{"submit validated", StateValidated, EventSubmit, "", CodeAlreadyTransitioned},
		{"fund twice", StateFundingRecorded, EventRecordFunding, "", CodeAlreadyTransitioned},
		{"interview twice", StateInterviewScheduled, EventScheduleInterview, "", CodeAlreadyTransitioned},
		{"interview after auto approve", StateValidated, EventScheduleInterview, "", CodeAlreadyTransitioned},
		{"validate twice", StateValidated, EventValidate, "", CodeAlreadyTransitioned},

		{"fund created", StateCreated, EventRecordFunding, "", CodeInvalidTransition},
		{"interview submitted", StateSubmitted, EventScheduleInterview, "", CodeInvalidTransition},
		{"validate funded", StateFundingRecorded, EventValidate, "", CodeInvalidTransition},
		{"validate created", StateCreated, EventValidate, "", CodeInvalidTransition},
		{"unknown event", StateCreated, Event("reopen"), "", CodeInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			to, err := m.Next(tt.from, tt.event)
			if tt.wantCode == "" {
				require.NoError(t, err)
				assert.Equal(t, tt.wantTo, to)
				return
			}
			require.Error(t, err)
			var te *TransitionError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, tt.wantCode, te.Code)
			assert.Equal(t, tt.from, te.From)
			assert.Equal(t, tt.event, te.Event)
		})
	}
}

func TestMachine_AllowedEvents(t *testing.T) {
	m := NewMachine()
	assert.Equal(t, []Event{EventSubmit}, m.AllowedEvents(StateCreated))
	assert.ElementsMatch(t, []Event{EventRecordFunding, EventRecordFundingAutoApprove}, m.AllowedEvents(StateSubmitted))
	assert.Empty(t, m.AllowedEvents(StateValidated))
}

func TestTransitionError_Kind(t *testing.T) {
	_, err := NewMachine().Next(StateSubmitted, EventSubmit)
	assert.Equal(t, KindAlreadyTransitioned, KindOf(err))

	_, err = NewMachine().Next(StateCreated, EventValidate)
	assert.Equal(t, KindOrderingViolation, KindOf(err))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindConflict, KindOf(newError(KindConflict, "x")))

	wrapped := wrapError(KindUpstreamUnavailable, "down", errChainDown)
	assert.True(t, IsKind(wrapped, KindUpstreamUnavailable))
	assert.ErrorIs(t, wrapped, errChainDown)
	assert.NotContains(t, publicMessage(wrapped), "connection refused")
}
