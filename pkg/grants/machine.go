package grants

import "fmt"

// TransitionRule defines an allowed milestone transition.
type TransitionRule struct {
	From  MilestoneState
	Event Event
	To    MilestoneState
}

// DefaultTransitions is the complete milestone transition table. The
// auto-approve rule is the configured shortcut from funding to validated.
var DefaultTransitions = []TransitionRule{
	{From: StateCreated, Event: EventSubmit, To: StateSubmitted},
	{From: StateSubmitted, Event: EventRecordFunding, To: StateFundingRecorded},
	{From: StateSubmitted, Event: EventRecordFundingAutoApprove, To: StateValidated},
	{From: StateFundingRecorded, Event: EventScheduleInterview, To: StateInterviewScheduled},
	{From: StateInterviewScheduled, Event: EventValidate, To: StateValidated},
}

// Transition error codes.
const (
	CodeAlreadyTransitioned = "MILESTONE_ALREADY_TRANSITIONED"
	CodeInvalidTransition   = "MILESTONE_INVALID_TRANSITION"
)

// Machine validates milestone transitions against a rule table.
type Machine struct {
	transitions []TransitionRule
}

// NewMachine creates a machine with the default rules.
func NewMachine() *Machine {
	return &Machine{transitions: DefaultTransitions}
}

// Next returns the state reached by applying event in state from.
func (m *Machine) Next(from MilestoneState, event Event) (MilestoneState, error) {
	for _, t := range m.transitions {
		if t.From == from && t.Event == event {
			return t.To, nil
		}
	}

	// The event's source state is behind us: its write-once fields are set.
	if src, ok := m.source(event); ok && from.rank() > src.rank() {
		return "", &TransitionError{
			Code:    CodeAlreadyTransitioned,
			From:    from,
			Event:   event,
			Message: fmt.Sprintf("milestone already passed %s (state %s)", event, from),
		}
	}
	return "", &TransitionError{
		Code:    CodeInvalidTransition,
		From:    from,
		Event:   event,
		Message: fmt.Sprintf("cannot %s a milestone in state %s", event, from),
	}
}

// AllowedEvents returns the events accepted in state from.
func (m *Machine) AllowedEvents(from MilestoneState) []Event {
	var events []Event
	for _, t := range m.transitions {
		if t.From == from {
			events = append(events, t.Event)
		}
	}
	return events
}

func (m *Machine) source(event Event) (MilestoneState, bool) {
	for _, t := range m.transitions {
		if t.Event == event {
			return t.From, true
		}
	}
	return "", false
}

// TransitionError is a structured error for rejected transitions.
type TransitionError struct {
	Code    string         `json:"code"`
	From    MilestoneState `json:"from"`
	Event   Event          `json:"event"`
	Message string         `json:"message"`
}

func (e *TransitionError) Error() string {
	return e.Message
}

// Kind maps the transition code onto a rejection kind.
func (e *TransitionError) Kind() Kind {
	if e.Code == CodeAlreadyTransitioned {
		return KindAlreadyTransitioned
	}
	return KindOrderingViolation
}
