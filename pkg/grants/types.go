package grants

// MilestoneState is the approval stage a milestone has reached.
type MilestoneState string

const (
	StateCreated            MilestoneState = "created"
	StateSubmitted          MilestoneState = "submitted"
	StateFundingRecorded    MilestoneState = "funding_recorded"
	StateInterviewScheduled MilestoneState = "interview_scheduled"
	StateValidated          MilestoneState = "validated"
)

// rank orders states along the single forward path.
func (s MilestoneState) rank() int {
	switch s {
	case StateCreated:
		return 0
	case StateSubmitted:
		return 1
	case StateFundingRecorded:
		return 2
	case StateInterviewScheduled:
		return 3
	case StateValidated:
		return 4
	}
	return -1
}

// Event names a milestone transition.
type Event string

const (
	EventSubmit                   Event = "submit"
	EventRecordFunding            Event = "record_funding"
	EventRecordFundingAutoApprove Event = "record_funding_auto_approve"
	EventScheduleInterview        Event = "schedule_interview"
	EventValidate                 Event = "validate"

	// Not milestone transitions; used for audit and metrics only.
	EventCreateMilestone   Event = "create_milestone"
	EventCreateApplication Event = "create_application"
)

// Audit outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)
