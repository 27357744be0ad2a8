package grants

import (
	"time"

	"github.com/shopspring/decimal"
)

// Terms are fixed when a milestone is created.
type Terms struct {
	Budget       decimal.Decimal
	DeliveryDate time.Time
	Description  string
	HashProposal string
}

// Submission is the owner's signed delivery report.
type Submission struct {
	GithubURL   string
	Attachment  string
	Comments    string
	SubmittedAt time.Time
}

// Funding records the verified on-chain proposal transaction.
type Funding struct {
	TransactionHash string
	// Verified is only ever true: a Funding is never built from an
	// unverified hash.
	Verified     bool
	RecordedAt   time.Time
	AutoApproved bool
}

// Interview is the scheduled review call.
type Interview struct {
	URL         string
	ScheduledAt time.Time
	At          time.Time
}

// Milestone is one funding tranche. Each stage value is set at most once,
// through the transition methods below, and the current state is derived
// from which stages are present.
type Milestone struct {
	terms       Terms
	submission  *Submission
	funding     *Funding
	interview   *Interview
	validatedAt *time.Time
}

var machine = NewMachine()

func (m *Milestone) Terms() Terms { return m.terms }

func (m *Milestone) Submission() *Submission {
	if m.submission == nil {
		return nil
	}
	s := *m.submission
	return &s
}

func (m *Milestone) Funding() *Funding {
	if m.funding == nil {
		return nil
	}
	f := *m.funding
	return &f
}

func (m *Milestone) Interview() *Interview {
	if m.interview == nil {
		return nil
	}
	i := *m.interview
	return &i
}

// ValidatedAt returns the approval time, or the zero time if unapproved.
func (m *Milestone) ValidatedAt() (time.Time, bool) {
	if m.validatedAt == nil {
		return time.Time{}, false
	}
	return *m.validatedAt, true
}

// IsValidated reports whether the milestone reached its terminal state.
func (m *Milestone) IsValidated() bool {
	return m.validatedAt != nil
}

// State derives the lifecycle state from the stages present.
func (m *Milestone) State() MilestoneState {
	switch {
	case m.validatedAt != nil:
		return StateValidated
	case m.interview != nil:
		return StateInterviewScheduled
	case m.funding != nil:
		return StateFundingRecorded
	case m.submission != nil:
		return StateSubmitted
	default:
		return StateCreated
	}
}

// Guard reports whether event may be applied in the current state.
func (m *Milestone) Guard(event Event) error {
	_, err := machine.Next(m.State(), event)
	return err
}

func (m *Milestone) submit(s Submission) error {
	if err := m.Guard(EventSubmit); err != nil {
		return err
	}
	m.submission = &s
	return nil
}

func (m *Milestone) recordFunding(txHash string, at time.Time) error {
	if err := m.Guard(EventRecordFunding); err != nil {
		return err
	}
	m.funding = &Funding{TransactionHash: txHash, Verified: true, RecordedAt: at}
	return nil
}

// recordFundingAutoApprove takes the configured shortcut straight to
// validated. The skipped interview is stamped with the funding time and has
// no link.
func (m *Milestone) recordFundingAutoApprove(txHash string, at time.Time) error {
	if err := m.Guard(EventRecordFundingAutoApprove); err != nil {
		return err
	}
	m.funding = &Funding{TransactionHash: txHash, Verified: true, RecordedAt: at, AutoApproved: true}
	m.interview = &Interview{ScheduledAt: at, At: at}
	m.validatedAt = &at
	return nil
}

func (m *Milestone) scheduleInterview(iv Interview) error {
	if err := m.Guard(EventScheduleInterview); err != nil {
		return err
	}
	m.interview = &iv
	return nil
}

func (m *Milestone) validate(at time.Time) error {
	if err := m.Guard(EventValidate); err != nil {
		return err
	}
	m.validatedAt = &at
	return nil
}
