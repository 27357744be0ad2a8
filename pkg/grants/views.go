package grants

import (
	"time"

	"github.com/shopspring/decimal"
)

// ApplicationView is the JSON shape of a grant application. It never
// carries the salt.
type ApplicationView struct {
	ID        string    `json:"id"`
	NearID    string    `json:"nearId"`
	CreatedAt time.Time `json:"createdAt"`
	// Currency denominates every milestone budget.
	Currency   string          `json:"currency,omitempty"`
	Milestones []MilestoneView `json:"milestones"`
}

// MilestoneView is the JSON shape of a milestone.
type MilestoneView struct {
	Index                       int             `json:"index"`
	State                       MilestoneState  `json:"state"`
	Budget                      decimal.Decimal `json:"budget"`
	DeliveryDate                time.Time       `json:"deliveryDate"`
	Description                 string          `json:"description"`
	HashProposal                string          `json:"hashProposal"`
	GithubURL                   string          `json:"githubUrl,omitempty"`
	Attachment                  string          `json:"attachment,omitempty"`
	Comments                    string          `json:"comments,omitempty"`
	DateSubmission              *time.Time      `json:"dateSubmission,omitempty"`
	ProposalNearTransactionHash string          `json:"proposalNearTransactionHash,omitempty"`
	IsNearProposalValid         bool            `json:"isNearProposalValid"`
	InterviewURL                string          `json:"interviewUrl,omitempty"`
	DateInterviewScheduled      *time.Time      `json:"dateInterviewScheduled,omitempty"`
	DateInterview               *time.Time      `json:"dateInterview,omitempty"`
	DateValidation              *time.Time      `json:"dateValidation,omitempty"`

	// AllowedEvents are the transitions the milestone's state accepts.
	AllowedEvents []Event `json:"allowedEvents,omitempty"`
}

// ApplicationList is a page of applications.
type ApplicationList struct {
	Applications  []ApplicationView `json:"applications"`
	NextPageToken string            `json:"nextPageToken,omitempty"`
}

// MilestoneEvent is the JSON shape of an audit record.
type MilestoneEvent struct {
	ID        string    `json:"id"`
	Index     int       `json:"index"`
	Event     string    `json:"event"`
	Actor     string    `json:"actor"`
	Outcome   string    `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
	FromState string    `json:"fromState,omitempty"`
	ToState   string    `json:"toState,omitempty"`
	RequestID string    `json:"requestId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// MilestoneEventList is a page of audit records.
type MilestoneEventList struct {
	Events        []MilestoneEvent `json:"events"`
	NextPageToken string           `json:"nextPageToken,omitempty"`
	TotalSize     int              `json:"totalSize"`
}

// NewApplicationView renders app for clients with budgets in currency.
func NewApplicationView(app *GrantApplication, currency string) ApplicationView {
	v := ApplicationView{
		ID:         app.ID,
		NearID:     app.OwnerIdentity,
		CreatedAt:  app.CreatedAt,
		Currency:   currency,
		Milestones: make([]MilestoneView, 0, app.Len()),
	}
	for i, m := range app.Milestones() {
		v.Milestones = append(v.Milestones, newMilestoneView(i, m))
	}
	return v
}

func newMilestoneView(index int, m *Milestone) MilestoneView {
	t := m.Terms()
	v := MilestoneView{
		Index:        index,
		State:         m.State(),
		Budget:        t.Budget,
		DeliveryDate:  t.DeliveryDate,
		Description:   t.Description,
		HashProposal:  t.HashProposal,
		AllowedEvents: machine.AllowedEvents(m.State()),
	}
	if s := m.Submission(); s != nil {
		v.GithubURL = s.GithubURL
		v.Attachment = s.Attachment
		v.Comments = s.Comments
		v.DateSubmission = timePtr(s.SubmittedAt)
	}
	if f := m.Funding(); f != nil {
		v.ProposalNearTransactionHash = f.TransactionHash
		v.IsNearProposalValid = f.Verified
	}
	if iv := m.Interview(); iv != nil {
		v.InterviewURL = iv.URL
		v.DateInterviewScheduled = timePtr(iv.ScheduledAt)
		v.DateInterview = timePtr(iv.At)
	}
	if at, ok := m.ValidatedAt(); ok {
		v.DateValidation = &at
	}
	return v
}

func recordToEvent(rec MilestoneEventRecord) MilestoneEvent {
	return MilestoneEvent{
		ID:        rec.ID,
		Index:     rec.Position,
		Event:     rec.Event,
		Actor:     rec.Actor,
		Outcome:   rec.Outcome,
		Reason:    rec.Reason,
		FromState: rec.FromState,
		ToState:   rec.ToState,
		RequestID: rec.RequestID,
		CreatedAt: rec.CreatedAt,
	}
}
