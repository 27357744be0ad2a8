package grants

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/grantledger/milestones/pkg/hashproposal"
)

// GrantApplicationRecord stores the application aggregate root. Version is
// bumped on every save and checked on the next one.
type GrantApplicationRecord struct {
	ID            string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	OwnerIdentity string    `gorm:"column:owner_identity;index:idx_grant_owner;not null"`
	Salt          string    `gorm:"column:salt;type:varchar(64);not null"`
	Version       int64     `gorm:"column:version;not null"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (GrantApplicationRecord) TableName() string { return "grant_applications" }

// MilestoneRecord stores one milestone. Position is the 0-based index in the
// application's sequence. Budget is kept as text so no dialect rounds it.
type MilestoneRecord struct {
	ID                   string          `gorm:"primaryKey;column:id;type:varchar(36)"`
	ApplicationID        string          `gorm:"column:application_id;type:varchar(36);uniqueIndex:idx_milestone_app_pos,priority:1;not null"`
	Position             int             `gorm:"column:position;uniqueIndex:idx_milestone_app_pos,priority:2;not null"`
	Budget               decimal.Decimal `gorm:"column:budget;type:varchar(64);not null"`
	DeliveryDate         time.Time       `gorm:"column:delivery_date"`
	Description          string          `gorm:"column:description;type:text"`
	HashProposal         string          `gorm:"column:hash_proposal;type:varchar(64);not null"`
	GithubURL            string          `gorm:"column:github_url"`
	Attachment           string          `gorm:"column:attachment"`
	Comments             string          `gorm:"column:comments;type:text"`
	SubmittedAt          *time.Time      `gorm:"column:submitted_at"`
	NearTransactionHash  string          `gorm:"column:near_transaction_hash"`
	NearProposalValid    bool            `gorm:"column:near_proposal_valid;not null;default:false"`
	FundedAt             *time.Time      `gorm:"column:funded_at"`
	AutoApproved         bool            `gorm:"column:auto_approved;not null;default:false"`
	InterviewURL         string          `gorm:"column:interview_url"`
	InterviewScheduledAt *time.Time      `gorm:"column:interview_scheduled_at"`
	InterviewAt          *time.Time      `gorm:"column:interview_at"`
	ValidatedAt          *time.Time      `gorm:"column:validated_at"`
	CreatedAt            time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (MilestoneRecord) TableName() string { return "milestones" }

// MilestoneEventRecord is an immutable audit entry for one transition attempt.
type MilestoneEventRecord struct {
	ID            string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	ApplicationID string    `gorm:"column:application_id;type:varchar(36);index:idx_mevent_app_time,priority:1;not null"`
	Position      int       `gorm:"column:position"`
	Event         string    `gorm:"column:event;not null"`
	Actor         string    `gorm:"column:actor;not null"`
	Outcome       string    `gorm:"column:outcome;not null"` // success, rejected, error
	Reason        string    `gorm:"column:reason"`
	FromState     string    `gorm:"column:from_state"`
	ToState       string    `gorm:"column:to_state"`
	RequestID     string    `gorm:"column:request_id;index"`
	CreatedAt     time.Time `gorm:"column:created_at;index:idx_mevent_app_time,priority:2;autoCreateTime"`
}

// TableName returns the GORM table name.
func (MilestoneEventRecord) TableName() string { return "milestone_events" }

func toRecords(app *GrantApplication) (*GrantApplicationRecord, []MilestoneRecord) {
	root := &GrantApplicationRecord{
		ID:            app.ID,
		OwnerIdentity: app.OwnerIdentity,
		Salt:          app.salt.Reveal(),
		Version:       app.version,
		CreatedAt:     app.CreatedAt,
	}
	milestones := make([]MilestoneRecord, len(app.milestones))
	for i, m := range app.milestones {
		rec := MilestoneRecord{
			ApplicationID: app.ID,
			Position:      i,
			Budget:        m.terms.Budget,
			DeliveryDate:  m.terms.DeliveryDate,
			Description:   m.terms.Description,
			HashProposal:  m.terms.HashProposal,
			ValidatedAt:   m.validatedAt,
		}
		if s := m.submission; s != nil {
			rec.GithubURL = s.GithubURL
			rec.Attachment = s.Attachment
			rec.Comments = s.Comments
			rec.SubmittedAt = timePtr(s.SubmittedAt)
		}
		if f := m.funding; f != nil {
			rec.NearTransactionHash = f.TransactionHash
			rec.NearProposalValid = f.Verified
			rec.FundedAt = timePtr(f.RecordedAt)
			rec.AutoApproved = f.AutoApproved
		}
		if iv := m.interview; iv != nil {
			rec.InterviewURL = iv.URL
			rec.InterviewScheduledAt = timePtr(iv.ScheduledAt)
			rec.InterviewAt = timePtr(iv.At)
		}
		milestones[i] = rec
	}
	return root, milestones
}

func fromRecords(root *GrantApplicationRecord, records []MilestoneRecord) *GrantApplication {
	app := &GrantApplication{
		ID:            root.ID,
		OwnerIdentity: root.OwnerIdentity,
		CreatedAt:     root.CreatedAt,
		salt:          hashproposal.Salt(root.Salt),
		version:       root.Version,
		milestones:    make([]*Milestone, len(records)),
	}
	for i, rec := range records {
		m := &Milestone{
			terms: Terms{
				Budget:       rec.Budget,
				DeliveryDate: rec.DeliveryDate,
				Description:  rec.Description,
				HashProposal: rec.HashProposal,
			},
			validatedAt: rec.ValidatedAt,
		}
		if rec.SubmittedAt != nil {
			m.submission = &Submission{
				GithubURL:   rec.GithubURL,
				Attachment:  rec.Attachment,
				Comments:    rec.Comments,
				SubmittedAt: *rec.SubmittedAt,
			}
		}
		// A funding row without the verified flag was never written by this
		// package and is not trusted.
		if rec.NearTransactionHash != "" && rec.NearProposalValid && rec.FundedAt != nil {
			m.funding = &Funding{
				TransactionHash: rec.NearTransactionHash,
				Verified:        true,
				RecordedAt:      *rec.FundedAt,
				AutoApproved:    rec.AutoApproved,
			}
		}
		if rec.InterviewScheduledAt != nil && (rec.InterviewURL != "" || m.funding != nil && m.funding.AutoApproved) {
			iv := &Interview{URL: rec.InterviewURL, ScheduledAt: *rec.InterviewScheduledAt}
			if rec.InterviewAt != nil {
				iv.At = *rec.InterviewAt
			}
			m.interview = iv
		}
		app.milestones[i] = m
	}
	return app
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
