package grants

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/grantledger/milestones/pkg/hashproposal"
)

// GrantApplication owns an ordered milestone sequence for one identity.
// Milestone order is approval order.
type GrantApplication struct {
	ID            string
	OwnerIdentity string
	CreatedAt     time.Time

	salt       hashproposal.Salt
	version    int64
	milestones []*Milestone
}

// NewGrantApplication creates an application with a fresh salt.
func NewGrantApplication(id, owner string, now time.Time) (*GrantApplication, error) {
	salt, err := hashproposal.NewSalt()
	if err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return &GrantApplication{ID: id, OwnerIdentity: owner, CreatedAt: now, salt: salt}, nil
}

// Version is the optimistic concurrency token the application was loaded at.
func (a *GrantApplication) Version() int64 { return a.version }

// Len returns the number of milestones.
func (a *GrantApplication) Len() int { return len(a.milestones) }

// Milestones returns the milestones in approval order.
func (a *GrantApplication) Milestones() []*Milestone {
	out := make([]*Milestone, len(a.milestones))
	copy(out, a.milestones)
	return out
}

// Milestone returns the milestone at index.
func (a *GrantApplication) Milestone(index int) (*Milestone, error) {
	if index < 0 || index >= len(a.milestones) {
		return nil, newError(KindNotFound, fmt.Sprintf("milestone %d does not exist", index))
	}
	return a.milestones[index], nil
}

// CheckSequence enforces that every milestone before index is validated
// before index may move.
func (a *GrantApplication) CheckSequence(index int) error {
	if index <= 0 {
		return nil
	}
	if index > len(a.milestones) {
		return newError(KindNotFound, fmt.Sprintf("milestone %d does not exist", index))
	}
	if !a.milestones[index-1].IsValidated() {
		return newError(KindOrderingViolation, "the previous milestone needs to be accepted before this one")
	}
	return nil
}

// commitment derives the hash proposal for the milestone at position
// (1-based). It is the only reader of the salt.
func (a *GrantApplication) commitment(budget decimal.Decimal, position int) string {
	return hashproposal.Compute(a.salt, a.OwnerIdentity, budget, position)
}

// appendMilestone adds a milestone at the end of the sequence with its
// hash proposal fixed.
func (a *GrantApplication) appendMilestone(budget decimal.Decimal, delivery time.Time, description string) *Milestone {
	m := &Milestone{terms: Terms{
		Budget:       budget,
		DeliveryDate: delivery,
		Description:  description,
		HashProposal: a.commitment(budget, len(a.milestones)+1),
	}}
	a.milestones = append(a.milestones, m)
	return m
}
