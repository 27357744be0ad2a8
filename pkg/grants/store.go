package grants

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrConflict is returned by Save when the application changed since it
// was loaded.
var ErrConflict = errors.New("grant application was modified concurrently")

// GrantStore persists grant applications and their milestones.
type GrantStore struct {
	db *gorm.DB
}

// NewGrantStore creates a new GrantStore.
func NewGrantStore(db *gorm.DB) *GrantStore {
	return &GrantStore{db: db}
}

// AutoMigrate creates or updates the grant tables, including the audit table.
func (s *GrantStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&GrantApplicationRecord{}); err != nil {
		return fmt.Errorf("auto-migrate grant_applications: %w", err)
	}
	if err := s.db.AutoMigrate(&MilestoneRecord{}); err != nil {
		return fmt.Errorf("auto-migrate milestones: %w", err)
	}
	if err := s.db.AutoMigrate(&MilestoneEventRecord{}); err != nil {
		return fmt.Errorf("auto-migrate milestone_events: %w", err)
	}
	return nil
}

// Load retrieves the application with the given id owned by owner.
// Returns nil, nil if no such application exists for that owner.
func (s *GrantStore) Load(ctx context.Context, id, owner string) (*GrantApplication, error) {
	return s.load(ctx, s.db.WithContext(ctx).Where("id = ? AND owner_identity = ?", id, owner))
}

// LoadByID retrieves an application regardless of owner.
// Returns nil, nil if no record exists.
func (s *GrantStore) LoadByID(ctx context.Context, id string) (*GrantApplication, error) {
	return s.load(ctx, s.db.WithContext(ctx).Where("id = ?", id))
}

func (s *GrantStore) load(ctx context.Context, query *gorm.DB) (*GrantApplication, error) {
	var root GrantApplicationRecord
	if err := query.First(&root).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get grant application: %w", err)
	}

	var milestones []MilestoneRecord
	err := s.db.WithContext(ctx).
		Where("application_id = ?", root.ID).
		Order("position ASC").
		Find(&milestones).Error
	if err != nil {
		return nil, fmt.Errorf("list milestones: %w", err)
	}
	return fromRecords(&root, milestones), nil
}

// Create inserts a new application and its seeded milestones at version 1.
func (s *GrantStore) Create(ctx context.Context, app *GrantApplication) error {
	app.version = 1
	root, milestones := toRecords(app)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(root).Error; err != nil {
			return fmt.Errorf("create grant application: %w", err)
		}
		if len(milestones) == 0 {
			return nil
		}
		for i := range milestones {
			milestones[i].ID = uuid.New().String()
		}
		if err := tx.Create(&milestones).Error; err != nil {
			return fmt.Errorf("create milestones: %w", err)
		}
		return nil
	})
	if err != nil {
		app.version = 0
		return err
	}
	app.CreatedAt = root.CreatedAt
	return nil
}

// Save writes the application if its stored version still matches the one
// it was loaded at, and bumps the version. Milestones are upserted on
// (application_id, position). Returns ErrConflict when the version moved.
func (s *GrantStore) Save(ctx context.Context, app *GrantApplication) error {
	_, milestones := toRecords(app)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&GrantApplicationRecord{}).
			Where("id = ? AND version = ?", app.ID, app.version).
			Updates(map[string]any{"version": app.version + 1})
		if res.Error != nil {
			return fmt.Errorf("bump grant application version: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		if len(milestones) == 0 {
			return nil
		}
		for i := range milestones {
			milestones[i].ID = uuid.New().String()
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "application_id"}, {Name: "position"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"github_url", "attachment", "comments", "submitted_at",
				"near_transaction_hash", "near_proposal_valid", "funded_at", "auto_approved",
				"interview_url", "interview_scheduled_at", "interview_at",
				"validated_at", "updated_at",
			}),
		}).Create(&milestones).Error
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return err
		}
		return fmt.Errorf("save grant application: %w", err)
	}
	app.version++
	return nil
}

// ListByOwner returns paginated applications for an owner ordered by id.
// pageToken is the ID of the last application from the previous page.
func (s *GrantStore) ListByOwner(ctx context.Context, owner string, pageSize int, pageToken string) ([]*GrantApplication, string, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	query := s.db.WithContext(ctx).Where("owner_identity = ?", owner).Order("id ASC").Limit(pageSize + 1)
	if pageToken != "" {
		query = query.Where("id > ?", pageToken)
	}

	var roots []GrantApplicationRecord
	if err := query.Find(&roots).Error; err != nil {
		return nil, "", fmt.Errorf("list grant applications: %w", err)
	}

	var nextToken string
	if len(roots) > pageSize {
		nextToken = roots[pageSize-1].ID
		roots = roots[:pageSize]
	}
	if len(roots) == 0 {
		return []*GrantApplication{}, "", nil
	}

	ids := make([]string, len(roots))
	for i, r := range roots {
		ids[i] = r.ID
	}
	var records []MilestoneRecord
	err := s.db.WithContext(ctx).
		Where("application_id IN ?", ids).
		Order("application_id ASC, position ASC").
		Find(&records).Error
	if err != nil {
		return nil, "", fmt.Errorf("list milestones: %w", err)
	}
	byApp := make(map[string][]MilestoneRecord, len(roots))
	for _, rec := range records {
		byApp[rec.ApplicationID] = append(byApp[rec.ApplicationID], rec)
	}

	apps := make([]*GrantApplication, len(roots))
	for i := range roots {
		apps[i] = fromRecords(&roots[i], byApp[roots[i].ID])
	}
	return apps, nextToken, nil
}
