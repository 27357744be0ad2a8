package grants

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// AuditStore provides append-only operations for milestone event records.
type AuditStore struct {
	db *gorm.DB
}

// NewAuditStore creates a new AuditStore.
func NewAuditStore(db *gorm.DB) *AuditStore {
	return &AuditStore{db: db}
}

// Append creates a new immutable event record.
func (s *AuditStore) Append(ctx context.Context, event *MilestoneEventRecord) error {
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("append milestone event: %w", err)
	}
	return nil
}

// ListByApplication returns paginated events for an application, newest
// first. pageToken carries the creation time and id of the last event of
// the previous page; events ordered after it are returned.
func (s *AuditStore) ListByApplication(ctx context.Context, applicationID string, pageSize int, pageToken string) ([]MilestoneEventRecord, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	db := s.db.WithContext(ctx)

	var totalSize int64
	if err := db.Model(&MilestoneEventRecord{}).Where("application_id = ?", applicationID).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count milestone events: %w", err)
	}

	query := db.Where("application_id = ?", applicationID).Order("created_at DESC, id DESC").Limit(pageSize + 1)
	if pageToken != "" {
		t, id, err := parseEventPageToken(pageToken)
		if err != nil {
			return nil, "", 0, err
		}
		query = query.Where("created_at < ? OR (created_at = ? AND id < ?)", t, t, id)
	}

	var records []MilestoneEventRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list milestone events: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		nextToken = eventPageToken(records[pageSize-1])
		records = records[:pageSize]
	}

	return records, nextToken, int(totalSize), nil
}

// eventPageToken encodes the position of rec as "<RFC3339Nano>|<id>".
func eventPageToken(rec MilestoneEventRecord) string {
	return rec.CreatedAt.Format(time.RFC3339Nano) + "|" + rec.ID
}

func parseEventPageToken(token string) (time.Time, string, error) {
	ts, id, _ := strings.Cut(token, "|")
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid page token: %w", err)
	}
	return t, id, nil
}

// DeleteOlderThan removes events created before cutoff and returns how many
// were deleted.
func (s *AuditStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&MilestoneEventRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete milestone events: %w", res.Error)
	}
	return res.RowsAffected, nil
}
