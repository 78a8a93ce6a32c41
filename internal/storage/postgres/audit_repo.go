package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/agentauth/internal/audit"
)

// AuditRepository implements storage.AuditStore.
// There is no Update method; rows leave only through retention pruning.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts a single capability event.
func (r *AuditRepository) Append(ctx context.Context, e audit.Event) error {
	model := toEventModel(e)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// Query returns events newest first. If sessionID is non-empty, filters to
// that session. Limit defaults to 100.
func (r *AuditRepository) Query(ctx context.Context, sessionID string, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	q := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit)
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}

	var models []CapabilityEventModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	events := make([]audit.Event, len(models))
	for i := range models {
		events[i] = toEventDomain(&models[i])
	}
	return events, nil
}

// PruneBefore deletes events recorded before cutoff.
func (r *AuditRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("created_at < ?", cutoff.UTC()).Delete(&CapabilityEventModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning audit events: %w", res.Error)
	}
	return res.RowsAffected, nil
}
