package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/agentauth/internal/session"
	"github.com/jkaninda/agentauth/internal/storage"
)

// AttemptRepository implements storage.AttemptStore.
type AttemptRepository struct {
	db *gorm.DB
}

// NewAttemptRepository creates an AttemptRepository.
func NewAttemptRepository(db *gorm.DB) *AttemptRepository {
	return &AttemptRepository{db: db}
}

// RecordAttempt inserts one attempt row.
func (r *AttemptRepository) RecordAttempt(ctx context.Context, a session.Attempt) error {
	model := toAttemptModel(a)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("recording attempt %s: %w", a.SessionID, err)
	}
	return nil
}

// ListAttempts returns attempts newest first.
func (r *AttemptRepository) ListAttempts(ctx context.Context, f storage.AttemptFilter) ([]session.Attempt, error) {
	q := r.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(f.EffectiveLimit())
	if f.Host != "" {
		q = q.Where("host = ?", f.Host)
	}
	if f.Username != "" {
		q = q.Where("username = ?", f.Username)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if !f.Since.IsZero() {
		q = q.Where("started_at >= ?", f.Since.UTC())
	}

	var models []AttemptModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing attempts: %w", err)
	}
	out := make([]session.Attempt, len(models))
	for i := range models {
		out[i] = toAttemptDomain(&models[i])
	}
	return out, nil
}

// PruneBefore deletes attempts started before cutoff.
func (r *AttemptRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("started_at < ?", cutoff.UTC()).Delete(&AttemptModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning attempts: %w", res.Error)
	}
	return res.RowsAffected, nil
}
