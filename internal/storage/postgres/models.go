package postgres

import (
	"time"

	"github.com/google/uuid"
)

// AttemptModel maps to the "auth_attempts" table.
// It never stores secrets or cookie values.
type AttemptModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID   string    `gorm:"not null;uniqueIndex"`
	Website     string    `gorm:"not null"`
	Host        string    `gorm:"not null;index"`
	Username    string    `gorm:"not null;index"`
	Status      string    `gorm:"not null;index"`
	Error       string    `gorm:"type:text"`
	Available   string
	CookieCount int       `gorm:"not null;default:0"`
	DurationMS  int64     `gorm:"not null;default:0"`
	StartedAt   time.Time `gorm:"not null;index"`
	FinishedAt  time.Time
	CreatedAt   time.Time
}

func (AttemptModel) TableName() string { return "auth_attempts" }

// CapabilityEventModel maps to the "capability_events" table.
// No UpdatedAt or DeletedAt: rows are only appended and pruned.
type CapabilityEventModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID  string    `gorm:"not null;index"`
	Host       string    `gorm:"not null"`
	Username   string    `gorm:"not null"`
	Capability string    `gorm:"not null"`
	Result     string    `gorm:"not null"`
	Error      string    `gorm:"type:text"`
	DurationMS int64
	CreatedAt  time.Time `gorm:"index"`
}

func (CapabilityEventModel) TableName() string { return "capability_events" }

// Models lists every model in migration order.
func Models() []any {
	return []any{&AttemptModel{}, &CapabilityEventModel{}}
}
