package models

import "time"

// Account health states. Degraded accounts stay in rotation; failed ones
// are candidates for a cooldown policy (see pool.FailurePolicy).
const (
	HealthActive   = "active"
	HealthDegraded = "degraded"
	HealthFailed   = "failed"
)

// Account stores one user's attached identity for one provider.
// AccessToken and RefreshToken are encrypted by the store before they
// reach gorm; nothing in this table is plaintext credential material.
type Account struct {
	ID         string `gorm:"primaryKey"` // UUID
	UserID     string `gorm:"index;uniqueIndex:idx_user_provider_ext"`
	Provider   string `gorm:"uniqueIndex:idx_user_provider_ext"` // e.g. "antigravity", "iflow", "openrouter"
	ExternalID string `gorm:"uniqueIndex:idx_user_provider_ext"` // provider-side account identity (email or account id)
	Name       string
	Email      string

	AccessToken  string // encrypted
	RefreshToken string // encrypted, empty for api-key accounts
	ExpiresAt    time.Time

	IsActive          bool   `gorm:"default:true"`
	HealthStatus      string `gorm:"default:'active'"`
	ConsecutiveErrors int
	LastError         string

	RequestCount int64
	SuccessCount int64
	ErrorCount   int64
	LastUsedAt   time.Time

	Metadata string // JSON blob for provider extras (project_id, tier, account_id)

	CreatedAt time.Time
	UpdatedAt time.Time
}
