package models

import "time"

// GatewayKey is an inbound bearer key for the /v1 surface. Each key
// belongs to one user and may carry model allow/deny lists (JSON string
// arrays; empty means no restriction).
type GatewayKey struct {
	ID            string `gorm:"primaryKey"` // UUID
	UserID        string `gorm:"index"`
	Key           string `gorm:"uniqueIndex"` // sk-<hex>
	Name          string
	AllowedModels string // JSON array; empty = all models
	DeniedModels  string // JSON array
	IsActive      bool   `gorm:"default:true"`
	LastUsedAt    time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
