package models

import "time"

// ModelToggle records a model a user has disabled. A row existing with
// Disabled=true blocks routing for that (user, model) pair before any
// provider is contacted.
type ModelToggle struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    string `gorm:"uniqueIndex:idx_user_model;not null"`
	Model     string `gorm:"uniqueIndex:idx_user_model;not null"` // canonical model name
	Disabled  bool   `gorm:"default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
