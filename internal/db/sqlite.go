// Package db owns the SQLite connection and migrations.
package db

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/hikaru-dev/poolgate/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB opens the SQLite database and runs migrations for every model
// the gateway persists.
func InitDB(dbPath string) (*gorm.DB, error) {
	database, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if err := database.AutoMigrate(
		&models.Account{},
		&models.GatewayKey{},
		&models.ModelToggle{},
		&models.UsageRecord{},
	); err != nil {
		return nil, err
	}

	ensureBootstrapKey(database)
	return database, nil
}

// ensureBootstrapKey creates an initial gateway key on first run so the
// /v1 surface is reachable before any key management has happened.
func ensureBootstrapKey(database *gorm.DB) {
	var count int64
	database.Model(&models.GatewayKey{}).Count(&count)
	if count > 0 {
		return
	}

	key := models.GatewayKey{
		ID:       uuid.New().String(),
		UserID:   "default",
		Key:      GenerateKey(),
		Name:     "bootstrap",
		IsActive: true,
	}
	if err := database.Create(&key).Error; err != nil {
		log.Printf("⚠️ Failed to create bootstrap gateway key: %v", err)
		return
	}
	log.Printf("🔑 Generated bootstrap gateway key: %s", key.Key)
}

// GenerateKey returns a new gateway API key: sk-<32 hex chars>.
func GenerateKey() string {
	b := make([]byte, 16)
	rand.Read(b)
	return "sk-" + hex.EncodeToString(b)
}

// FindGatewayKey looks up an active inbound key by its bearer value.
func FindGatewayKey(database *gorm.DB, key string) (*models.GatewayKey, bool) {
	var gk models.GatewayKey
	if err := database.Where("key = ? AND is_active = ?", key, true).First(&gk).Error; err != nil {
		return nil, false
	}
	// Best effort; losing a last-used timestamp is not worth failing auth.
	go func(id string) {
		database.Model(&models.GatewayKey{}).Where("id = ?", id).
			Update("last_used_at", time.Now())
	}(gk.ID)
	return &gk, true
}

// IsModelDisabled reports whether the user has toggled the model off.
func IsModelDisabled(database *gorm.DB, userID, model string) bool {
	var toggle models.ModelToggle
	err := database.Where("user_id = ? AND model = ? AND disabled = ?", userID, model, true).
		First(&toggle).Error
	return err == nil
}
