// Package store is the credential store adapter: every read or write of
// a provider account goes through here, and token fields cross this
// boundary encrypted. Nothing above this package sees gorm directly for
// account rows; nothing below it sees plaintext tokens.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hikaru-dev/poolgate/internal/crypto"
	"github.com/hikaru-dev/poolgate/internal/db/models"
	"gorm.io/gorm"
)

// ErrAccountNotFound is returned when an account id resolves to nothing.
var ErrAccountNotFound = errors.New("account not found")

// Store wraps the database with the token cipher.
type Store struct {
	db     *gorm.DB
	cipher crypto.Cipher
}

// New creates a store over an initialized database.
func New(database *gorm.DB, cipher crypto.Cipher) *Store {
	return &Store{db: database, cipher: cipher}
}

// NewAccount carries plaintext fields for account creation. Tokens are
// encrypted before the row is written.
type NewAccount struct {
	UserID       string
	Provider     string
	ExternalID   string
	Name         string
	Email        string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Metadata     string
}

// FindAccounts returns a user's accounts for the given providers,
// ordered by creation time so rotation has a stable base ordering.
// An empty provider list matches every provider; an empty userID
// matches every user (used by the background refresh loop).
func (s *Store) FindAccounts(ctx context.Context, userID string, providers []string, activeOnly bool) ([]models.Account, error) {
	q := s.db.WithContext(ctx)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	if len(providers) > 0 {
		q = q.Where("provider IN ?", providers)
	}
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var accounts []models.Account
	if err := q.Order("created_at ASC").Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// GetAccount fetches a single account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var account models.Account
	if err := s.db.WithContext(ctx).First(&account, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// UpsertByIdentity creates or updates the account for one external
// identity, preserving the existing id on re-attach. Returns the stored
// account and whether it was newly created.
func (s *Store) UpsertByIdentity(ctx context.Context, fields NewAccount) (*models.Account, bool, error) {
	encAccess, err := s.cipher.Encrypt(fields.AccessToken)
	if err != nil {
		return nil, false, fmt.Errorf("encrypt access token: %w", err)
	}
	encRefresh := ""
	if fields.RefreshToken != "" {
		if encRefresh, err = s.cipher.Encrypt(fields.RefreshToken); err != nil {
			return nil, false, fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	var existing models.Account
	err = s.db.WithContext(ctx).
		Where("user_id = ? AND provider = ? AND external_id = ?", fields.UserID, fields.Provider, fields.ExternalID).
		First(&existing).Error
	isNew := errors.Is(err, gorm.ErrRecordNotFound)
	if err != nil && !isNew {
		return nil, false, err
	}

	account := models.Account{
		ID:           existing.ID,
		UserID:       fields.UserID,
		Provider:     fields.Provider,
		ExternalID:   fields.ExternalID,
		Name:         fields.Name,
		Email:        fields.Email,
		AccessToken:  encAccess,
		RefreshToken: encRefresh,
		ExpiresAt:    fields.ExpiresAt,
		IsActive:     true,
		HealthStatus: models.HealthActive,
		LastUsedAt:   time.Now(),
		Metadata:     fields.Metadata,
		CreatedAt:    existing.CreatedAt,
	}
	if isNew {
		account.ID = uuid.New().String()
	} else if encRefresh == "" {
		// Re-auth without a new refresh token keeps the stored one.
		account.RefreshToken = existing.RefreshToken
	}

	if err := s.db.WithContext(ctx).Save(&account).Error; err != nil {
		return nil, false, err
	}
	return &account, isNew, nil
}

// SaveTokens persists a refreshed token pair for an account as a single
// row write. For rotating-refresh-token providers this must complete
// before the new access token is handed to any caller; a failure here is
// loud because losing the rotated pair orphans the account.
func (s *Store) SaveTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error {
	encAccess, err := s.cipher.Encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	updates := map[string]any{
		"access_token": encAccess,
		"expires_at":   expiresAt,
		"updated_at":   time.Now(),
	}
	if refreshToken != "" {
		encRefresh, err := s.cipher.Encrypt(refreshToken)
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		updates["refresh_token"] = encRefresh
	}
	res := s.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpdateAccount applies a partial update to an account row.
func (s *Store) UpdateAccount(ctx context.Context, id string, patch map[string]any) error {
	res := s.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).Updates(patch)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// DeleteAccount removes an account permanently.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&models.Account{}, "id = ?", id).Error
}

// AccessToken decrypts the stored access token.
func (s *Store) AccessToken(account *models.Account) (string, error) {
	return s.cipher.Decrypt(account.AccessToken)
}

// RefreshToken decrypts the stored refresh token. Empty stays empty.
func (s *Store) RefreshToken(account *models.Account) (string, error) {
	if account.RefreshToken == "" {
		return "", nil
	}
	return s.cipher.Decrypt(account.RefreshToken)
}

// RecordSelection bumps the request counter and last-used timestamp
// after the pool picks an account. Log-and-continue on failure; the
// response path never waits on this write.
func (s *Store) RecordSelection(id string) {
	go func() {
		err := s.db.Model(&models.Account{}).Where("id = ?", id).Updates(map[string]any{
			"request_count": gorm.Expr("request_count + 1"),
			"last_used_at":  time.Now(),
		}).Error
		if err != nil {
			log.Printf("⚠️ Failed to record selection for account %s: %v", id, err)
		}
	}()
}

// RecordResult updates success/error counters and health after a routed
// request completes. Best effort, same as RecordSelection.
func (s *Store) RecordResult(id string, success bool, errMsg string) {
	updates := map[string]any{}
	if success {
		updates["success_count"] = gorm.Expr("success_count + 1")
		updates["consecutive_errors"] = 0
		updates["health_status"] = models.HealthActive
		updates["last_error"] = ""
	} else {
		updates["error_count"] = gorm.Expr("error_count + 1")
		updates["consecutive_errors"] = gorm.Expr("consecutive_errors + 1")
		updates["health_status"] = models.HealthDegraded
		updates["last_error"] = errMsg
	}
	go func() {
		if err := s.db.Model(&models.Account{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			log.Printf("⚠️ Failed to record result for account %s: %v", id, err)
		}
	}()
}

// SetActive flips the active flag, used when refresh fails permanently.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	updates := map[string]any{"is_active": active}
	if !active {
		updates["health_status"] = models.HealthFailed
	}
	return s.UpdateAccount(ctx, id, updates)
}
