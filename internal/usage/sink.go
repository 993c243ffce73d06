// Package usage records per-request accounting. All writes are
// fire-and-forget: a broken analytics table must never fail a request.
package usage

import (
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hikaru-dev/poolgate/internal/db/models"
	"github.com/hikaru-dev/poolgate/internal/logging"
)

// Record is one finished request.
type Record struct {
	UserID       string
	AccountID    string
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	StatusCode   int
	Duration     time.Duration
	Err          error
}

// Sink writes usage records.
type Sink struct {
	db *gorm.DB
}

// NewSink builds a sink over the shared database.
func NewSink(db *gorm.DB) *Sink {
	return &Sink{db: db}
}

// Write inserts the record on a goroutine and returns immediately.
func (s *Sink) Write(rec Record) {
	row := models.UsageRecord{
		ID:           uuid.New().String(),
		Timestamp:    time.Now().UnixMilli(),
		UserID:       rec.UserID,
		AccountID:    rec.AccountID,
		Provider:     rec.Provider,
		Model:        rec.Model,
		InputTokens:  rec.InputTokens,
		OutputTokens: rec.OutputTokens,
		StatusCode:   rec.StatusCode,
		DurationMs:   rec.Duration.Milliseconds(),
	}
	if rec.Err != nil {
		row.Error = logging.Truncate(rec.Err.Error(), logging.DefaultLogMaxLen)
	}
	go func() {
		if err := s.db.Create(&row).Error; err != nil {
			log.Printf("⚠️ Failed to record usage: %v", err)
		}
	}()
}

// Stats aggregates counters for one user, for the management API.
func (s *Sink) Stats(userID string) (*models.UsageStats, error) {
	var stats models.UsageStats
	base := s.db.Model(&models.UsageRecord{}).Where("user_id = ?", userID)

	if err := base.Session(&gorm.Session{}).Count(&stats.TotalRequests).Error; err != nil {
		return nil, err
	}
	if err := base.Session(&gorm.Session{}).Where("error = ''").Count(&stats.SuccessCount).Error; err != nil {
		return nil, err
	}
	stats.ErrorCount = stats.TotalRequests - stats.SuccessCount

	row := struct {
		InputSum  int64
		OutputSum int64
	}{}
	if err := base.Session(&gorm.Session{}).
		Select("COALESCE(SUM(input_tokens),0) AS input_sum, COALESCE(SUM(output_tokens),0) AS output_sum").
		Scan(&row).Error; err != nil {
		return nil, err
	}
	stats.InputTokens = row.InputSum
	stats.OutputTokens = row.OutputSum
	return &stats, nil
}
