package usage

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/hikaru-dev/poolgate/internal/db/models"
	"gorm.io/gorm"
)

func newTestSink(t *testing.T) (*Sink, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:usage-%d?mode=memory&cache=shared", time.Now().UnixNano())
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := database.AutoMigrate(&models.UsageRecord{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewSink(database), database
}

func waitForRows(t *testing.T, database *gorm.DB, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var count int64
		database.Model(&models.UsageRecord{}).Count(&count)
		if count == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d usage rows", want)
}

func TestWriteAndStats(t *testing.T) {
	sink, database := newTestSink(t)

	sink.Write(Record{
		UserID: "u1", AccountID: "a1", Provider: "iflow", Model: "glm-4.7",
		InputTokens: 100, OutputTokens: 40, StatusCode: 200, Duration: 1200 * time.Millisecond,
	})
	sink.Write(Record{
		UserID: "u1", AccountID: "a1", Provider: "iflow", Model: "glm-4.7",
		InputTokens: 10, StatusCode: 503, Err: errors.New("no eligible account"),
	})
	sink.Write(Record{
		UserID: "u2", Provider: "openrouter", Model: "kimi-k2",
		InputTokens: 7, OutputTokens: 3, StatusCode: 200,
	})
	waitForRows(t, database, 3)

	stats, err := sink.Stats("u1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalRequests != 2 || stats.SuccessCount != 1 || stats.ErrorCount != 1 {
		t.Fatalf("unexpected counts: %+v", stats)
	}
	if stats.InputTokens != 110 || stats.OutputTokens != 40 {
		t.Fatalf("unexpected token sums: %+v", stats)
	}
}

func TestStatsEmptyUser(t *testing.T) {
	sink, _ := newTestSink(t)
	stats, err := sink.Stats("nobody")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalRequests != 0 || stats.InputTokens != 0 {
		t.Fatalf("expected zeroes, got %+v", stats)
	}
}
