package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/hikaru-dev/poolgate/internal/crypto"
	"github.com/hikaru-dev/poolgate/internal/db/models"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:store-%d?mode=memory&cache=shared", time.Now().UnixNano())
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := database.AutoMigrate(&models.Account{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	cipher, err := crypto.NewAESGCMFromPassphrase("store-test")
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	return New(database, cipher)
}

func TestUpsertByIdentityPreservesID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, isNew, err := s.UpsertByIdentity(ctx, NewAccount{
		UserID:       "u1",
		Provider:     "iflow",
		ExternalID:   "alice@example.com",
		Email:        "alice@example.com",
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if !isNew {
		t.Fatalf("expected first upsert to create")
	}

	second, isNew, err := s.UpsertByIdentity(ctx, NewAccount{
		UserID:      "u1",
		Provider:    "iflow",
		ExternalID:  "alice@example.com",
		Email:       "alice@example.com",
		AccessToken: "at-2",
		ExpiresAt:   time.Now().Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if isNew {
		t.Fatalf("expected re-attach to update, not create")
	}
	if second.ID != first.ID {
		t.Fatalf("account id changed on re-attach: %s != %s", second.ID, first.ID)
	}

	// Refresh token from the first attach survives a re-auth that did
	// not issue a new one.
	rt, err := s.RefreshToken(second)
	if err != nil {
		t.Fatalf("decrypt refresh: %v", err)
	}
	if rt != "rt-1" {
		t.Fatalf("expected preserved refresh token, got %q", rt)
	}
}

func TestTokensNeverStoredPlaintext(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acc, _, err := s.UpsertByIdentity(ctx, NewAccount{
		UserID:       "u1",
		Provider:     "antigravity",
		ExternalID:   "bob@example.com",
		AccessToken:  "very-secret-access",
		RefreshToken: "very-secret-refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if acc.AccessToken == "very-secret-access" || acc.RefreshToken == "very-secret-refresh" {
		t.Fatalf("tokens persisted in plaintext")
	}

	at, err := s.AccessToken(acc)
	if err != nil || at != "very-secret-access" {
		t.Fatalf("decrypt access: %q, %v", at, err)
	}
}

func TestSaveTokensRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acc, _, err := s.UpsertByIdentity(ctx, NewAccount{
		UserID:       "u1",
		Provider:     "iflow",
		ExternalID:   "x",
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		ExpiresAt:    time.Now().Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	newExpiry := time.Now().Add(2 * time.Hour)
	if err := s.SaveTokens(ctx, acc.ID, "new-access", "new-refresh", newExpiry); err != nil {
		t.Fatalf("save tokens: %v", err)
	}

	got, err := s.GetAccount(ctx, acc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	at, _ := s.AccessToken(got)
	rt, _ := s.RefreshToken(got)
	if at != "new-access" || rt != "new-refresh" {
		t.Fatalf("token pair not rotated: at=%q rt=%q", at, rt)
	}

	if err := s.SaveTokens(ctx, "missing-id", "a", "b", newExpiry); err != ErrAccountNotFound {
		t.Fatalf("expected ErrAccountNotFound for unknown id, got %v", err)
	}
}

// RecordResult returns immediately; the health write lands in the
// background.
func TestRecordResultDoesNotBlockCaller(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acc, _, err := s.UpsertByIdentity(ctx, NewAccount{
		UserID:     "u1",
		Provider:   "iflow",
		ExternalID: "slow",
		ExpiresAt:  time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	err = s.db.Callback().Update().Before("gorm:update").
		Register("slow_update", func(*gorm.DB) { time.Sleep(300 * time.Millisecond) })
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}

	start := time.Now()
	s.RecordResult(acc.ID, false, "upstream 503")
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Fatalf("RecordResult blocked the caller for %s", elapsed)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := s.GetAccount(ctx, acc.ID)
		if err == nil && got.ErrorCount == 1 {
			if got.HealthStatus != models.HealthDegraded {
				t.Fatalf("expected degraded health, got %q", got.HealthStatus)
			}
			if got.ConsecutiveErrors != 1 {
				t.Fatalf("expected 1 consecutive error, got %d", got.ConsecutiveErrors)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("error bookkeeping never landed")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestFindAccountsOrderAndFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mk := func(provider, ext string, active bool, created time.Time) {
		acc := models.Account{
			ID:         ext,
			UserID:     "u1",
			Provider:   provider,
			ExternalID: ext,
			IsActive:   active,
			CreatedAt:  created,
		}
		if err := s.db.Create(&acc).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	base := time.Now().Add(-time.Hour)
	mk("iflow", "acc-b", true, base.Add(2*time.Minute))
	mk("iflow", "acc-a", true, base.Add(1*time.Minute))
	mk("iflow", "acc-c", false, base)
	mk("openrouter", "acc-d", true, base)

	got, err := s.FindAccounts(ctx, "u1", []string{"iflow"}, true)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 2 || got[0].ID != "acc-a" || got[1].ID != "acc-b" {
		t.Fatalf("unexpected candidates: %+v", got)
	}

	all, err := s.FindAccounts(ctx, "u1", nil, false)
	if err != nil {
		t.Fatalf("find all: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 accounts, got %d", len(all))
	}
}
