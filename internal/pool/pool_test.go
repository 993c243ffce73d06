package pool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/hikaru-dev/poolgate/internal/crypto"
	"github.com/hikaru-dev/poolgate/internal/db/models"
	"github.com/hikaru-dev/poolgate/internal/registry"
	"github.com/hikaru-dev/poolgate/internal/store"
)

func newTestPool(t *testing.T) (*Pool, *store.Store) {
	t.Helper()
	dsn := fmt.Sprintf("file:pool-%d?mode=memory&cache=shared", time.Now().UnixNano())
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(&models.Account{}))
	cipher, err := crypto.NewAESGCMFromPassphrase("pool-test")
	require.NoError(t, err)
	s := store.New(database, cipher)

	reg := registry.New([]registry.Model{
		{Name: "glm-4.7", Aliases: []string{"glm4.7"}, Providers: []string{"iflow", "openrouter"}},
		{Name: "gemini-3-pro", Providers: []string{"antigravity"}},
	})
	return New(s, reg, nil, nil), s
}

var attachSeq int

func attach(t *testing.T, s *store.Store, provider, externalID string, active bool) *models.Account {
	t.Helper()
	account, _, err := s.UpsertByIdentity(context.Background(), store.NewAccount{
		UserID:      "u1",
		Provider:    provider,
		ExternalID:  externalID,
		Email:       externalID,
		AccessToken: "at-" + externalID,
		ExpiresAt:   time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)
	if !active {
		require.NoError(t, s.SetActive(context.Background(), account.ID, false))
	}
	// Spread CreatedAt so ordering is deterministic under fast inserts.
	attachSeq++
	require.NoError(t, s.UpdateAccount(context.Background(), account.ID,
		map[string]any{"created_at": time.Now().Add(time.Duration(attachSeq) * time.Minute)}))
	return account
}

func TestNextRoundRobinVisitOrder(t *testing.T) {
	p, s := newTestPool(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		acc := attach(t, s, "iflow", fmt.Sprintf("acct-%d@x", i), true)
		ids = append(ids, acc.ID)
	}

	// Two full cycles visit every account in creation order.
	var visited []string
	for i := 0; i < 6; i++ {
		acc, err := p.Next(ctx, "u1", "glm-4.7", "iflow")
		require.NoError(t, err)
		visited = append(visited, acc.ID)
	}
	assert.Equal(t, append(append([]string{}, ids...), ids...), visited)
}

func TestNextInactiveNeverSelected(t *testing.T) {
	p, s := newTestPool(t)
	ctx := context.Background()

	good := attach(t, s, "iflow", "good@x", true)
	bad := attach(t, s, "iflow", "bad@x", false)

	for i := 0; i < 50; i++ {
		acc, err := p.Next(ctx, "u1", "glm-4.7", "")
		require.NoError(t, err)
		require.NotEqual(t, bad.ID, acc.ID)
		assert.Equal(t, good.ID, acc.ID)
	}
}

func TestNextUnmappedProviderPin(t *testing.T) {
	p, s := newTestPool(t)
	attach(t, s, "antigravity", "g@x", true)

	// gemini-3-pro is not mapped to iflow; pinning it is ineligible
	// even though the user has accounts.
	_, err := p.Next(context.Background(), "u1", "gemini-3-pro", "iflow")
	assert.ErrorIs(t, err, ErrNoEligibleAccount)
}

func TestNextNoAccounts(t *testing.T) {
	p, _ := newTestPool(t)
	_, err := p.Next(context.Background(), "u1", "glm-4.7", "")
	assert.ErrorIs(t, err, ErrNoEligibleAccount)
}

func TestNextSpansProvidersForModel(t *testing.T) {
	p, s := newTestPool(t)
	ctx := context.Background()

	iflowAcc := attach(t, s, "iflow", "a@x", true)
	orAcc := attach(t, s, "openrouter", "b@x", true)

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		acc, err := p.Next(ctx, "u1", "glm-4.7", "")
		require.NoError(t, err)
		seen[acc.ID] = true
	}
	assert.True(t, seen[iflowAcc.ID])
	assert.True(t, seen[orAcc.ID])
}

func TestNextForProviderRotates(t *testing.T) {
	p, s := newTestPool(t)
	ctx := context.Background()

	first := attach(t, s, "openrouter", "k1@x", true)
	second := attach(t, s, "openrouter", "k2@x", true)

	a, err := p.NextForProvider(ctx, "u1", "openrouter")
	require.NoError(t, err)
	b, err := p.NextForProvider(ctx, "u1", "openrouter")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.ElementsMatch(t, []string{first.ID, second.ID}, []string{a.ID, b.ID})
}

// Selection bookkeeping rides a goroutine: Next must return before the
// counter write lands, even when that write is slow.
func TestNextDoesNotWaitOnBookkeeping(t *testing.T) {
	dsn := fmt.Sprintf("file:pool-slow-%d?mode=memory&cache=shared", time.Now().UnixNano())
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(&models.Account{}))
	cipher, err := crypto.NewAESGCMFromPassphrase("pool-test")
	require.NoError(t, err)
	s := store.New(database, cipher)
	reg := registry.New([]registry.Model{
		{Name: "glm-4.7", Providers: []string{"iflow"}},
	})
	p := New(s, reg, nil, nil)

	acc := attach(t, s, "iflow", "slow@x", true)

	// Every update now crawls; a synchronous counter write would drag
	// Next with it.
	require.NoError(t, database.Callback().Update().Before("gorm:update").
		Register("slow_update", func(*gorm.DB) { time.Sleep(300 * time.Millisecond) }))

	start := time.Now()
	got, err := p.Next(context.Background(), "u1", "glm-4.7", "")
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.Equal(t, acc.ID, got.ID)
	assert.Less(t, elapsed, 150*time.Millisecond)

	// The write still lands in the background.
	require.Eventually(t, func() bool {
		stored, err := s.GetAccount(context.Background(), acc.ID)
		return err == nil && stored.RequestCount >= 1
	}, 2*time.Second, 20*time.Millisecond)
}

// A sidelined account comes back degraded with its error streak
// cleared; the next success promotes it to active.
func TestCooldownRestoreResetsHealth(t *testing.T) {
	_, s := newTestPool(t)
	acc := attach(t, s, "iflow", "cool@x", true)
	policy := NewCooldownPolicy(s, 1, 50*time.Millisecond)

	policy.MarkFailed(context.Background(), acc.ID)

	stored, err := s.GetAccount(context.Background(), acc.ID)
	require.NoError(t, err)
	require.False(t, stored.IsActive)
	require.Equal(t, models.HealthFailed, stored.HealthStatus)

	require.Eventually(t, func() bool {
		stored, err := s.GetAccount(context.Background(), acc.ID)
		return err == nil && stored.IsActive
	}, 2*time.Second, 10*time.Millisecond)

	stored, err = s.GetAccount(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HealthDegraded, stored.HealthStatus)
	assert.Equal(t, 0, stored.ConsecutiveErrors)
}

func TestMemoryRotationStateConcurrent(t *testing.T) {
	state := NewMemoryRotationState()
	const workers = 8
	const perWorker = 100

	counts := make([]int, 4)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				idx := state.Advance("k", len(counts))
				mu.Lock()
				counts[idx]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Every slot gets an equal share of a balanced total.
	for _, c := range counts {
		assert.Equal(t, workers*perWorker/len(counts), c)
	}
}
