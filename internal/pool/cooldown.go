package pool

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/hikaru-dev/poolgate/internal/db/models"
	"github.com/hikaru-dev/poolgate/internal/store"
)

// CooldownPolicy deactivates an account after too many consecutive
// failures and reactivates it once the cooldown passes. Not wired by
// default; NoopPolicy is the shipped behavior.
type CooldownPolicy struct {
	store     *store.Store
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	failures map[string]int
	downAt   map[string]time.Time
}

// NewCooldownPolicy builds the policy. threshold is how many
// consecutive failures sideline an account.
func NewCooldownPolicy(s *store.Store, threshold int, cooldown time.Duration) *CooldownPolicy {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &CooldownPolicy{
		store:     s,
		threshold: threshold,
		cooldown:  cooldown,
		failures:  make(map[string]int),
		downAt:    make(map[string]time.Time),
	}
}

// MarkFailed counts the failure and sidelines the account at the
// threshold.
func (c *CooldownPolicy) MarkFailed(ctx context.Context, accountID string) {
	c.mu.Lock()
	c.failures[accountID]++
	hit := c.failures[accountID] >= c.threshold
	if hit {
		c.failures[accountID] = 0
		c.downAt[accountID] = time.Now()
	}
	c.mu.Unlock()

	if !hit {
		return
	}
	if err := c.store.SetActive(ctx, accountID, false); err != nil {
		log.Printf("⚠️ Failed to sideline account %s: %v", accountID, err)
		return
	}
	log.Printf("🔒 Account %s sidelined for %s after repeated failures", accountID, c.cooldown)

	time.AfterFunc(c.cooldown, func() {
		c.mu.Lock()
		delete(c.downAt, accountID)
		c.mu.Unlock()
		// Back in rotation as degraded, not failed; the next success
		// promotes it to active.
		err := c.store.UpdateAccount(context.Background(), accountID, map[string]any{
			"is_active":          true,
			"health_status":      models.HealthDegraded,
			"consecutive_errors": 0,
		})
		if err != nil {
			log.Printf("⚠️ Failed to restore account %s: %v", accountID, err)
			return
		}
		log.Printf("✅ Account %s restored after cooldown", accountID)
	})
}
