// Package lifecycle keeps provider account credentials valid: it hands
// out access tokens, refreshing them ahead of expiry with per-account
// single-flight, and runs the proactive background refresh loop.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/hikaru-dev/poolgate/internal/db/models"
	"github.com/hikaru-dev/poolgate/internal/provider"
	"github.com/hikaru-dev/poolgate/internal/store"
)

// ErrAuthExpired means the credential could not be refreshed and the
// stored token is truly expired. The account is unusable for this
// request; callers should try the next pool candidate.
var ErrAuthExpired = errors.New("credential expired and refresh failed")

// Manager hands out valid access tokens for accounts.
type Manager struct {
	store   *store.Store
	clients provider.Clients

	mu       sync.Mutex
	inflight map[string]*refreshCall
}

// refreshCall is one in-progress refresh; waiters share its result.
type refreshCall struct {
	done  chan struct{}
	token string
	err   error
}

// NewManager builds a lifecycle manager over the account store.
func NewManager(s *store.Store, clients provider.Clients) *Manager {
	return &Manager{
		store:    s,
		clients:  clients,
		inflight: make(map[string]*refreshCall),
	}
}

// AccessToken returns a usable access token for the account, refreshing
// first when the stored one is within the provider's refresh buffer of
// expiry. Concurrent callers for the same account share one upstream
// refresh.
func (m *Manager) AccessToken(ctx context.Context, account *models.Account) (string, error) {
	client, ok := m.clients.Get(account.Provider)
	if !ok {
		return "", fmt.Errorf("no client registered for provider %s", account.Provider)
	}

	// API keys (zero expiry) never go stale.
	if account.ExpiresAt.IsZero() {
		return m.store.AccessToken(account)
	}
	if time.Until(account.ExpiresAt) > client.RefreshBuffer() {
		return m.store.AccessToken(account)
	}

	return m.refresh(ctx, account, client)
}

// refresh runs the single-flight refresh for one account. The leader
// does the upstream call and persists; waiters block on its result.
func (m *Manager) refresh(ctx context.Context, account *models.Account, client provider.Client) (string, error) {
	m.mu.Lock()
	if call, ok := m.inflight[account.ID]; ok {
		m.mu.Unlock()
		select {
		case <-call.done:
			return call.token, call.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	call := &refreshCall{done: make(chan struct{})}
	m.inflight[account.ID] = call
	m.mu.Unlock()

	// The leader refreshes on behalf of every waiter; its own caller
	// disconnecting must not fail the shared call.
	call.token, call.err = m.doRefresh(context.WithoutCancel(ctx), account, client)
	close(call.done)

	m.mu.Lock()
	delete(m.inflight, account.ID)
	m.mu.Unlock()

	return call.token, call.err
}

func (m *Manager) doRefresh(ctx context.Context, account *models.Account, client provider.Client) (string, error) {
	refreshToken, err := m.store.RefreshToken(account)
	if err != nil {
		return "", fmt.Errorf("load refresh token: %w", err)
	}
	if refreshToken == "" {
		return m.staleOrExpired(account, fmt.Errorf("account has no refresh token"))
	}

	tokens, err := client.Refresh(ctx, refreshToken)
	if err != nil {
		if isPermanentRefreshError(err) {
			log.Printf("🔒 Permanent refresh failure for %s, deactivating: %v", account.Email, err)
			if derr := m.store.SetActive(context.WithoutCancel(ctx), account.ID, false); derr != nil {
				log.Printf("⚠️ Failed to deactivate %s: %v", account.ID, derr)
			}
			return "", ErrAuthExpired
		}
		return m.staleOrExpired(account, err)
	}

	// Persist before returning. With rotating refresh tokens the old
	// one died the moment the provider answered; losing the new pair
	// here would strand the account, so a failed write fails the call.
	newRefresh := tokens.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}
	if err := m.store.SaveTokens(ctx, account.ID, tokens.AccessToken, newRefresh, tokens.ExpiresAt); err != nil {
		if client.RotatesRefreshToken() {
			return "", fmt.Errorf("persist rotated tokens: %w", err)
		}
		log.Printf("⚠️ Failed to persist refreshed token for %s: %v", account.Email, err)
	}
	account.ExpiresAt = tokens.ExpiresAt

	log.Printf("✅ Refreshed token for %s (expires %s)", account.Email, tokens.ExpiresAt.Format(time.RFC3339))
	return tokens.AccessToken, nil
}

// staleOrExpired falls back once to the stored token when it has not
// actually expired yet; a truly expired token surfaces ErrAuthExpired.
func (m *Manager) staleOrExpired(account *models.Account, cause error) (string, error) {
	if time.Now().Before(account.ExpiresAt) {
		log.Printf("⚠️ Refresh failed for %s, serving stale token until %s: %v",
			account.Email, account.ExpiresAt.Format(time.RFC3339), cause)
		return m.store.AccessToken(account)
	}
	log.Printf("❌ Refresh failed for %s and token is expired: %v", account.Email, cause)
	return "", ErrAuthExpired
}

// StartRefreshLoop proactively refreshes soon-expiring active accounts
// in the background until ctx is cancelled.
func (m *Manager) StartRefreshLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.refreshExpiring(ctx)
			}
		}
	}()
	log.Printf("🔄 Token refresh loop started (interval: %s)", interval)
}

func (m *Manager) refreshExpiring(ctx context.Context) {
	accounts, err := m.store.FindAccounts(ctx, "", nil, true)
	if err != nil {
		log.Printf("⚠️ Refresh loop account scan failed: %v", err)
		return
	}
	for i := range accounts {
		account := &accounts[i]
		client, ok := m.clients.Get(account.Provider)
		if !ok || account.ExpiresAt.IsZero() {
			continue
		}
		if time.Until(account.ExpiresAt) > client.RefreshBuffer() {
			continue
		}
		if _, err := m.refresh(ctx, account, client); err != nil {
			log.Printf("⚠️ Background refresh failed for %s: %v", account.Email, err)
		}
	}
}

func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
