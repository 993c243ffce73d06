// Package pool picks which provider account serves a request. Accounts
// rotate round-robin per user/provider/model so traffic spreads across
// every attached account.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hikaru-dev/poolgate/internal/db/models"
	"github.com/hikaru-dev/poolgate/internal/registry"
	"github.com/hikaru-dev/poolgate/internal/store"
)

// ErrNoEligibleAccount means no active account can serve the request.
var ErrNoEligibleAccount = errors.New("no eligible account for this model")

// RotationState tracks rotation cursors. Advance returns the next
// cursor value for the key, modulo n. Cursors are not persisted: a
// restart resetting rotation to the first account is acceptable.
type RotationState interface {
	Advance(key string, n int) int
}

// MemoryRotationState is the in-process cursor map.
type MemoryRotationState struct {
	mu      sync.Mutex
	cursors map[string]int
}

// NewMemoryRotationState builds an empty cursor map.
func NewMemoryRotationState() *MemoryRotationState {
	return &MemoryRotationState{cursors: make(map[string]int)}
}

// Advance returns the current cursor for key modulo n and steps it.
func (m *MemoryRotationState) Advance(key string, n int) int {
	if n <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.cursors[key] % n
	m.cursors[key] = idx + 1
	return idx
}

// FailurePolicy reacts to an account failing a request. The default
// does nothing: failed accounts stay in rotation and health bookkeeping
// lives in the store counters.
type FailurePolicy interface {
	MarkFailed(ctx context.Context, accountID string)
}

// NoopPolicy keeps failed accounts in rotation.
type NoopPolicy struct{}

func (NoopPolicy) MarkFailed(context.Context, string) {}

// Pool selects accounts for requests.
type Pool struct {
	store    *store.Store
	registry *registry.Registry
	rotation RotationState
	failure  FailurePolicy
}

// New builds a pool. A nil rotation gets an in-memory cursor map; a nil
// failure policy gets the no-op.
func New(s *store.Store, reg *registry.Registry, rotation RotationState, failure FailurePolicy) *Pool {
	if rotation == nil {
		rotation = NewMemoryRotationState()
	}
	if failure == nil {
		failure = NoopPolicy{}
	}
	return &Pool{store: s, registry: reg, rotation: rotation, failure: failure}
}

// Next picks the account serving one request for a canonical model.
// provider narrows the candidates when the caller pinned one; empty
// means any provider mapped to the model. Selection bookkeeping
// (request count, last-used) is fire-and-forget.
func (p *Pool) Next(ctx context.Context, userID, model, provider string) (*models.Account, error) {
	providers := p.registry.ProvidersFor(model)
	if provider != "" {
		if !p.registry.IsSupportedBy(model, provider) {
			return nil, ErrNoEligibleAccount
		}
		providers = []string{provider}
	}
	if len(providers) == 0 {
		return nil, ErrNoEligibleAccount
	}

	candidates, err := p.store.FindAccounts(ctx, userID, providers, true)
	if err != nil {
		return nil, fmt.Errorf("load candidate accounts: %w", err)
	}
	if len(candidates) == 0 {
		return nil, ErrNoEligibleAccount
	}

	key := rotationKey(userID, provider, model)
	account := candidates[p.rotation.Advance(key, len(candidates))]
	p.store.RecordSelection(account.ID)
	return &account, nil
}

// NextForProvider rotates over a user's active accounts of one
// provider, regardless of model mapping.
func (p *Pool) NextForProvider(ctx context.Context, userID, provider string) (*models.Account, error) {
	candidates, err := p.store.FindAccounts(ctx, userID, []string{provider}, true)
	if err != nil {
		return nil, fmt.Errorf("load candidate accounts: %w", err)
	}
	if len(candidates) == 0 {
		return nil, ErrNoEligibleAccount
	}
	account := candidates[p.rotation.Advance(rotationKey(userID, provider, ""), len(candidates))]
	p.store.RecordSelection(account.ID)
	return &account, nil
}

// MarkFailed reports a failed request on an account to the configured
// failure policy.
func (p *Pool) MarkFailed(ctx context.Context, accountID string) {
	p.failure.MarkFailed(ctx, accountID)
}

func rotationKey(userID, provider, model string) string {
	return userID + "|" + provider + "|" + model
}
