package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/hikaru-dev/poolgate/internal/adapter"
	"github.com/hikaru-dev/poolgate/internal/db"
	"github.com/hikaru-dev/poolgate/internal/db/models"
	"github.com/hikaru-dev/poolgate/internal/lifecycle"
	"github.com/hikaru-dev/poolgate/internal/logging"
	"github.com/hikaru-dev/poolgate/internal/pool"
	"github.com/hikaru-dev/poolgate/internal/provider"
	"github.com/hikaru-dev/poolgate/internal/registry"
	"github.com/hikaru-dev/poolgate/internal/store"
	"github.com/hikaru-dev/poolgate/internal/usage"
)

// Orchestrator routes one inbound request to an upstream account and
// back. It owns the model resolution, eligibility checks, account
// rotation, and the retry-on-expired-credential loop.
type Orchestrator struct {
	DB        *gorm.DB
	Store     *store.Store
	Registry  *registry.Registry
	Pool      *pool.Pool
	Lifecycle *lifecycle.Manager
	Clients   provider.Clients
	Usage     *usage.Sink
}

// route is the resolved routing decision for one request.
type route struct {
	requested string // model string as sent by the caller
	canonical string // canonical model name
	provider  string // non-empty when the caller pinned a provider
	accountID string // non-empty when the caller pinned an account
}

// resolveRoute validates the model field and the caller's permissions.
// A "provider/model" form pins the provider; a provider_account_id
// body field pins the account. Every check here runs before any
// provider is contacted.
func (o *Orchestrator) resolveRoute(userID string, key *models.GatewayKey, modelField, accountID string) (*route, error) {
	requested := modelField
	pinned := ""
	if idx := strings.IndexByte(modelField, '/'); idx > 0 {
		if _, ok := o.Clients.Get(modelField[:idx]); ok {
			pinned = modelField[:idx]
			requested = modelField[idx+1:]
		}
	}

	canonical := o.Registry.Resolve(requested)
	if !o.Registry.IsSupported(canonical) {
		return nil, invalidModelError(modelField)
	}
	if pinned != "" && !o.Registry.IsSupportedBy(canonical, pinned) {
		return nil, invalidModelError(modelField)
	}

	if !keyAllowsModel(key, requested, canonical) {
		return nil, fmt.Errorf("%w: %s", ErrModelNotAllowed, canonical)
	}
	if db.IsModelDisabled(o.DB, userID, canonical) {
		return nil, fmt.Errorf("%w: %s is disabled", ErrModelNotAllowed, canonical)
	}

	return &route{
		requested: modelField,
		canonical: canonical,
		provider:  pinned,
		accountID: accountID,
	}, nil
}

// Execute runs the request against an eligible account. When an
// account's credential turns out to be expired (or the upstream rejects
// it outright) the next rotation candidate is tried, up to the number
// of candidates, before the request fails.
func (o *Orchestrator) Execute(ctx context.Context, userID string, rt *route, req *adapter.Request) (*provider.Result, *models.Account, error) {
	if rt.accountID != "" {
		account, err := o.pinnedAccount(ctx, userID, rt)
		if err != nil {
			return nil, nil, err
		}
		result, err := o.callAccount(ctx, account, rt, req)
		return result, account, err
	}

	attempts := o.candidateCount(ctx, userID, rt)
	var lastErr error
	for i := 0; i < attempts; i++ {
		account, err := o.Pool.Next(ctx, userID, rt.canonical, rt.provider)
		if err != nil {
			return nil, nil, err
		}
		result, err := o.callAccount(ctx, account, rt, req)
		if err == nil {
			return result, account, nil
		}
		if !retryableOnNextAccount(err) {
			return nil, account, err
		}
		log.Printf("🔄 [%s] Account %s unusable for %s, trying next candidate: %s",
			logging.GetRequestID(ctx), account.Email, rt.canonical, logging.Truncate(err.Error(), logging.DefaultLogMaxLen))
		o.Pool.MarkFailed(ctx, account.ID)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrNoEligibleAccount
	}
	return nil, nil, lastErr
}

func (o *Orchestrator) pinnedAccount(ctx context.Context, userID string, rt *route) (*models.Account, error) {
	account, err := o.Store.GetAccount(ctx, rt.accountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, ErrNoEligibleAccount
		}
		return nil, err
	}
	if account.UserID != userID || !account.IsActive {
		return nil, ErrNoEligibleAccount
	}
	if !o.Registry.IsSupportedBy(rt.canonical, account.Provider) {
		return nil, invalidModelError(rt.requested)
	}
	return account, nil
}

func (o *Orchestrator) callAccount(ctx context.Context, account *models.Account, rt *route, req *adapter.Request) (*provider.Result, error) {
	client, ok := o.Clients.Get(account.Provider)
	if !ok {
		return nil, fmt.Errorf("no client registered for provider %s", account.Provider)
	}

	token, err := o.Lifecycle.AccessToken(ctx, account)
	if err != nil {
		return nil, err
	}

	callReq := *req
	callReq.Model = rt.canonical
	result, err := client.Call(ctx, token, account.Metadata, &callReq)
	if err != nil {
		o.Store.RecordResult(account.ID, false, err.Error())
		return nil, err
	}
	o.Store.RecordResult(account.ID, true, "")
	return result, nil
}

func (o *Orchestrator) candidateCount(ctx context.Context, userID string, rt *route) int {
	providers := o.Registry.ProvidersFor(rt.canonical)
	if rt.provider != "" {
		providers = []string{rt.provider}
	}
	accounts, err := o.Store.FindAccounts(ctx, userID, providers, true)
	if err != nil || len(accounts) == 0 {
		return 1
	}
	return len(accounts)
}

// retryableOnNextAccount reports whether the failure is scoped to the
// serving account rather than the request.
func retryableOnNextAccount(err error) bool {
	if errors.Is(err, lifecycle.ErrAuthExpired) {
		return true
	}
	var upstream *provider.UpstreamError
	return errors.As(err, &upstream) && upstream.IsAuthError()
}

// record writes the usage line for one finished request.
func (o *Orchestrator) record(userID string, account *models.Account, rt *route, u adapter.Usage, started time.Time, status int, err error) {
	rec := usage.Record{
		UserID:       userID,
		Model:        rt.canonical,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		StatusCode:   status,
		Duration:     time.Since(started),
		Err:          err,
	}
	if account != nil {
		rec.AccountID = account.ID
		rec.Provider = account.Provider
	}
	o.Usage.Write(rec)
}
