package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hikaru-dev/poolgate/internal/db/models"
	"github.com/hikaru-dev/poolgate/internal/provider"
	"github.com/hikaru-dev/poolgate/internal/store"
)

// pendingLogin is one in-flight redirect authorization. Held in memory:
// a restart mid-login just means logging in again.
type pendingLogin struct {
	userID    string
	pkce      *provider.PKCE
	createdAt time.Time
}

// AuthHandlers owns the OAuth attach surface.
type AuthHandlers struct {
	Store   *store.Store
	Clients provider.Clients

	mu      sync.Mutex
	pending map[string]*pendingLogin // keyed by state
}

// NewAuthHandlers builds the attach surface.
func NewAuthHandlers(s *store.Store, clients provider.Clients) *AuthHandlers {
	return &AuthHandlers{Store: s, Clients: clients, pending: make(map[string]*pendingLogin)}
}

func userFromRequest(r *http.Request) string {
	if user := r.URL.Query().Get("user"); user != "" {
		return user
	}
	return "default"
}

func (h *AuthHandlers) redirectClient(w http.ResponseWriter, r *http.Request) (provider.RedirectClient, bool) {
	name := chi.URLParam(r, "provider")
	client, ok := h.Clients.Get(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown provider: " + name})
		return nil, false
	}
	rc, ok := client.(provider.RedirectClient)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": name + " does not use a redirect flow"})
		return nil, false
	}
	return rc, true
}

func callbackURL(r *http.Request, providerName string) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/auth/%s/callback", scheme, r.Host, providerName)
}

// Login handles GET /auth/{provider}/login: mint state and PKCE, stash
// them, and redirect to the provider's consent page.
func (h *AuthHandlers) Login() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client, ok := h.redirectClient(w, r)
		if !ok {
			return
		}

		state := uuid.New().String()
		pkce := provider.NewPKCE()
		h.mu.Lock()
		h.prunePendingLocked()
		h.pending[state] = &pendingLogin{
			userID:    userFromRequest(r),
			pkce:      pkce,
			createdAt: time.Now(),
		}
		h.mu.Unlock()

		url := client.AuthorizeURL(state, callbackURL(r, client.Name()), pkce)
		http.Redirect(w, r, url, http.StatusTemporaryRedirect)
	}
}

// Callback handles GET /auth/{provider}/callback: verify state, run
// the code exchange, and upsert the account.
func (h *AuthHandlers) Callback() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client, ok := h.redirectClient(w, r)
		if !ok {
			return
		}

		state := r.URL.Query().Get("state")
		h.mu.Lock()
		login, found := h.pending[state]
		delete(h.pending, state)
		h.mu.Unlock()
		if !found {
			http.Error(w, "Invalid state token", http.StatusBadRequest)
			return
		}

		code := r.URL.Query().Get("code")
		if code == "" {
			http.Error(w, "Missing authorization code", http.StatusBadRequest)
			return
		}

		tokens, err := client.Exchange(r.Context(), code, login.pkce.Verifier)
		if err != nil {
			http.Error(w, fmt.Sprintf("Token exchange failed: %v", err), http.StatusInternalServerError)
			return
		}

		account, isNew, err := h.attach(r, client.Name(), login.userID, tokens)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to save account: %v", err), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		verb := "re-attached"
		if isNew {
			verb = "attached"
		}
		fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><meta http-equiv="refresh" content="3;url=/"><title>Login Successful</title></head>
<body>
	<h1>✅ Account %s</h1>
	<p><strong>Email:</strong> %s</p>
	<p><strong>Provider:</strong> %s</p>
	<p>Redirecting in 3 seconds...</p>
</body>
</html>`, verb, account.Email, client.Name())
	}
}

// DeviceStart handles POST /auth/{provider}/device/start.
func (h *AuthHandlers) DeviceStart() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "provider")
		client, ok := h.Clients.Get(name)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown provider: " + name})
			return
		}
		dc, ok := client.(provider.DeviceClient)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": name + " does not use a device flow"})
			return
		}

		auth, err := dc.StartDeviceFlow(r.Context())
		if err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, auth)
	}
}

// DevicePoll handles POST /auth/{provider}/device/poll. The dashboard
// calls this on the advertised interval until the user approves.
func (h *AuthHandlers) DevicePoll() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "provider")
		client, ok := h.Clients.Get(name)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown provider: " + name})
			return
		}

		var body struct {
			DeviceCode string `json:"device_code"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DeviceCode == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing device_code"})
			return
		}

		tokens, err := client.Exchange(r.Context(), body.DeviceCode, "")
		if errors.Is(err, provider.ErrAuthorizationPending) {
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
			return
		}
		if err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}

		account, isNew, err := h.attach(r, name, userFromRequest(r), tokens)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "authorized",
			"account_id": account.ID,
			"email":      account.Email,
			"is_new":     isNew,
		})
	}
}

func (h *AuthHandlers) attach(r *http.Request, providerName, userID string, tokens *provider.TokenSet) (*models.Account, bool, error) {
	account, isNew, err := h.Store.UpsertByIdentity(r.Context(), store.NewAccount{
		UserID:       userID,
		Provider:     providerName,
		ExternalID:   tokens.Identity.ExternalID,
		Name:         tokens.Identity.Name,
		Email:        tokens.Identity.Email,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    tokens.ExpiresAt,
		Metadata:     tokens.Identity.Metadata,
	})
	if err != nil {
		return nil, false, err
	}
	if isNew {
		log.Printf("🔑 Attached new %s account %s for user %s", providerName, account.Email, userID)
	} else {
		log.Printf("🔄 Re-attached %s account %s for user %s", providerName, account.Email, userID)
	}
	return account, isNew, nil
}

// prunePendingLocked drops redirect states older than 15 minutes.
func (h *AuthHandlers) prunePendingLocked() {
	cutoff := time.Now().Add(-15 * time.Minute)
	for state, login := range h.pending {
		if login.createdAt.Before(cutoff) {
			delete(h.pending, state)
		}
	}
}
