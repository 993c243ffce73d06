package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hikaru-dev/poolgate/internal/db"
	"github.com/hikaru-dev/poolgate/internal/db/models"
	"github.com/hikaru-dev/poolgate/internal/lifecycle"
	"github.com/hikaru-dev/poolgate/internal/provider"
	"github.com/hikaru-dev/poolgate/internal/store"
	"github.com/hikaru-dev/poolgate/internal/usage"
)

// ManagementHandlers is the dashboard-facing account and key surface.
type ManagementHandlers struct {
	DB        *gorm.DB
	Store     *store.Store
	Clients   provider.Clients
	Lifecycle *lifecycle.Manager
	Usage     *usage.Sink
}

// accountView is the API representation of an account; tokens never
// leave the store.
type accountView struct {
	ID           string    `json:"id"`
	Provider     string    `json:"provider"`
	Name         string    `json:"name,omitempty"`
	Email        string    `json:"email,omitempty"`
	IsActive     bool      `json:"is_active"`
	HealthStatus string    `json:"health_status"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	RequestCount int64     `json:"request_count"`
	SuccessCount int64     `json:"success_count"`
	ErrorCount   int64     `json:"error_count"`
	LastError    string    `json:"last_error,omitempty"`
	LastUsedAt   time.Time `json:"last_used_at,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func viewOf(a *models.Account) accountView {
	return accountView{
		ID:           a.ID,
		Provider:     a.Provider,
		Name:         a.Name,
		Email:        a.Email,
		IsActive:     a.IsActive,
		HealthStatus: a.HealthStatus,
		ExpiresAt:    a.ExpiresAt,
		RequestCount: a.RequestCount,
		SuccessCount: a.SuccessCount,
		ErrorCount:   a.ErrorCount,
		LastError:    a.LastError,
		LastUsedAt:   a.LastUsedAt,
		CreatedAt:    a.CreatedAt,
	}
}

// ListAccounts handles GET /api/accounts.
func (h *ManagementHandlers) ListAccounts() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accounts, err := h.Store.FindAccounts(r.Context(), userFromRequest(r), nil, false)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		views := make([]accountView, 0, len(accounts))
		for i := range accounts {
			views = append(views, viewOf(&accounts[i]))
		}
		writeJSON(w, http.StatusOK, map[string]any{"accounts": views})
	}
}

// AttachAPIKeyAccount handles POST /api/accounts: attach a direct
// API-key provider account (the key rides in the body, not a flow).
func (h *ManagementHandlers) AttachAPIKeyAccount() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Provider string `json:"provider"`
			APIKey   string `json:"api_key"`
			Name     string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Provider == "" || body.APIKey == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "provider and api_key are required"})
			return
		}

		client, ok := h.Clients.Get(body.Provider)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown provider: " + body.Provider})
			return
		}
		if client.AuthKind() != provider.AuthAPIKey {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": body.Provider + " uses an OAuth flow, not a direct key"})
			return
		}

		tokens, err := client.Exchange(r.Context(), body.APIKey, "")
		if err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		if body.Name != "" {
			tokens.Identity.Name = body.Name
		}

		account, isNew, err := h.Store.UpsertByIdentity(r.Context(), store.NewAccount{
			UserID:      userFromRequest(r),
			Provider:    body.Provider,
			ExternalID:  tokens.Identity.ExternalID,
			Name:        tokens.Identity.Name,
			AccessToken: tokens.AccessToken,
		})
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		status := http.StatusOK
		if isNew {
			status = http.StatusCreated
		}
		writeJSON(w, status, viewOf(account))
	}
}

// DeleteAccount handles DELETE /api/accounts/{id}.
func (h *ManagementHandlers) DeleteAccount() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := h.Store.DeleteAccount(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrAccountNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "account not found"})
				return
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// RefreshAccount handles POST /api/accounts/{id}/refresh: force a
// credential refresh now.
func (h *ManagementHandlers) RefreshAccount() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		account, err := h.Store.GetAccount(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "account not found"})
			return
		}

		// Force staleness so the manager actually refreshes.
		forced := *account
		forced.ExpiresAt = time.Now()
		if _, err := h.Lifecycle.AccessToken(r.Context(), &forced); err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}

		refreshed, err := h.Store.GetAccount(r.Context(), account.ID)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, viewOf(refreshed))
	}
}

// SetAccountActive handles POST /api/accounts/{id}/active.
func (h *ManagementHandlers) SetAccountActive() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Active bool `json:"active"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
			return
		}
		if err := h.Store.SetActive(r.Context(), chi.URLParam(r, "id"), body.Active); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"active": body.Active})
	}
}

// GetGatewayKeys handles GET /api/keys.
func (h *ManagementHandlers) GetGatewayKeys() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var keys []models.GatewayKey
		if err := h.DB.Where("user_id = ?", userFromRequest(r)).Find(&keys).Error; err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
	}
}

// RegenerateGatewayKey handles POST /api/keys/regenerate: mint a new key
// for the user, optionally with model allow/deny lists.
func (h *ManagementHandlers) RegenerateGatewayKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name          string   `json:"name"`
			AllowedModels []string `json:"allowed_models"`
			DeniedModels  []string `json:"denied_models"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		allowed, _ := json.Marshal(body.AllowedModels)
		denied, _ := json.Marshal(body.DeniedModels)
		if len(body.AllowedModels) == 0 {
			allowed = nil
		}
		if len(body.DeniedModels) == 0 {
			denied = nil
		}

		key := models.GatewayKey{
			ID:            uuid.New().String(),
			UserID:        userFromRequest(r),
			Key:           db.GenerateKey(),
			Name:          body.Name,
			AllowedModels: string(allowed),
			DeniedModels:  string(denied),
			IsActive:      true,
		}
		if err := h.DB.Create(&key).Error; err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, key)
	}
}

// ToggleModel handles POST /api/models/{model}/toggle.
func (h *ManagementHandlers) ToggleModel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Disabled bool `json:"disabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
			return
		}

		userID := userFromRequest(r)
		model := chi.URLParam(r, "model")
		var toggle models.ModelToggle
		err := h.DB.Where("user_id = ? AND model = ?", userID, model).First(&toggle).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			toggle = models.ModelToggle{UserID: userID, Model: model, Disabled: body.Disabled}
			err = h.DB.Create(&toggle).Error
		} else if err == nil {
			err = h.DB.Model(&toggle).Update("disabled", body.Disabled).Error
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"model": model, "disabled": body.Disabled})
	}
}

// UsageStats handles GET /api/usage.
func (h *ManagementHandlers) UsageStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := h.Usage.Stats(userFromRequest(r))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}
