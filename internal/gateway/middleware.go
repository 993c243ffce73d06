package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"gorm.io/gorm"

	"github.com/hikaru-dev/poolgate/internal/db"
	"github.com/hikaru-dev/poolgate/internal/db/models"
)

type contextKey string

const gatewayKeyContext contextKey = "gateway-key"

// APIKeyAuth validates the inbound bearer key and stashes the matching
// GatewayKey on the request context. Accepts Authorization: Bearer and
// x-api-key (Anthropic SDK convention).
func APIKeyAuth(database *gorm.DB) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ""
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				token = strings.TrimPrefix(auth, "Bearer ")
			}
			if token == "" {
				token = r.Header.Get("x-api-key")
			}

			if token != "" {
				if key, ok := db.FindGatewayKey(database, token); ok {
					next.ServeHTTP(w, r.WithContext(
						context.WithValue(r.Context(), gatewayKeyContext, key)))
					return
				}
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error": {"message": "Invalid API key", "type": "authentication_error"}}`))
		})
	}
}

// keyFromContext returns the authenticated gateway key.
func keyFromContext(ctx context.Context) *models.GatewayKey {
	key, _ := ctx.Value(gatewayKeyContext).(*models.GatewayKey)
	return key
}

// keyAllowsModel checks the key's allow/deny lists against both the
// requested and the canonical model name. An empty allow list admits
// everything not denied.
func keyAllowsModel(key *models.GatewayKey, requested, canonical string) bool {
	if key == nil {
		return true
	}
	denied := parseModelList(key.DeniedModels)
	for _, m := range denied {
		if m == requested || m == canonical {
			return false
		}
	}
	allowed := parseModelList(key.AllowedModels)
	if len(allowed) == 0 {
		return true
	}
	for _, m := range allowed {
		if m == requested || m == canonical {
			return true
		}
	}
	return false
}

func parseModelList(raw string) []string {
	if raw == "" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil
	}
	return list
}
