package main

import (
	"context"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/hikaru-dev/poolgate/internal/config"
	"github.com/hikaru-dev/poolgate/internal/crypto"
	"github.com/hikaru-dev/poolgate/internal/db"
	"github.com/hikaru-dev/poolgate/internal/gateway"
	"github.com/hikaru-dev/poolgate/internal/lifecycle"
	"github.com/hikaru-dev/poolgate/internal/logging"
	"github.com/hikaru-dev/poolgate/internal/pool"
	"github.com/hikaru-dev/poolgate/internal/provider"
	"github.com/hikaru-dev/poolgate/internal/provider/antigravity"
	"github.com/hikaru-dev/poolgate/internal/provider/iflow"
	"github.com/hikaru-dev/poolgate/internal/provider/openrouter"
	"github.com/hikaru-dev/poolgate/internal/registry"
	"github.com/hikaru-dev/poolgate/internal/store"
	"github.com/hikaru-dev/poolgate/internal/usage"
	"github.com/hikaru-dev/poolgate/internal/version"
)

func main() {
	// Load .env if present (ignored when missing)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize database
	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	// Token encryption at rest. Without a key tokens are stored as-is,
	// which is only acceptable for local development.
	var cipher crypto.Cipher
	if cfg.EncryptionKey != "" {
		cipher, err = crypto.NewAESGCMFromPassphrase(cfg.EncryptionKey)
		if err != nil {
			log.Fatalf("Failed to initialize encryption: %v", err)
		}
	} else {
		log.Println("⚠️ POOLGATE_ENCRYPTION_KEY not set, storing tokens unencrypted")
		cipher = crypto.Plaintext{}
	}

	// Model registry
	reg, err := registry.Load()
	if err != nil {
		log.Fatalf("Failed to load model registry: %v", err)
	}

	// Provider clients
	clients := provider.Clients{}
	clients.Register(antigravity.New())
	clients.Register(iflow.New())
	clients.Register(openrouter.New())

	// Core services
	accountStore := store.New(database, cipher)
	lifecycleMgr := lifecycle.NewManager(accountStore, clients)
	accountPool := pool.New(accountStore, reg, pool.NewMemoryRotationState(), pool.NoopPolicy{})
	usageSink := usage.NewSink(database)

	lifecycleMgr.StartRefreshLoop(context.Background(), cfg.RefreshInterval)

	orchestrator := &gateway.Orchestrator{
		DB:        database,
		Store:     accountStore,
		Registry:  reg,
		Pool:      accountPool,
		Lifecycle: lifecycleMgr,
		Clients:   clients,
		Usage:     usageSink,
	}
	authHandlers := gateway.NewAuthHandlers(accountStore, clients)
	mgmt := &gateway.ManagementHandlers{
		DB:        database,
		Store:     accountStore,
		Clients:   clients,
		Lifecycle: lifecycleMgr,
		Usage:     usageSink,
	}

	// Create router
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(logging.RequestID)

	// Optional admin auth middleware
	adminPassword := cfg.AdminPassword
	optionalAdminAuth := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminPassword == "" {
				next.ServeHTTP(w, r)
				return
			}
			_, pass, ok := r.BasicAuth()
			if !ok || pass != adminPassword {
				w.Header().Set("WWW-Authenticate", `Basic realm="Poolgate Admin"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}

	// OAuth flows (redirect and device)
	r.Get("/auth/{provider}/login", authHandlers.Login())
	r.Get("/auth/{provider}/callback", authHandlers.Callback())
	r.Post("/auth/{provider}/device/start", authHandlers.DeviceStart())
	r.Post("/auth/{provider}/device/poll", authHandlers.DevicePoll())

	// Management API (protected if POOLGATE_ADMIN_PASSWORD is set)
	r.Route("/api", func(r chi.Router) {
		r.Use(optionalAdminAuth)
		r.Get("/accounts", mgmt.ListAccounts())
		r.Post("/accounts", mgmt.AttachAPIKeyAccount())
		r.Delete("/accounts/{id}", mgmt.DeleteAccount())
		r.Post("/accounts/{id}/refresh", mgmt.RefreshAccount())
		r.Post("/accounts/{id}/active", mgmt.SetAccountActive())

		r.Get("/keys", mgmt.GetGatewayKeys())
		r.Post("/keys/regenerate", mgmt.RegenerateGatewayKey())

		r.Post("/models/{model}/toggle", mgmt.ToggleModel())
		r.Get("/usage", mgmt.UsageStats())
	})

	// OpenAI-compatible API
	r.Route("/v1", func(r chi.Router) {
		r.Use(gateway.APIKeyAuth(database))
		r.Post("/chat/completions", orchestrator.ChatCompletions())
		r.Post("/responses", orchestrator.Responses())
		r.Post("/messages", orchestrator.Messages())
		r.Get("/models", orchestrator.Models())
	})

	// Anthropic SDK default base path
	r.Route("/anthropic", func(r chi.Router) {
		r.Use(gateway.APIKeyAuth(database))
		r.Post("/v1/messages", orchestrator.Messages())
	})

	// Start server
	addr := cfg.Addr()
	log.Printf("🚀 Poolgate %s starting on http://%s", version.Version, addr)
	log.Printf("🔌 OpenAI API: http://%s/v1", addr)
	log.Printf("🔌 Anthropic API: http://%s/anthropic/v1", addr)

	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
