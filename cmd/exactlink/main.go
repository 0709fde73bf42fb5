package main

import (
	"fmt"
	"log"
	"net/http"

	"github.com/finbridge/exactlink/internal/api"
	"github.com/finbridge/exactlink/internal/clock"
	"github.com/finbridge/exactlink/internal/config"
	"github.com/finbridge/exactlink/internal/db"
	"github.com/finbridge/exactlink/internal/jobs"
	"github.com/finbridge/exactlink/internal/lock"
	"github.com/finbridge/exactlink/internal/notify"
	"github.com/finbridge/exactlink/internal/provider"
	"github.com/finbridge/exactlink/internal/ratelimit"
	"github.com/finbridge/exactlink/internal/secrets"
	"github.com/finbridge/exactlink/internal/store"
	"github.com/finbridge/exactlink/internal/token"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	database, err := db.InitDB(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	cipher, err := secrets.NewCipher(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("Failed to initialize cipher: %v", err)
	}

	clk := clock.Real{}
	connections := store.NewConnections(database, cipher, clk)
	rateLimits := store.NewRateLimits(database, clk)
	cache := store.NewDBCache(database, clk)

	hub := notify.NewHub()
	hub.Register(notify.LogNotifier{})
	if cfg.WebhookURL != "" {
		hub.Register(notify.NewWebhookNotifier(cfg.WebhookURL))
	}

	providerClient := provider.NewClient(provider.Endpoints{
		AuthURL:     cfg.Provider.AuthURL,
		TokenURL:    cfg.Provider.TokenURL,
		APIBaseURL:  cfg.Provider.APIBaseURL,
		RedirectURL: cfg.Provider.RedirectURL,
	})

	locker := lock.NewLocker(cache, cfg.Refresh.LockTTL)
	coordinator := token.NewCoordinator(connections, locker, providerClient, hub, clk, cfg.Refresh)
	tracker := ratelimit.NewTracker(rateLimits, cache, hub, clk, cfg.RateLimit)

	sweep := jobs.NewExpirySweep(connections, hub, clk, cfg.Warning.WindowsDays)
	scheduler := jobs.NewScheduler()
	if err := scheduler.Start(cfg.Warning.CronSpec, sweep); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	defer scheduler.Stop()

	r := chi.NewRouter()
	r.Use(api.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// OAuth flow
	r.Get("/connect", api.ConnectHandler(connections, providerClient, cfg.Provider))
	r.Get("/oauth/callback", api.CallbackHandler(connections, providerClient, cfg.Refresh))

	// Connection management
	r.Route("/api", func(r chi.Router) {
		r.Get("/connections", api.ConnectionsHandler(connections))
		r.Post("/connections/{id}/refresh", api.RefreshHandler(coordinator))
		r.Get("/connections/{id}/limits", api.LimitsHandler(tracker))
		r.Delete("/connections/{id}", api.DisconnectHandler(connections))
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Printf("🚀 exactlink listening on %s", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
