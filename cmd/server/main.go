// Package main runs the HTTP API server: billing operations, the Stripe
// webhook endpoint, document-index enqueueing and queue inspection. It also
// registers the recurring subscription-sync rule at boot.
package main

import (
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/billing"
	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/config"
	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/jobs"
	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/logger"
	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/queue"
	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/store"
)

func main() {
	cfg := config.Load()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	registry := queue.NewRegistry(rdb)

	subs := store.NewSubscriptionStore(rdb)
	docs := store.NewDocumentStore(rdb)
	catalog := billing.NewCatalog(cfg.PriceIDStarter, cfg.PriceIDPro, cfg.PriceIDBusiness)
	provider := billing.NewStripeProvider(cfg.StripeSecretKey)
	engine := billing.NewEngine(provider, subs, catalog, cfg.CheckoutSuccessURL, cfg.CheckoutCancelURL)

	// Recurring subscription sync. The upsert is idempotent, so every
	// process instance registers it on boot without creating duplicates.
	scheduler := queue.NewCronScheduler(registry)
	if err := scheduler.ScheduleRecurring(
		jobs.QueueSubscriptions, "subscription-sync", cfg.SyncCron,
		jobs.JobSubscriptionSync, jobs.SubscriptionSyncPayload{},
	); err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to register subscription sync rule")
	}
	scheduler.Start()
	defer scheduler.Stop()

	if cfg.APIKey == "" {
		logger.Log.Warn().Msg("API_KEY not set. Authentication disabled.")
	}

	srv := &server{
		registry:      registry,
		engine:        engine,
		subs:          subs,
		docs:          docs,
		apiKey:        cfg.APIKey,
		webhookSecret: cfg.StripeWebhookSecret,
	}

	logger.Log.Info().Str("addr", cfg.APIAddr).Msg("API server listening")
	if err := http.ListenAndServe(cfg.APIAddr, srv.router()); err != nil {
		logger.Log.Fatal().Err(err).Msg("Server failed")
	}
}
